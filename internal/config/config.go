package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the together client.
type Config struct {
	// ServerURL is the base URL of the backend, e.g. https://chat.example.com.
	// The WebSocket endpoint is derived from it unless WSURL is set.
	ServerURL string `env:"TOGETHER_SERVER_URL"`

	// WSURL overrides the derived WebSocket endpoint.
	WSURL string `env:"TOGETHER_WS_URL"`

	// Account credentials. Used once to obtain a session token, which is
	// then persisted in the local state database.
	Email    string `env:"TOGETHER_EMAIL"`
	Password string `env:"TOGETHER_PASSWORD"`

	// ConversationID selects the conversation to open.
	ConversationID string `env:"TOGETHER_CONVERSATION_ID"`

	// StateDir is where the local state database lives.
	// Defaults to ~/.together/.
	StateDir string `env:"TOGETHER_STATE_DIR"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "together"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".together")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := deriveWSURL(cfg.ServerURL)
		if err != nil {
			return nil, err
		}

		cfg.WSURL = wsURL
	}

	return cfg, nil
}

// deriveWSURL converts the backend base URL into its WebSocket
// counterpart: https becomes wss, http becomes ws.
func deriveWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing TOGETHER_SERVER_URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("cannot derive websocket URL from scheme %q, set TOGETHER_WS_URL", u.Scheme)
	}

	return u.String(), nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("TOGETHER_SERVER_URL is required")
	}

	if c.Email == "" {
		return fmt.Errorf("TOGETHER_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("TOGETHER_PASSWORD is required")
	}

	if c.ConversationID == "" {
		return fmt.Errorf("TOGETHER_CONVERSATION_ID is required")
	}

	return nil
}

// StatePath returns the path of the state database file.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
