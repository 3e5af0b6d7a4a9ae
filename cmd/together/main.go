package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Abhishek12890551/together-sub000/internal/api"
	"github.com/Abhishek12890551/together-sub000/internal/chat"
	"github.com/Abhishek12890551/together-sub000/internal/config"
	apperrors "github.com/Abhishek12890551/together-sub000/internal/errors"
	"github.com/Abhishek12890551/together-sub000/internal/logging"
	"github.com/Abhishek12890551/together-sub000/internal/state"
	"github.com/Abhishek12890551/together-sub000/internal/transport"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("together starting",
		slog.String("version", Version),
		slog.String("conversation", cfg.ConversationID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := api.NewClient(nil, cfg.ServerURL)

	auth, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	conv, err := client.Conversation(ctx, cfg.ConversationID)
	if err != nil {
		return fmt.Errorf("fetching conversation: %w", err)
	}
	logger.Info("conversation loaded",
		slog.String("id", conv.ID),
		slog.Bool("group", conv.IsGroup),
		slog.Int("participants", len(conv.Participants)),
	)

	cursor, err := appState.GetCursor(conv.ID)
	if err != nil {
		logger.Warn("reading cursor failed", slog.String("error", err.Error()))
	}
	page, err := client.Messages(ctx, conv.ID, cursor.LastCreatedAt)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}
	logger.Info("initial page loaded", slog.Int("messages", len(page.Messages)))

	session := transport.NewSession(transport.Config{
		URL:    cfg.WSURL,
		Token:  auth.Token,
		Device: cfg.DeviceName,
	}, logging.WithComponent(logger, "transport"))
	defer session.Close()

	core := chat.NewCore(chat.Config{
		Logger:     logging.WithComponent(logger, "chat"),
		Stream:     session,
		Store:      appState,
		SelfID:     auth.UserID,
		SelfName:   auth.DisplayName,
		SelfAvatar: auth.AvatarRef,
	})
	core.Seed(*conv, *page)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.Run(gctx)
	})
	g.Go(func() error {
		return session.Listen(gctx)
	})
	g.Go(func() error {
		return renderLoop(gctx, core)
	})
	g.Go(func() error {
		return inputLoop(gctx, core, logger, os.Stdin)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// authenticate signs in, preferring the cached token. A rejected token
// is cleared so the fresh signin result replaces it.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (*api.SigninResponse, error) {
	if token := appState.Token(); token != "" {
		if selfID := appState.SelfID(); selfID != "" {
			client.SetToken(token)
			logger.Debug("trying cached token")

			profile, err := client.Profile(ctx, selfID)
			if err == nil {
				logger.Info("authenticated with cached token")
				return &api.SigninResponse{
					Token:       token,
					UserID:      profile.UserID,
					DisplayName: profile.DisplayName,
					AvatarRef:   profile.AvatarRef,
				}, nil
			}
			if !errors.Is(err, apperrors.ErrInvalidToken) {
				return nil, fmt.Errorf("verifying cached token: %w", err)
			}

			logger.Debug("cached token expired, signing in fresh")
			if err := appState.ClearToken(); err != nil {
				logger.Warn("clearing token failed", slog.String("error", err.Error()))
			}
		}
	}

	logger.Info("signing in", slog.String("email", cfg.Email))
	auth, err := client.Signin(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	client.SetToken(auth.Token)
	logger.Info("signed in", slog.String("user", auth.DisplayName))

	if err := appState.SetToken(auth.Token); err != nil {
		logger.Warn("saving token failed", slog.String("error", err.Error()))
	}
	if err := appState.SetSelfID(auth.UserID); err != nil {
		logger.Warn("saving user id failed", slog.String("error", err.Error()))
	}

	return auth, nil
}

// renderLoop reprints the conversation whenever the model changes.
func renderLoop(ctx context.Context, core *chat.Core) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-core.Updates():
		}

		snap, err := core.Snapshot(ctx)
		if err != nil {
			return err
		}
		render(snap)
	}
}

func render(snap chat.Snapshot) {
	if !snap.Connected {
		fmt.Println("-- offline, messages will be sent on reconnect --")
	}
	if snap.Replayed > 0 {
		fmt.Printf("-- sent %d queued message(s) --\n", snap.Replayed)
	}

	for i, m := range snap.Messages {
		if i == snap.FirstUnread {
			fmt.Println("-- unread --")
		}
		marker := statusMarker(m)
		fmt.Printf("[%s] %s: %s%s\n",
			m.CreatedAt.Local().Format(time.Kitchen),
			m.SenderName,
			m.Text,
			marker,
		)
	}

	for user, pv := range snap.Presence {
		if pv.Online {
			fmt.Printf("-- %s is online --\n", user)
		} else if !pv.LastOnlineAt.IsZero() {
			fmt.Printf("-- %s last seen %s --\n", user, pv.LastOnlineAt.Local().Format(time.Kitchen))
		}
	}
	if snap.Typing != "" {
		fmt.Printf("-- %s is typing... --\n", snap.Typing)
	}
	if snap.QueuedSends > 0 {
		fmt.Printf("-- %d message(s) queued --\n", snap.QueuedSends)
	}
}

func statusMarker(m chat.MessageView) string {
	switch m.Status {
	case chat.StatusPending:
		return " (sending)"
	case chat.StatusSent:
		return " ✓"
	case chat.StatusDelivered:
		return " ✓✓"
	case chat.StatusRead:
		return " ✓✓ (read)"
	default:
		return ""
	}
}

// inputLoop reads lines from in and sends them as messages. Each line
// mimics typing followed by a send, so typing signals flow too. The
// scan happens on its own goroutine: a blocking read must not keep
// shutdown waiting, so cancellation always returns promptly even while
// the reader sits in Scan.
func inputLoop(ctx context.Context, core *chat.Core, logger *slog.Logger, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			// Input closed; keep the session running until interrupted.
			<-ctx.Done()
			return ctx.Err()

		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			if err := core.NotifyInputChanged(ctx, text); err != nil {
				return err
			}
			tempID, err := core.SendText(ctx, text)
			if err != nil {
				return err
			}
			logger.Debug("message sent", slog.String("tempId", tempID))
		}
	}
}
