package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	profilesBucket = []byte("profiles")
	tokenKey       = []byte("token")
	selfIDKey      = []byte("self_id")
)

func conversationBucket(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":meta")
}

// Cursor is the per-conversation sync position: the newest confirmed
// message this client has seen. Bounds the initial REST page on startup.
type Cursor struct {
	LastMessageID string `json:"last_message_id"`
	LastCreatedAt int64  `json:"last_created_at"`
}

// Profile caches a participant's display data so the view has names
// before the first metadata fetch completes.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. The app and profiles buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(profilesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the session token. Called when the backend rejects
// it so the next start signs in fresh.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// SelfID returns the cached id of the signed-in user, or empty string.
func (s *State) SelfID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(selfIDKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetSelfID persists the id of the signed-in user.
func (s *State) SetSelfID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(selfIDKey, []byte(id))
	})
}

// GetCursor returns the sync cursor for a conversation. A zero cursor
// means the conversation has never been synced.
func (s *State) GetCursor(conversationID string) (Cursor, error) {
	var c Cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationBucket(conversationID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte("cursor"))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &c)
	})

	return c, err
}

// SetCursor updates the sync cursor for a conversation.
func (s *State) SetCursor(conversationID string, c Cursor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(conversationBucket(conversationID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put([]byte("cursor"), data)
	})
}

// GetProfile returns the cached profile for a user, or nil if not cached.
func (s *State) GetProfile(userID string) (*Profile, error) {
	var p *Profile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(profilesBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		p = &Profile{}

		return json.Unmarshal(v, p)
	})

	return p, err
}

// SetProfile caches a participant profile.
func (s *State) SetProfile(p Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("profile user id is empty")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}

		return tx.Bucket(profilesBucket).Put([]byte(p.UserID), data)
	})
}
