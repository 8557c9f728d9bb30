// Package localstore persists the small amount of client-local state the chat
// client needs between runs: the anonymous identity and the session written
// by the login flow.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("localstore: closed")

// Store is a string key/value store scoped to one device profile.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

const (
	BackendFile   = "file"
	BackendPebble = "pebble"
)

// Open opens the store for backend at path.
func Open(backend, path string, log *zap.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		if log == nil {
			log = zap.NewNop()
		}
		s, err := OpenFile(path, WithFileLogger(log))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPebble:
		s, err := OpenPebble(path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// SessionKey holds the authenticated session. It is written by the login
// flow and only read here.
const SessionKey = "auth_session"

// Session is the authenticated user as stored under SessionKey.
type Session struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ReadSession returns the stored session, or ok=false when nobody is logged in.
func ReadSession(s Store) (Session, bool, error) {
	raw, ok, err := s.Get(SessionKey)
	if err != nil || !ok {
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode %s: %w", SessionKey, err)
	}
	if sess.Token == "" {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// WriteSession stores sess under SessionKey. The terminal client uses it for
// its --token flag; UI builds get the session from their login flow.
func WriteSession(s Store, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.Set(SessionKey, string(data))
}

// SessionToken adapts a store into a bearer token source.
func SessionToken(s Store) func() string {
	return func() string {
		sess, ok, err := ReadSession(s)
		if err != nil || !ok {
			return ""
		}
		return sess.Token
	}
}
