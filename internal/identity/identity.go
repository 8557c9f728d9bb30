// Package identity provisions the pseudonymous id used by anonymous chat.
//
// The id is only as private as it is unguessable. It is never verified by
// the backend and must not be treated as authentication.
package identity

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/localstore"
)

// Key is the local store key holding the anonymous id.
const Key = "anonymous_chat_user_id"

const prefix = "anon_"

// Provisioner returns the device's anonymous id, creating it on first use.
type Provisioner struct {
	store localstore.Store
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

type Option func(*Provisioner)

func WithLogger(l *zap.Logger) Option {
	return func(p *Provisioner) { p.log = l.Named("identity") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

func NewProvisioner(store localstore.Store, opts ...Option) *Provisioner {
	p := &Provisioner{store: store, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetOrCreate returns the stored id, or generates and stores a new one.
func (p *Provisioner) GetOrCreate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok, err := p.store.Get(Key)
	if err != nil {
		return "", fmt.Errorf("read anonymous id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = Generate(p.now())
	if err := p.store.Set(Key, id); err != nil {
		return "", fmt.Errorf("persist anonymous id: %w", err)
	}
	p.log.Info("anonymous_identity_created", zap.String("user_id", id))
	return id, nil
}

// Generate builds a fresh id from a nanosecond timestamp and 48 random bits.
func Generate(now time.Time) string {
	u := uuid.New()
	return prefix + strconv.FormatInt(now.UnixNano(), 36) + "_" + hex.EncodeToString(u[:6])
}

// IsAnonymous reports whether id has the shape Generate produces.
func IsAnonymous(id string) bool {
	return len(id) > len(prefix) && id[:len(prefix)] == prefix
}
