// Package chat ties the shared channel, the delivery selector and a message
// stream together for one open chat view (the anonymous room, a direct
// conversation or a group).
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/delivery"
	"github.com/gastownhall/livechat/internal/dispatch"
	"github.com/gastownhall/livechat/internal/identity"
	"github.com/gastownhall/livechat/internal/localstore"
	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
	"github.com/gastownhall/livechat/internal/stream"
)

var (
	ErrNotOpen   = errors.New("chat surface is not open")
	ErrClosed    = errors.New("chat surface is closed")
	ErrNoSession = errors.New("no authenticated session")
)

// Backend is the REST side of the chat backend.
type Backend interface {
	ListMessages(ctx context.Context, s protocol.Scope) ([]protocol.ChatEntity, error)
	SendMessage(ctx context.Context, s protocol.Scope, msg protocol.Outgoing) (protocol.ChatEntity, error)
	ClearMessages(ctx context.Context, s protocol.Scope) error
}

// EventKind says what changed on a surface.
type EventKind int

const (
	EventMessages EventKind = iota
	EventOnline
	EventAckTimeout
	EventServerError
)

// Event is passed to OnChange listeners. Err is set for EventAckTimeout
// (a *delivery.AckTimeoutError) and EventServerError.
type Event struct {
	Kind EventKind
	Err  error
}

// Config describes one surface.
type Config struct {
	Scope protocol.Scope

	// Owner tags every handler the surface registers. Defaults to a random id.
	Owner string

	// SenderID overrides identity resolution.
	SenderID string

	// Identity supplies the sender for the anonymous room.
	Identity *identity.Provisioner

	// Session supplies the sender for conversations and groups.
	Session localstore.Store

	// AckTimeout bounds how long a channel send may wait for its echo before
	// an EventAckTimeout is raised. Zero uses the delivery default.
	AckTimeout time.Duration

	// Delivery carries extra selector options such as delivery.WithRate.
	Delivery []delivery.Option

	Location *time.Location
	Labeler  stream.Labeler
	Logger   *zap.Logger
	Metrics  *metrics.Client
}

// Surface is one open chat view.
type Surface struct {
	scope    protocol.Scope
	owner    string
	manager  *conn.Manager
	backend  Backend
	selector *delivery.Selector
	merger   *stream.Merger
	handler  dispatch.Handler
	identity *identity.Provisioner
	session  localstore.Store
	loc      *time.Location
	labeler  stream.Labeler
	log      *zap.Logger

	mu        sync.Mutex
	senderID  string
	opened    bool
	closed    bool
	loading   bool
	buffered  []protocol.Message
	online    int
	listeners map[int]func(Event)
	nextID    int
}

// New builds a surface. Nothing touches the network until Open.
func New(m *conn.Manager, backend Backend, cfg Config) *Surface {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	owner := cfg.Owner
	if owner == "" {
		owner = "surface-" + uuid.NewString()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	labeler := cfg.Labeler
	if labeler == nil {
		labeler = stream.NewLabeler()
	}

	s := &Surface{
		scope:     cfg.Scope,
		owner:     owner,
		manager:   m,
		backend:   backend,
		merger:    stream.NewMerger(),
		identity:  cfg.Identity,
		session:   cfg.Session,
		senderID:  cfg.SenderID,
		loc:       loc,
		labeler:   labeler,
		log:       log.Named("chat").With(zap.String("scope", cfg.Scope.String()), zap.String("owner", owner)),
		listeners: make(map[int]func(Event)),
	}
	s.handler = dispatch.Func(s.handleMessage)

	opts := []delivery.Option{
		delivery.WithLogger(log),
		delivery.WithAckTimeout(cfg.AckTimeout, s.ackTimedOut),
	}
	if cfg.Metrics != nil {
		opts = append(opts, delivery.WithMetrics(cfg.Metrics))
	}
	s.selector = delivery.NewSelector(m, backend, append(opts, cfg.Delivery...)...)
	return s
}

// Open resolves the sender, joins the shared channel and loads history.
// Frames arriving while history loads are applied after it, so nothing is
// lost or duplicated. A history failure is returned but leaves the surface
// open for live traffic.
func (s *Surface) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.opened:
		s.mu.Unlock()
		return nil
	}
	// Claimed before resolving the sender so a concurrent Open cannot
	// register a second set of handlers.
	s.opened = true
	s.loading = true
	s.mu.Unlock()

	sender, err := s.resolveSender()
	if err != nil {
		s.mu.Lock()
		s.opened = false
		s.loading = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.loading = false
		s.mu.Unlock()
		return ErrClosed
	}
	s.senderID = sender
	s.mu.Unlock()

	d := s.manager.Dispatcher()
	s.manager.Acquire(s.owner)
	d.OnMessageFor(s.owner, s.handler)
	d.OnMessageFor(s.owner, s.selector)
	s.manager.EnsureConnected()

	history, histErr := s.backend.ListMessages(ctx, s.scope)
	if histErr != nil {
		s.log.Warn("history_load_failed", zap.Error(histErr))
		history = nil
	}
	s.merger.Seed(history)

	s.mu.Lock()
	pending := s.buffered
	s.buffered = nil
	s.loading = false
	s.mu.Unlock()
	for _, msg := range pending {
		s.apply(msg)
	}

	s.log.Info("surface_opened", zap.Int("history", len(history)), zap.Int("buffered", len(pending)))
	s.notify(Event{Kind: EventMessages})
	if histErr != nil {
		return fmt.Errorf("load history: %w", histErr)
	}
	return nil
}

// Close leaves the shared channel. The channel itself stays open while any
// other surface still holds it.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened := s.opened
	s.mu.Unlock()

	s.selector.Close()
	if opened {
		s.manager.Release(s.owner)
	}
	s.log.Info("surface_closed")
	return nil
}

// Send delivers a message composed on this surface. Messages accepted over
// REST are added to the stream immediately; channel sends appear when the
// server echoes them.
func (s *Surface) Send(ctx context.Context, content, replyToID string) (delivery.Receipt, error) {
	s.mu.Lock()
	sender, opened, closed := s.senderID, s.opened, s.closed
	s.mu.Unlock()
	if closed {
		return delivery.Receipt{}, ErrClosed
	}
	if !opened || sender == "" {
		return delivery.Receipt{}, ErrNotOpen
	}

	r, err := s.selector.Send(ctx, delivery.Draft{
		Scope:     s.scope,
		SenderID:  sender,
		Content:   content,
		ReplyToID: replyToID,
	})
	if err != nil {
		return r, err
	}
	if r.Entity != nil && s.merger.Ingest(*r.Entity) {
		s.notify(Event{Kind: EventMessages})
	}
	return r, nil
}

// ClearAll deletes the scope's history on the server, then locally.
func (s *Surface) ClearAll(ctx context.Context) error {
	if err := s.backend.ClearMessages(ctx, s.scope); err != nil {
		return err
	}
	s.merger.Clear()
	s.notify(Event{Kind: EventMessages})
	return nil
}

// Groups returns the stream split into labeled calendar days.
func (s *Surface) Groups(now time.Time) []stream.DateGroup {
	return stream.GroupByDate(s.merger.Items(), now, s.loc, s.labeler)
}

// Items returns the stream in display order.
func (s *Surface) Items() []protocol.ChatEntity { return s.merger.Items() }

// Online returns the last connection count reported by the backend.
func (s *Surface) Online() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SenderID returns the id messages are sent as. Empty until Open.
func (s *Surface) SenderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderID
}

func (s *Surface) Scope() protocol.Scope { return s.scope }

func (s *Surface) Owner() string { return s.owner }

// Connectivity returns the indicator state of the shared channel.
func (s *Surface) Connectivity() string { return s.manager.State().Indicator() }

// OnChange registers fn for surface events and returns a func that
// unregisters it. fn runs on the goroutine that caused the change.
func (s *Surface) OnChange(fn func(Event)) (stop func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Surface) resolveSender() (string, error) {
	if s.senderID != "" {
		return s.senderID, nil
	}
	if s.scope.IsAnonymous() {
		if s.identity == nil {
			return "", errors.New("anonymous chat needs an identity provisioner")
		}
		return s.identity.GetOrCreate()
	}
	if s.session == nil {
		return "", ErrNoSession
	}
	sess, ok, err := localstore.ReadSession(s.session)
	if err != nil {
		return "", err
	}
	if !ok || sess.UserID == "" {
		return "", ErrNoSession
	}
	return sess.UserID, nil
}

func (s *Surface) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.NewMessage:
		if m.Message.Scope() != s.scope {
			return
		}
	case protocol.ClearMessages:
		if m.Scope() != s.scope {
			return
		}
	case protocol.ConnectionsUpdate:
		s.mu.Lock()
		s.online = m.Connections
		s.mu.Unlock()
		s.notify(Event{Kind: EventOnline})
		return
	case protocol.Welcome:
		s.log.Debug("channel_welcome", zap.String("client_id", m.ClientID))
		return
	case protocol.ServerError:
		s.log.Warn("server_error", zap.String("code", m.Code), zap.String("error", m.Error))
		s.notify(Event{Kind: EventServerError, Err: fmt.Errorf("server: %s", m.Error)})
		return
	default:
		return
	}

	s.mu.Lock()
	if s.loading {
		s.buffered = append(s.buffered, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.apply(msg)
}

// apply changes the stream for an in-scope new_message or clear_messages.
func (s *Surface) apply(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.NewMessage:
		if s.merger.Ingest(m.Message) {
			s.notify(Event{Kind: EventMessages})
		}
	case protocol.ClearMessages:
		s.merger.Clear()
		s.notify(Event{Kind: EventMessages})
	}
}

func (s *Surface) ackTimedOut(err *delivery.AckTimeoutError) {
	s.notify(Event{Kind: EventAckTimeout, Err: err})
}

func (s *Surface) notify(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
