// Package delivery decides how an outgoing chat message reaches the backend:
// over the open channel when there is one, over REST otherwise.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gastownhall/livechat/internal/conn"
	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultRate       = 5
	DefaultBurst      = 10
)

// Mode is the transport a message was handed to.
type Mode string

const (
	ModeChannel  Mode = "channel"
	ModeFallback Mode = "fallback"
)

// Draft is a message as composed by the user.
type Draft struct {
	Scope     protocol.Scope
	SenderID  string
	Content   string
	ReplyToID string
}

// Receipt describes an accepted send. Entity is set only for fallback sends,
// where the server returns the created message synchronously.
type Receipt struct {
	Mode            Mode
	ClientMessageID string
	Entity          *protocol.ChatEntity
}

// Channel is the duplex transport.
type Channel interface {
	State() conn.State
	Send(ctx context.Context, msg protocol.Message) error
}

// Fallback is the REST transport.
type Fallback interface {
	SendMessage(ctx context.Context, s protocol.Scope, msg protocol.Outgoing) (protocol.ChatEntity, error)
}

type pendingAck struct {
	draft  Draft
	sentAt time.Time
	timer  *time.Timer
}

// Selector sends drafts and watches inbound new_message frames to confirm
// channel sends. Register it with the dispatcher.
type Selector struct {
	channel      Channel
	fallback     Fallback
	limiter      *rate.Limiter
	ackTimeout   time.Duration
	onAckTimeout func(*AckTimeoutError)
	log          *zap.Logger
	metrics      *metrics.Client

	mu      sync.Mutex
	pending map[string]*pendingAck
	closed  bool
}

type Option func(*Selector)

func WithLogger(l *zap.Logger) Option {
	return func(s *Selector) { s.log = l.Named("delivery") }
}

func WithMetrics(m *metrics.Client) Option {
	return func(s *Selector) { s.metrics = m }
}

// WithRate throttles sends to perSecond with the given burst. A non-positive
// perSecond disables throttling.
func WithRate(perSecond float64, burst int) Option {
	return func(s *Selector) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAckTimeout sets how long a channel send may go unconfirmed and the
// callback told when it does.
func WithAckTimeout(d time.Duration, fn func(*AckTimeoutError)) Option {
	return func(s *Selector) {
		if d > 0 {
			s.ackTimeout = d
		}
		s.onAckTimeout = fn
	}
}

func NewSelector(ch Channel, fb Fallback, opts ...Option) *Selector {
	s := &Selector{
		channel:    ch,
		fallback:   fb,
		limiter:    rate.NewLimiter(rate.Limit(DefaultRate), DefaultBurst),
		ackTimeout: DefaultAckTimeout,
		log:        zap.NewNop(),
		pending:    make(map[string]*pendingAck),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewClient(nil)
	}
	return s
}

// Send delivers d. With the channel Connected the frame is written and the
// call returns without waiting for the echo. Otherwise, or if the write
// fails, the message is posted over REST and the created entity returned.
func (s *Selector) Send(ctx context.Context, d Draft) (Receipt, error) {
	if strings.TrimSpace(d.Content) == "" {
		return Receipt{}, ErrEmptyDraft
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}

	id := uuid.NewString()
	out := protocol.Outgoing{
		ClientMessageID: id,
		SenderID:        d.SenderID,
		Content:         d.Content,
		ReplyToID:       d.ReplyToID,
	}

	if s.channel.State() == conn.StateConnected {
		// Track first: the echo can beat Send's return.
		s.track(id, d)
		err := s.channel.Send(ctx, d.Scope.NewSendMessage(out))
		if err == nil {
			s.metrics.Deliveries.WithLabelValues(string(ModeChannel)).Inc()
			return Receipt{Mode: ModeChannel, ClientMessageID: id}, nil
		}
		s.untrack(id)
		var sendErr *conn.SendError
		if !errors.As(err, &sendErr) {
			return Receipt{}, err
		}
		s.log.Warn("channel_send_failed", zap.String("scope", d.Scope.String()), zap.Error(err))
	}

	entity, err := s.fallback.SendMessage(ctx, d.Scope, out)
	if err != nil {
		s.metrics.FallbackFailures.Inc()
		s.log.Warn("fallback_send_failed", zap.String("scope", d.Scope.String()), zap.Error(err))
		return Receipt{}, &FallbackError{Draft: d, Err: err}
	}
	s.metrics.Deliveries.WithLabelValues(string(ModeFallback)).Inc()
	return Receipt{Mode: ModeFallback, ClientMessageID: id, Entity: &entity}, nil
}

// HandleMessage confirms pending channel sends.
func (s *Selector) HandleMessage(msg protocol.Message) {
	nm, ok := msg.(protocol.NewMessage)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := s.matchLocked(nm.Message); id != "" {
		s.pending[id].timer.Stop()
		delete(s.pending, id)
	}
}

// Pending returns the number of channel sends awaiting their echo.
func (s *Selector) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every pending timer. Later sends still work but are not tracked.
func (s *Selector) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.closed = true
}

// matchLocked prefers the echoed client id. Servers that drop it are matched
// on scope, sender and content, oldest send first.
func (s *Selector) matchLocked(e protocol.ChatEntity) string {
	if e.ClientMessageID != "" {
		if _, ok := s.pending[e.ClientMessageID]; ok {
			return e.ClientMessageID
		}
		return ""
	}
	var best string
	var bestAt time.Time
	for id, p := range s.pending {
		if p.draft.Scope != e.Scope() || p.draft.SenderID != e.SenderID || p.draft.Content != e.Content {
			continue
		}
		if best == "" || p.sentAt.Before(bestAt) {
			best, bestAt = id, p.sentAt
		}
	}
	return best
}

func (s *Selector) track(id string, d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[id] = &pendingAck{
		draft:  d,
		sentAt: time.Now(),
		timer:  time.AfterFunc(s.ackTimeout, func() { s.expire(id) }),
	}
}

func (s *Selector) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Selector) expire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.metrics.AckTimeouts.Inc()
	s.log.Warn("ack_timed_out",
		zap.String("client_message_id", id),
		zap.String("scope", p.draft.Scope.String()),
		zap.Duration("after", s.ackTimeout),
	)
	if s.onAckTimeout != nil {
		s.onAckTimeout(&AckTimeoutError{Draft: p.draft, ClientMessageID: id, After: s.ackTimeout})
	}
}
