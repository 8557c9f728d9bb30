// Package conn owns the single chat channel of the process: it opens the
// WebSocket, reconnects with exponential backoff, tracks which surfaces use
// it and feeds every inbound frame to the dispatcher.
package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/gastownhall/livechat/internal/dispatch"
	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultReadLimit      = 1 << 20
)

// Config describes the channel endpoint and the retry budget.
type Config struct {
	URL            string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l.Named("conn") }
}

func WithMetrics(c *metrics.Client) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithHeader sets headers sent with every handshake, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h.Clone() }
}

// Manager is the connection manager. A process is expected to run exactly one
// and share it between every chat surface through Acquire and Release.
type Manager struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	header     http.Header
	log        *zap.Logger
	metrics    *metrics.Client

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	stopRead   context.CancelFunc
	gen        uint64 // bumped on every attempt and on Disconnect; stale callbacks compare against it
	retry      *retryPolicy
	retryTimer *time.Timer
	owners     map[string]int
	pulse      Pulse

	watchMu   sync.Mutex
	watchers  map[int]func(Pulse)
	nextWatch int
}

// NewManager creates a Manager in the Disconnected state. Nothing is dialed
// until EnsureConnected is called.
func NewManager(cfg Config, d *dispatch.Dispatcher, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		dispatcher: d,
		log:        zap.NewNop(),
		owners:     make(map[string]int),
		watchers:   make(map[int]func(Pulse)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewClient(nil)
	}
	m.retry = newRetryPolicy(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxAttempts)
	m.pulse = Pulse{State: StateDisconnected, At: time.Now()}
	return m
}

// Dispatcher returns the dispatcher inbound frames are delivered to.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pulse returns the latest liveness signal.
func (m *Manager) Pulse() Pulse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulse
}

// Watch registers fn to receive every pulse. Pulses emitted from different
// goroutines may arrive out of order; Seq orders them. The returned func
// unregisters fn.
func (m *Manager) Watch(fn func(Pulse)) (stop func()) {
	m.watchMu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = fn
	m.watchMu.Unlock()
	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

// EnsureConnected starts connecting unless a connection is open or in
// progress. From Disconnected or PermanentlyFailed the attempt budget and the
// backoff are reset first. It never blocks on the network.
func (m *Manager) EnsureConnected() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return
	}
	m.retry.reset()
	gen, p := m.beginAttemptLocked()
	m.mu.Unlock()

	m.log.Info("channel_connect_requested", zap.String("url", m.cfg.URL))
	m.emit(p)
	go m.connect(gen)
}

// Disconnect closes the channel and cancels any pending reconnect. The retry
// budget is spent so nothing reconnects until EnsureConnected is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retry.exhaust()
	c := m.conn
	stop := m.stopRead
	m.conn = nil
	m.stopRead = nil
	changed := m.state != StateDisconnected
	var p Pulse
	if changed {
		p = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if stop != nil {
		stop()
	}
	if changed {
		m.log.Info("channel_disconnected")
		m.emit(p)
	}
}

// Acquire records owner as a user of the channel. It does not connect.
func (m *Manager) Acquire(owner string) {
	m.mu.Lock()
	m.owners[owner]++
	n := len(m.owners)
	m.mu.Unlock()
	m.log.Debug("owner_acquired", zap.String("owner", owner), zap.Int("owners", n))
}

// Release drops one claim of owner. When its last claim goes, every handler
// it registered is removed. The channel itself is closed only when no owner
// is left. Release reports whether it closed the channel.
func (m *Manager) Release(owner string) bool {
	m.mu.Lock()
	n, ok := m.owners[owner]
	if !ok {
		m.mu.Unlock()
		return false
	}
	gone := n <= 1
	if gone {
		delete(m.owners, owner)
	} else {
		m.owners[owner] = n - 1
	}
	last := len(m.owners) == 0
	m.mu.Unlock()

	if gone {
		removed := m.dispatcher.OffOwner(owner)
		m.log.Debug("owner_released", zap.String("owner", owner), zap.Int("handlers_removed", removed))
	}
	if last {
		m.Disconnect()
	}
	return last
}

// Owners returns the number of distinct owners holding the channel.
func (m *Manager) Owners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

// Send encodes msg and writes it to the open channel. It fails with a
// *SendError wrapping ErrNotConnected when the channel is not Connected.
func (m *Manager) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := m.conn
	state := m.state
	m.mu.Unlock()
	if state != StateConnected || c == nil {
		return &SendError{Type: msg.Type(), Err: ErrNotConnected}
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := c.Write(wctx, websocket.MessageText, data); err != nil {
		m.log.Warn("channel_write_failed", zap.String("type", string(msg.Type())), zap.Error(err))
		return &SendError{Type: msg.Type(), Err: err}
	}
	return nil
}

func (m *Manager) connect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	c, _, err := websocket.Dial(ctx, m.cfg.URL, &websocket.DialOptions{HTTPHeader: m.header})
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		op := "dial"
		if timedOut {
			op = "timeout"
		}
		p := m.failLocked(&ConnectionError{URL: m.cfg.URL, Op: op, Err: err})
		m.mu.Unlock()
		m.emit(p)
		return
	}

	c.SetReadLimit(m.cfg.ReadLimit)
	readCtx, stop := context.WithCancel(context.Background())
	m.conn = c
	m.stopRead = stop
	m.retry.reset()
	p := m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("channel_connected", zap.String("url", m.cfg.URL))
	m.emit(p)
	go m.readLoop(readCtx, c, gen)
}

func (m *Manager) readLoop(ctx context.Context, c *websocket.Conn, gen uint64) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			m.metrics.ParseErrors.Inc()
			m.log.Warn("inbound_frame_dropped", zap.Error(err))
			continue
		}
		label := string(msg.Type())
		if _, ok := msg.(protocol.Unknown); ok {
			label = "unknown"
		}
		m.metrics.InboundMessages.WithLabelValues(label).Inc()
		m.beat()
		m.dispatcher.Dispatch(msg)
	}
}

// handleClosed reacts to an open channel closing under us.
func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.stopRead != nil {
		m.stopRead()
		m.stopRead = nil
	}
	m.conn = nil
	delay := m.retry.afterClose()
	p := m.scheduleLocked(delay)
	m.mu.Unlock()

	m.log.Warn("channel_closed",
		zap.Int("status", int(websocket.CloseStatus(err))),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	m.emit(p)
}

// failLocked records a failed attempt and either schedules the next one or
// gives up.
func (m *Manager) failLocked(err error) Pulse {
	delay, ok := m.retry.afterFailure()
	if !ok {
		m.log.Error("channel_failed_permanently",
			zap.Int("attempts", m.retry.failures),
			zap.Error(err),
		)
		return m.setStateLocked(StatePermanentlyFailed)
	}
	m.log.Warn("channel_connect_failed",
		zap.Int("attempt", m.retry.failures),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	return m.scheduleLocked(delay)
}

func (m *Manager) scheduleLocked(delay time.Duration) Pulse {
	m.metrics.ReconnectAttempts.Inc()
	gen := m.gen
	m.retryTimer = time.AfterFunc(delay, func() { m.retryNow(gen) })
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) retryNow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	next, p := m.beginAttemptLocked()
	m.mu.Unlock()

	m.emit(p)
	m.connect(next)
}

func (m *Manager) beginAttemptLocked() (uint64, Pulse) {
	m.gen++
	return m.gen, m.setStateLocked(StateConnecting)
}

func (m *Manager) setStateLocked(s State) Pulse {
	if m.state != s {
		m.metrics.StateTransitions.WithLabelValues(s.String()).Inc()
	}
	m.state = s
	return m.bumpLocked()
}

func (m *Manager) bumpLocked() Pulse {
	m.pulse = Pulse{State: m.state, Seq: m.pulse.Seq + 1, At: time.Now()}
	return m.pulse
}

func (m *Manager) beat() {
	m.mu.Lock()
	p := m.bumpLocked()
	m.mu.Unlock()
	m.emit(p)
}

func (m *Manager) emit(p Pulse) {
	m.watchMu.Lock()
	fns := make([]func(Pulse), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
