// Package dispatch fans inbound channel frames out to every registered handler.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/metrics"
	"github.com/gastownhall/livechat/internal/protocol"
)

// Handler receives every inbound frame. Registrations are matched by
// interface equality, so implementations must be comparable (pointer types
// are). Use Func to wrap a plain function.
type Handler interface {
	HandleMessage(msg protocol.Message)
}

type funcHandler struct {
	fn func(protocol.Message)
}

func (h *funcHandler) HandleMessage(msg protocol.Message) { h.fn(msg) }

// Func wraps fn as a Handler. Each call returns a distinct registration key;
// keep the returned value to unregister it later.
func Func(fn func(protocol.Message)) Handler {
	return &funcHandler{fn: fn}
}

type registration struct {
	owner   string
	handler Handler
}

// Dispatcher is the handler registry. It keeps no message history.
type Dispatcher struct {
	mu      sync.Mutex
	regs    []registration
	log     *zap.Logger
	metrics *metrics.Client
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l.Named("dispatch") }
}

// WithMetrics sets the collectors updated on recovered panics.
func WithMetrics(m *metrics.Client) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.NewClient(nil)
	}
	return d
}

// OnMessage registers h. Registering the same handler twice yields two
// independent registrations.
func (d *Dispatcher) OnMessage(h Handler) {
	d.OnMessageFor("", h)
}

// OnMessageFor registers h on behalf of owner so OffOwner can remove it.
func (d *Dispatcher) OnMessageFor(owner string, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.regs = append(d.regs, registration{owner: owner, handler: h})
	d.mu.Unlock()
}

// OffMessage removes the earliest registration of h. It reports whether one
// was found; removing an unregistered handler is a no-op.
func (d *Dispatcher) OffMessage(h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.regs {
		if r.handler == h {
			d.regs = append(d.regs[:i:i], d.regs[i+1:]...)
			return true
		}
	}
	return false
}

// OffOwner removes every registration made for owner and returns how many
// were removed.
func (d *Dispatcher) OffOwner(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := make([]registration, 0, len(d.regs))
	for _, r := range d.regs {
		if r.owner != owner {
			kept = append(kept, r)
		}
	}
	removed := len(d.regs) - len(kept)
	d.regs = kept
	return removed
}

// Len returns the number of live registrations.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}

// Dispatch invokes every handler registered at call time, in registration
// order, on the caller's goroutine. A panicking handler is recovered and the
// remaining handlers still run.
func (d *Dispatcher) Dispatch(msg protocol.Message) {
	d.mu.Lock()
	snapshot := make([]registration, len(d.regs))
	copy(snapshot, d.regs)
	d.mu.Unlock()

	for _, r := range snapshot {
		d.invoke(r, msg)
	}
}

func (d *Dispatcher) invoke(r registration, msg protocol.Message) {
	defer func() {
		if v := recover(); v != nil {
			d.metrics.HandlerPanics.Inc()
			d.log.Error("handler_panicked",
				zap.String("owner", r.owner),
				zap.String("type", string(msg.Type())),
				zap.String("handler", fmt.Sprintf("%T", r.handler)),
				zap.Any("panic", v),
			)
		}
	}()
	r.handler.HandleMessage(msg)
}
