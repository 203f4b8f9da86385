package upgrade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/fabian4/devproxy/internal/metrics"
	"github.com/fabian4/devproxy/internal/observability"
	"github.com/fabian4/devproxy/internal/router"
)

// Dispatcher relays upgrades whose target matches a table binding and
// hands everything else to the handler it replaced.
type Dispatcher struct {
	table    *router.Table
	fallback Handler
	ctx      context.Context
	logger   observability.Logger
	metrics  *metrics.Registry
}

var _ Handler = (*Dispatcher)(nil)

type Option func(*Dispatcher)

// WithContext bounds every relay; cancelling it closes open relays.
func WithContext(ctx context.Context) Option {
	return func(d *Dispatcher) { d.ctx = ctx }
}

func WithLogger(l observability.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Install returns the handler that replaces prev: matching upgrades go to
// the table, the rest to prev with their arguments untouched. prev itself
// is not modified. A nil prev means Reject.
func Install(prev Handler, table *router.Table, opts ...Option) *Dispatcher {
	if prev == nil {
		prev = Reject
	}
	return newDispatcher(prev, table, opts)
}

// Forward returns a handler that relays every upgrade through p, labelled
// name in logs and relay metrics. It records no upgrade result of its own,
// so as a Dispatcher's fallback each upgrade is counted once.
func Forward(name string, p router.Relayer, opts ...Option) Handler {
	d := newDispatcher(Reject, nil, opts)
	b := &router.Binding{Prefix: name, Proxy: p}
	return HandlerFunc(func(r *http.Request, conn net.Conn, head []byte) {
		d.start(b, r, conn, head)
	})
}

func newDispatcher(prev Handler, table *router.Table, opts []Option) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		fallback: prev,
		ctx:      context.Background(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fallback returns the handler unmatched upgrades go to.
func (d *Dispatcher) Fallback() Handler { return d.fallback }

func (d *Dispatcher) ServeUpgrade(r *http.Request, conn net.Conn, head []byte) {
	b := d.table.Match(requestTarget(r))
	if b == nil {
		d.metrics.IncUpgrade("", metrics.ResultFallback)
		d.fallback.ServeUpgrade(r, conn, head)
		return
	}
	d.metrics.IncUpgrade(b.Prefix, metrics.ResultRelayed)
	d.start(b, r, conn, head)
}

// start runs the relay without waiting for it.
func (d *Dispatcher) start(b *router.Binding, r *http.Request, conn net.Conn, head []byte) {
	go func() {
		d.settle(b.Prefix, conn, d.relay(b, r, conn, head))
	}()
}

func (d *Dispatcher) relay(b *router.Binding, r *http.Request, conn net.Conn, head []byte) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v}
		}
	}()
	return b.Proxy.Relay(d.ctx, r, conn, head)
}

// settle observes a finished relay and drops its error. The client has
// already lost its connection at this point; nothing is propagated.
func (d *Dispatcher) settle(prefix string, conn net.Conn, err error) {
	_ = conn.Close()
	if err == nil {
		return
	}
	reason := "unknown"
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		reason = r.Reason()
	}
	d.metrics.IncRelayError(prefix, reason)
	d.logger.Debug("upgrade relay failed",
		observability.String("rule", prefix),
		observability.String("reason", reason),
		observability.Error(err),
	)
}

// requestTarget is the raw request target as sent, query included.
func requestTarget(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

type panicError struct{ value any }

func (e *panicError) Error() string  { return fmt.Sprintf("relay panic: %v", e.value) }
func (e *panicError) Reason() string { return "panic" }
