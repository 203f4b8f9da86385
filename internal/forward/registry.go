package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"time"
)

// Well-known dialer names.
const (
	ProtoPlain       = "plain"        // http:// and ws:// backends
	ProtoTLS         = "tls"          // https:// and wss:// with certificate checks
	ProtoTLSInsecure = "tls-insecure" // https:// and wss:// for self-signed dev backends
)

// Dialer opens backend connections. *net.Dialer and *tls.Dialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Options tunes the default dialers.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	RootCAs *x509.CertPool // nil means system roots
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:   5 * time.Second,
		DialKeepAlive: 60 * time.Second,
	}
}

// Factory returns a Dialer by name.
type Factory interface {
	Get(name string) Dialer
	Register(name string, d Dialer)
}

// Registry is a threadsafe map of named Dialers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]Dialer
	opts  Options
}

// NewDefaultRegistry builds a registry with DefaultOptions and pre-registers plain/tls/tls-insecure.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with given options and pre-registers plain/tls/tls-insecure.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]Dialer),
		opts:  opts,
	}
	r.store[ProtoPlain] = r.newPlain()
	r.store[ProtoTLS] = r.newTLS(false)
	r.store[ProtoTLSInsecure] = r.newTLS(true)
	return r
}

// Get returns the named dialer, falling back to plain.
func (r *Registry) Get(name string) Dialer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.store[name]; ok && d != nil {
		return d
	}
	return r.store[ProtoPlain]
}

func (r *Registry) Register(name string, d Dialer) {
	if name == "" || d == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = d
	r.mu.Unlock()
}

// --- builders ---

func (r *Registry) newPlain() *net.Dialer {
	return &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
}

func (r *Registry) newTLS(insecure bool) *tls.Dialer {
	return &tls.Dialer{
		NetDialer: r.newPlain(),
		// Upgrades are an HTTP/1.1 mechanism; never negotiate h2.
		Config: &tls.Config{
			InsecureSkipVerify: insecure,
			RootCAs:            r.opts.RootCAs,
			NextProtos:         []string{"http/1.1"},
		},
	}
}
