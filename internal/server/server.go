// Package server is the base dev server: a primary http.Handler plus one
// replaceable slot that receives hijacked connection upgrades.
package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fabian4/devproxy/internal/observability"
	"github.com/fabian4/devproxy/internal/upgrade"
)

type Server struct {
	handler http.Handler
	logger  observability.Logger

	mu      sync.RWMutex
	upgrade upgrade.Handler
}

var _ http.Handler = (*Server)(nil)

type Option func(*Server)

// WithUpgradeHandler sets the initial occupant of the upgrade slot.
func WithUpgradeHandler(h upgrade.Handler) Option {
	return func(s *Server) { s.upgrade = h }
}

func WithLogger(l observability.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New wraps handler. The upgrade slot starts as upgrade.Reject.
func New(handler http.Handler, opts ...Option) *Server {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	s := &Server{
		handler: handler,
		upgrade: upgrade.Reject,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) UpgradeHandler() upgrade.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upgrade
}

func (s *Server) SetUpgradeHandler(h upgrade.Handler) {
	if h == nil {
		h = upgrade.Reject
	}
	s.mu.Lock()
	s.upgrade = h
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsUpgrade(r) {
		s.handler.ServeHTTP(w, r)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", observability.String("path", r.URL.Path), observability.Error(err))
		return
	}
	// Hijacked conns keep the server's read/write deadlines.
	_ = conn.SetDeadline(time.Time{})

	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		head = make([]byte, n)
		_, _ = brw.Reader.Read(head)
	}
	s.UpgradeHandler().ServeUpgrade(r, conn, head)
}

// IsUpgrade reports whether r asks to switch protocols.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
