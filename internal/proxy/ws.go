// Package proxy relays upgraded HTTP connections (WebSocket and friends)
// to a single backend target.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/devproxy/internal/forward"
	"github.com/fabian4/devproxy/internal/metrics"
	"github.com/fabian4/devproxy/internal/model"
	"github.com/fabian4/devproxy/internal/observability"
	"github.com/fabian4/devproxy/internal/ratelimit"
)

// Options configures a WSProxy. Only Rule options are required; the rest
// fall back to defaults.
type Options struct {
	model.Options
	Name    string // rule prefix; labels logs, metrics and the rate limit bucket
	Dialers forward.Factory
	Limiter *ratelimit.Limiter
	Logger  observability.Logger
	Metrics *metrics.Registry
}

// WSProxy relays connection upgrades to one target. It holds no
// per-connection state and is safe for concurrent Relay calls.
type WSProxy struct {
	target  *url.URL
	addr    string // host:port to dial
	opts    model.Options
	name    string
	dialer  forward.Dialer
	limiter *ratelimit.Limiter
	logger  observability.Logger
	metrics *metrics.Registry
}

// New validates target and returns a proxy for it. No connection is
// opened until the first Relay.
func New(target string, opts Options) (*WSProxy, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTarget, target, err)
	}
	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
	case "https", "wss":
		secure = true
	default:
		return nil, fmt.Errorf("%w %q: scheme must be http, https, ws or wss", ErrInvalidTarget, target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
	}

	dialers := opts.Dialers
	if dialers == nil {
		dialers = forward.NewDefaultRegistry()
	}
	name := forward.ProtoPlain
	if secure {
		name = forward.ProtoTLS
		if !opts.Secure {
			name = forward.ProtoTLSInsecure
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &WSProxy{
		target:  u,
		addr:    hostPort(u, secure),
		opts:    opts.Options,
		name:    opts.Name,
		dialer:  dialers.Get(name),
		limiter: opts.Limiter,
		logger:  logger.With(observability.String("rule", opts.Name), observability.String("target", u.Redacted())),
		metrics: opts.Metrics,
	}, nil
}

// Relay forwards the upgrade request r, plus any head bytes already read
// from client, to the backend and then copies bytes in both directions
// until either side closes or ctx is done. client is always closed on
// return.
func (p *WSProxy) Relay(ctx context.Context, r *http.Request, client net.Conn, head []byte) error {
	defer func() { _ = client.Close() }()

	if !isUpgrade(r) {
		return stageErr("request", ErrNotUpgrade)
	}
	if p.limiter != nil && !p.limiter.Allow(p.name, p.opts.RateLimit) {
		writeStatus(client, http.StatusTooManyRequests)
		return stageErr("request", ErrRateLimited)
	}

	log := p.logger.With(observability.String("conn_id", uuid.NewString()))

	raw, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return stageErr("dial", err)
	}
	defer func() { _ = raw.Close() }()
	backend := withIdleTimeout(raw, p.opts.IdleTimeout)

	if err := p.writeRequest(backend, r, head); err != nil {
		return stageErr("handshake", err)
	}

	br := bufio.NewReader(backend)
	res, err := http.ReadResponse(br, r)
	if err != nil {
		return stageErr("handshake", err)
	}
	if res.StatusCode != http.StatusSwitchingProtocols {
		// Let the client see why, e.g. a 401 or 404 from the backend.
		werr := res.Write(client)
		_ = res.Body.Close()
		if werr != nil {
			return stageErr("handshake", werr)
		}
		return stageErr("handshake", fmt.Errorf("%w: %s", ErrUpgradeRefused, res.Status))
	}
	if err := writeSwitching(client, res); err != nil {
		return stageErr("handshake", err)
	}

	log.Debug("relay established", observability.String("path", r.URL.Path))
	start := time.Now()
	p.metrics.IncActiveRelays(p.name)
	defer func() {
		p.metrics.DecActiveRelays(p.name)
		p.metrics.ObserveRelay(p.name, time.Since(start))
	}()

	if err := pipe(ctx, withIdleTimeout(client, p.opts.IdleTimeout), backend, br); err != nil {
		return stageErr("stream", err)
	}
	log.Debug("relay closed", observability.Duration("duration", time.Since(start)))
	return nil
}

func (p *WSProxy) writeRequest(w io.Writer, r *http.Request, head []byte) error {
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	if p.opts.XFwd {
		setXForwarded(hdr, r)
	}
	for k, v := range p.opts.Headers {
		hdr.Set(k, v)
	}
	host := r.Host
	if p.opts.ChangeOrigin || host == "" {
		host = p.target.Host
	}
	// A configured Host header picks the virtual host; it is written once.
	if v := hdr.Get("Host"); v != "" {
		host = v
	}
	hdr.Del("Host")

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, p.requestURI(r), host); err != nil {
		return err
	}
	if err := hdr.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if len(head) > 0 {
		if _, err := bw.Write(head); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// requestURI maps the incoming request onto the target path. The target
// path and query are kept only with prepend_path; ignore_path drops the
// incoming path and query.
func (p *WSProxy) requestURI(r *http.Request) string {
	var path, q string
	if p.opts.PrependPath {
		path, q = p.target.EscapedPath(), p.target.RawQuery
	}
	if !p.opts.IgnorePath {
		path = joinSlash(path, r.URL.EscapedPath())
	}
	if path == "" {
		path = "/"
	}

	if !p.opts.IgnorePath && r.URL.RawQuery != "" {
		if q != "" {
			q += "&"
		}
		q += r.URL.RawQuery
	}
	if q != "" {
		return path + "?" + q
	}
	return path
}

// pipe copies both ways and returns once either direction ends, closing
// both connections so the other direction unblocks.
func pipe(ctx context.Context, client, backend net.Conn, fromBackend io.Reader) error {
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = backend.Close()
	})
	defer stop()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(backend, client)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(client, fromBackend)
		errc <- err
	}()

	err := <-errc
	_ = client.Close()
	_ = backend.Close()
	<-errc

	if err == nil || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func writeSwitching(w io.Writer, res *http.Response) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/%d.%d %s\r\n", res.ProtoMajor, res.ProtoMinor, res.Status); err != nil {
		return err
	}
	if err := res.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func writeStatus(w io.Writer, code int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
}

func hostPort(u *url.URL, secure bool) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if secure {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
