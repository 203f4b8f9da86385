package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// --- helpers ---

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

// Connection and Upgrade are hop-by-hop too, but an upgrade relay has to
// carry them to the backend; they are rewritten by dropHopByHop instead.
var hopByHop = map[string]struct{}{
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
}

// dropHopByHop strips per-connection headers and any header named in
// Connection, keeping only "Connection: Upgrade" and the Upgrade value.
func dropHopByHop(h http.Header) {
	upgrade := h.Get("Upgrade")
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" && !strings.EqualFold(k, "Upgrade") {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", upgrade)
}

func isUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && r.Header.Get("Upgrade") != ""
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

// setXForwarded adds the X-Forwarded-* set for an upgrade request;
// the proto is ws or wss.
func setXForwarded(h http.Header, r *http.Request) {
	addXFF(h, r.RemoteAddr)
	proto, port := "ws", "80"
	if r.TLS != nil {
		proto, port = "wss", "443"
	}
	if _, p, err := net.SplitHostPort(r.Host); err == nil && p != "" {
		port = p
	}
	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", r.Host)
	h.Set("X-Forwarded-Port", port)
}
