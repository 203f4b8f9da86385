package model

import "time"

// Rule is one dev_proxy entry: a path prefix mapped to a backend target.
type Rule struct {
	PathPrefix string // non-empty, unique within a rule set
	Target     string // backend URL, validated by the proxy engine
	Structured bool   // false for the plain "prefix: target" shorthand
	WS         bool   // relay connection upgrades for this prefix
	Options    Options
}

// Options are the engine settings of a structured rule.
type Options struct {
	ChangeOrigin bool              // rewrite Host to the target host
	XFwd         bool              // add X-Forwarded-* headers
	Secure       bool              // verify backend TLS certificates
	PrependPath  bool              // prefix the incoming path with the target path
	IgnorePath   bool              // drop the incoming path entirely
	Headers      map[string]string // fixed headers set on the backend request
	IdleTimeout  time.Duration     // 0 disables
	RateLimit    *RateLimit        // nil disables
	Extra        map[string]any    // unknown keys, passed through untouched
}

// RateLimit bounds how fast new upgrade relays may start for one rule.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultOptions mirrors the engine defaults for a bare structured rule.
func DefaultOptions() Options {
	return Options{Secure: true, PrependPath: true}
}
