package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/devproxy/internal/model"
)

// Limiter holds one token bucket per key. Proxies share a single Limiter
// and key it by rule prefix, so every relay on a rule draws from the same
// bucket regardless of which goroutine serves it.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*ratelib.Limiter)}
}

// Allow reports whether one more upgrade may start under key. A nil
// limit always allows.
func (l *Limiter) Allow(key string, limit *model.RateLimit) bool {
	if limit == nil {
		return true
	}
	return l.get(key, limit).Allow()
}

func (l *Limiter) get(key string, limit *model.RateLimit) *ratelib.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = ratelib.NewLimiter(ratelib.Limit(limit.RequestsPerSecond), limit.Burst)
		l.limiters[key] = lim
	}
	return lim
}
