// Package lifecycle lets modules run code at named points of the process
// lifetime.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

const (
	Ready = "ready" // listener bound, nothing served yet
	Close = "close" // shutting down
)

type Hook func(ctx context.Context) error

type Hooks struct {
	mu    sync.Mutex
	hooks map[string][]Hook
}

func New() *Hooks {
	return &Hooks{hooks: make(map[string][]Hook)}
}

// Hook registers fn to run when name is called.
func (h *Hooks) Hook(name string, fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[name] = append(h.hooks[name], fn)
}

// Call runs the hooks registered for name in registration order and
// stops at the first error.
func (h *Hooks) Call(ctx context.Context, name string) error {
	h.mu.Lock()
	fns := append([]Hook(nil), h.hooks[name]...)
	h.mu.Unlock()

	for i, fn := range fns {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s hook %d: %w", name, i, err)
		}
	}
	return nil
}

// Len reports how many hooks are registered for name.
func (h *Hooks) Len(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks[name])
}
