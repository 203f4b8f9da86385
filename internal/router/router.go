// Package router turns dev_proxy rules into an ordered dispatch table.
package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fabian4/devproxy/internal/model"
)

// Relayer takes over an upgraded connection and relays it to a backend,
// returning when the relay ends.
type Relayer interface {
	Relay(ctx context.Context, r *http.Request, conn net.Conn, head []byte) error
}

// Binding pairs a path prefix with the proxy serving it.
type Binding struct {
	Prefix string
	Proxy  Relayer
}

// Table is an immutable, ordered list of bindings. Reads need no locking.
type Table struct {
	bindings []Binding
}

// Extract returns the rules that want upgrade relaying: structured rules
// with ws set. Configuration order is kept, as it decides precedence.
func Extract(rules []model.Rule) []model.Rule {
	var out []model.Rule
	for _, r := range rules {
		if r.Structured && r.WS {
			out = append(out, r)
		}
	}
	return out
}

// Match returns the first binding, in configuration order, whose prefix is
// a plain string prefix of target. "/api" matches "/apiary" on purpose.
func (t *Table) Match(target string) *Binding {
	if t == nil {
		return nil
	}
	for i := range t.bindings {
		if strings.HasPrefix(target, t.bindings[i].Prefix) {
			return &t.bindings[i]
		}
	}
	return nil
}

// Len reports the number of bindings; a nil table has none.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.bindings)
}

// Prefixes lists the bound prefixes in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.bindings))
	for i, b := range t.bindings {
		out[i] = b.Prefix
	}
	return out
}

// Factory builds the proxy for one rule. It must not open connections.
type Factory func(model.Rule) (Relayer, error)

// BuildTable creates one proxy per rule. The first failure aborts the
// whole table; a partial table is never returned.
func BuildTable(rules []model.Rule, newProxy Factory) (*Table, error) {
	t := &Table{bindings: make([]Binding, 0, len(rules))}
	for _, r := range rules {
		p, err := newProxy(r)
		if err != nil {
			return nil, fmt.Errorf("dev_proxy[%q]: %w", r.PathPrefix, err)
		}
		t.bindings = append(t.bindings, Binding{Prefix: r.PathPrefix, Proxy: p})
	}
	return t, nil
}
