// Package devproxy wires the upgrade router into the dev server: dev_proxy
// rules flagged ws get their own relay proxy, installed on the server's
// upgrade slot once the server is ready.
package devproxy

import (
	"context"

	"github.com/fabian4/devproxy/internal/config"
	"github.com/fabian4/devproxy/internal/forward"
	"github.com/fabian4/devproxy/internal/lifecycle"
	"github.com/fabian4/devproxy/internal/metrics"
	"github.com/fabian4/devproxy/internal/model"
	"github.com/fabian4/devproxy/internal/observability"
	"github.com/fabian4/devproxy/internal/proxy"
	"github.com/fabian4/devproxy/internal/ratelimit"
	"github.com/fabian4/devproxy/internal/router"
	"github.com/fabian4/devproxy/internal/upgrade"
)

// Slot is the server's single upgrade entry point.
type Slot interface {
	UpgradeHandler() upgrade.Handler
	SetUpgradeHandler(upgrade.Handler)
}

// Deps are shared by every proxy the module builds. Zero values are fine.
type Deps struct {
	Logger  observability.Logger
	Metrics *metrics.Registry
	Dialers forward.Factory
	Limiter *ratelimit.Limiter
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = observability.NopLogger()
	}
	if d.Dialers == nil {
		d.Dialers = forward.NewDefaultRegistry()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewLimiter()
	}
	return d
}

// ProxyFactory builds proxy.WSProxy instances sharing deps.
func ProxyFactory(deps Deps) router.Factory {
	deps = deps.withDefaults()
	return func(r model.Rule) (router.Relayer, error) {
		p, err := newProxy(deps, r.PathPrefix, r.Target, r.Options)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func newProxy(deps Deps, name, target string, opts model.Options) (*proxy.WSProxy, error) {
	return proxy.New(target, proxy.Options{
		Options: opts,
		Name:    name,
		Dialers: deps.Dialers,
		Limiter: deps.Limiter,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
	})
}

// Setup prepares the upgrade router. Outside dev mode, or when no rule
// asks for ws, it does nothing at all. Proxies are built now so a bad
// target fails startup; the slot is only replaced from the ready hook.
func Setup(cfg *config.Config, hooks *lifecycle.Hooks, slot Slot, deps Deps) error {
	deps = deps.withDefaults()
	if !cfg.Dev {
		deps.Logger.Debug("dev proxy disabled outside dev mode")
		return nil
	}

	rules := router.Extract(cfg.DevProxy)
	if len(rules) == 0 {
		deps.Logger.Debug("no dev_proxy rule has ws set")
		return nil
	}

	table, err := router.BuildTable(rules, ProxyFactory(deps))
	if err != nil {
		return err
	}

	hooks.Hook(lifecycle.Ready, func(ctx context.Context) error {
		slot.SetUpgradeHandler(upgrade.Install(slot.UpgradeHandler(), table,
			upgrade.WithContext(ctx),
			upgrade.WithLogger(deps.Logger),
			upgrade.WithMetrics(deps.Metrics),
		))
		deps.Logger.Info("websocket dev proxy installed",
			observability.Int("rules", table.Len()),
			observability.Strings("prefixes", table.Prefixes()))
		return nil
	})
	return nil
}

// FallbackName labels the upgrade_fallback relay in logs, metrics and the
// rate limiter, apart from any dev_proxy prefix.
const FallbackName = "upgrade_fallback"

// FallbackHandler relays every upgrade to target, for use as the server's
// default upgrade handler (for example a bundler's HMR socket).
func FallbackHandler(ctx context.Context, target string, deps Deps) (upgrade.Handler, error) {
	deps = deps.withDefaults()
	p, err := newProxy(deps, FallbackName, target, model.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return upgrade.Forward(FallbackName, p,
		upgrade.WithContext(ctx),
		upgrade.WithLogger(deps.Logger),
		upgrade.WithMetrics(deps.Metrics),
	), nil
}
