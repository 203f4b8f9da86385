package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabian4/devproxy/internal/config"
	"github.com/fabian4/devproxy/internal/devproxy"
	"github.com/fabian4/devproxy/internal/forward"
	"github.com/fabian4/devproxy/internal/lifecycle"
	"github.com/fabian4/devproxy/internal/metrics"
	"github.com/fabian4/devproxy/internal/observability"
	"github.com/fabian4/devproxy/internal/ratelimit"
	"github.com/fabian4/devproxy/internal/server"
	"github.com/fabian4/devproxy/internal/version"
)

func main() {
	configPath := flag.String("config", "./cmd/devproxy/config.yaml", "path to YAML config")
	forceDev := flag.Bool("dev", false, "enable dev mode regardless of config")
	watch := flag.Bool("watch", false, "restart the server when the config file changes")
	flag.Parse()

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *forceDev {
		c.Dev = true
	}

	logger, err := observability.NewLogger(c.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()
	reloads := make(chan *config.Config, 1)
	if *watch {
		w, err := config.NewWatcher(*configPath, func(nc *config.Config) {
			if *forceDev {
				nc.Dev = true
			}
			// keep only the newest pending config
			for {
				select {
				case reloads <- nc:
					return
				default:
					select {
					case <-reloads:
					default:
					}
				}
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Error("config watcher", observability.Error(err))
			os.Exit(1)
		}
		go w.Run(ctx)
	}

	for {
		genCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(c *config.Config) { done <- run(genCtx, c, logger, m) }(c)

		select {
		case <-ctx.Done():
			cancel()
			if err := <-done; err != nil {
				logger.Error("shutdown", observability.Error(err))
			}
			logger.Info("bye")
			return
		case nc := <-reloads:
			cancel()
			if err := <-done; err != nil {
				logger.Warn("previous generation stopped with error", observability.Error(err))
			}
			logger.Info("config changed, restarting", observability.Int("dev_proxy", len(nc.DevProxy)))
			c = nc
		case err := <-done:
			cancel()
			if err != nil && *watch {
				logger.Error("server stopped, waiting for config change", observability.Error(err))
				select {
				case <-ctx.Done():
					return
				case c = <-reloads:
					continue
				}
			}
			if err != nil {
				logger.Error("server", observability.Error(err))
				_ = logger.Sync()
				os.Exit(1)
			}
			return
		}
	}
}

// run serves one config generation until ctx is done.
func run(ctx context.Context, c *config.Config, logger observability.Logger, m *metrics.Registry) error {
	fwdOpts := forward.DefaultOptions()
	fwdOpts.DialTimeout = c.Timeouts.Dial
	deps := devproxy.Deps{
		Logger:  logger,
		Metrics: m,
		Dialers: forward.NewRegistry(fwdOpts),
		Limiter: ratelimit.NewLimiter(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/", http.FileServer(http.Dir(c.Root)))

	opts := []server.Option{server.WithLogger(logger)}
	if c.UpgradeFallback != "" {
		fb, err := devproxy.FallbackHandler(ctx, c.UpgradeFallback, deps)
		if err != nil {
			return fmt.Errorf("upgrade_fallback: %w", err)
		}
		opts = append(opts, server.WithUpgradeHandler(fb))
	}
	base := server.New(mux, opts...)

	hooks := lifecycle.New()
	if err := devproxy.Setup(c, hooks, base, deps); err != nil {
		return err
	}
	hooks.Hook(lifecycle.Close, func(context.Context) error {
		logger.Debug("server generation closed", observability.String("listen", c.Listen))
		return nil
	})

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           base,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if err := hooks.Call(ctx, lifecycle.Ready); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ready: %w", err)
	}
	logger.Info("devproxy listening",
		observability.String("version", version.Value),
		observability.String("listen", ln.Addr().String()),
		observability.String("root", c.Root),
		observability.Bool("dev", c.Dev),
		observability.Int("dev_proxy", len(c.DevProxy)),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	// Relays are tied to ctx and end with it; Shutdown only drains HTTP.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Timeouts.Shutdown)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return hooks.Call(shutdownCtx, lifecycle.Close)
}
