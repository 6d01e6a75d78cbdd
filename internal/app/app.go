// Package app wires the tuner's subsystems into a running process.
//
// The App struct owns the full lifecycle: New connects the session manager,
// the HTTP surface and the config watcher, Run serves until the context is
// cancelled, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithScheduler,
// WithMetrics, ...). Providers always come from the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tuner/internal/config"
	"github.com/MrWong99/tuner/internal/health"
	"github.com/MrWong99/tuner/internal/observe"
	"github.com/MrWong99/tuner/internal/readout"
	"github.com/MrWong99/tuner/internal/session"
	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
)

// Providers holds the audio input and pitch engine built from the config
// registry by main.go.
type Providers struct {
	Capture audio.Capture
	Engine  pitch.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	newScheduler   session.NewSchedulerFunc
	watcher        *config.Watcher
	level          *slog.LevelVar
	autoStart      bool

	session *session.Manager
	handler http.Handler
	server  *http.Server

	// closers run in reverse registration order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithScheduler replaces the session's cycle scheduler.
func WithScheduler(f session.NewSchedulerFunc) Option {
	return func(a *App) { a.newScheduler = f }
}

// WithWatcher polls w while the App runs. Route the watcher's callback to
// [App.ApplyConfig] for the changes to take effect.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithAutoStart controls whether Run starts a tuning session immediately.
// Enabled by default; when disabled, clients start it with
// POST /session/start.
func WithAutoStart(auto bool) Option {
	return func(a *App) { a.autoStart = auto }
}

// WithCloser registers fn to run during Shutdown, after the session has been
// stopped. Closers run in reverse registration order.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App. It performs no I/O: the capture device is opened by
// Run (or by a client request).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Capture == nil || providers.Engine == nil {
		return nil, errors.New("app: capture and pitch engine providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		autoStart: true,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.session = session.New(session.Config{
		Capture: providers.Capture,
		Engine:  providers.Engine,
		Format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			BufferSize: cfg.Audio.BufferSize,
		},
		Interval:     cfg.Audio.CycleInterval,
		NewScheduler: a.newScheduler,
		Metrics:      a.metrics,
	})

	mux := http.NewServeMux()
	health.New(health.Func("session", a.session.Ready)).Register(mux)
	readout.New(a.session, readout.WithMetrics(a.metrics)).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/reading", "/healthz", "/readyz", "/metrics"),
	)(mux)

	if addr := cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

// Session returns the session manager.
func (a *App) Session() *session.Manager {
	return a.session
}

// Handler returns the HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP, runs the config watcher and (with auto-start) a tuning
// session until ctx is cancelled.
//
// A session that fails, for example because the device was unplugged, is
// logged and left in the failed state so /readyz reports it and a client can
// restart it. Without an HTTP server there is nothing left to serve, so the
// session error is returned instead.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.autoStart {
		g.Go(func() error {
			err := a.session.Run(gctx)
			if err == nil {
				return nil
			}
			if a.server == nil {
				return fmt.Errorf("app: session: %w", err)
			}
			slog.Error("tuning session ended, serving until restarted", "err", err)
			return nil
		})
	}

	if a.server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// ApplyConfig applies a reloaded config. Only the log level takes effect
// immediately; other changes are logged as requiring a restart.
func (a *App) ApplyConfig(c config.Change) {
	d := c.Diff
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RequiresRestart() {
		slog.Warn("config change requires a restart to take effect",
			"listen_addr_changed", d.ListenAddrChanged,
			"audio_changed", d.AudioChanged,
			"estimator_changed", d.EstimatorChanged,
		)
	}
}

// Shutdown stops the session and runs the registered closers in reverse
// order. If ctx expires first, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		if err := a.session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("app: stop session: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
