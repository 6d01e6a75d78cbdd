// Command tuner captures audio, detects its pitch and serves the nearest note
// and its tuning deviation over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tuner/internal/app"
	"github.com/MrWong99/tuner/internal/config"
	"github.com/MrWong99/tuner/internal/observe"
	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/audio/portaudio"
	"github.com/MrWong99/tuner/pkg/audio/wavfile"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
	"github.com/MrWong99/tuner/pkg/provider/pitch/autocorr"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "tuner.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(c config.Change) {
		application.ApplyConfig(c)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tuner: config file %q not found, copy configs/tuner.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tuner: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("tuner starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tuner",
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		_ = telemetry.Shutdown(context.Background())
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = telemetry.Shutdown(context.Background())
		return 1
	}

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		app.WithLevelVar(&level),
		app.WithCloser(telemetry.Shutdown),
	}
	if *watch {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = telemetry.Shutdown(context.Background())
		return 1
	}

	slog.Info("tuner ready, press Ctrl+C to shut down",
		"capture", cfg.Audio.Capture,
		"estimator", cfg.Estimator.Name,
		"sample_rate", cfg.Audio.SampleRate,
		"buffer_size", cfg.Audio.BufferSize,
		"cycle_interval", cfg.Audio.CycleInterval,
	)

	// SIGHUP forces a config reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := watcher.Reload(); err != nil {
					slog.Warn("config reload failed", "path", *configPath, "err", err)
				}
			}
		}
	}()

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the capture backends and pitch engines that
// ship with the tuner into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterCapture("portaudio", func(ac config.AudioConfig) (audio.Capture, error) {
		return portaudio.New(
			portaudio.WithDevice(ac.Options.String("device", "")),
			portaudio.WithHighLatency(ac.Options.Bool("high_latency", false)),
		), nil
	})

	reg.RegisterCapture("wav", func(ac config.AudioConfig) (audio.Capture, error) {
		path := ac.Options.String("path", "")
		if path == "" {
			return nil, errors.New("options.path is required")
		}
		return wavfile.New(path,
			wavfile.WithLoop(ac.Options.Bool("loop", false)),
			wavfile.WithPacing(ac.Options.Bool("realtime", true)),
		), nil
	})

	reg.RegisterEstimator("autocorr", func(entry config.ProviderEntry) (pitch.Engine, error) {
		minHz := entry.Options.Float64("min_hz", autocorr.DefaultMinHz)
		maxHz := entry.Options.Float64("max_hz", autocorr.DefaultMaxHz)
		return autocorr.New(autocorr.WithRange(minHz, maxHz)), nil
	})

	for _, name := range reg.CaptureNames() {
		slog.Debug("registered provider", "kind", "capture", "name", name)
	}
	for _, name := range reg.EstimatorNames() {
		slog.Debug("registered provider", "kind", "estimator", "name", name)
	}
}

// buildProviders instantiates the capture backend and pitch engine named in
// cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	capture, err := reg.CreateCapture(cfg.Audio)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "capture", "name", cfg.Audio.Capture)

	engine, err := reg.CreateEstimator(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "estimator", "name", cfg.Estimator.Name)

	return &app.Providers{Capture: capture, Engine: engine}, nil
}
