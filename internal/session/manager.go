// Package session runs a tuning session: it owns the capture stream and the
// pitch estimator, drives one capture/estimate/condition cycle per scheduler
// tick, and publishes the resulting reading for the presentation layer.
//
// Exactly one goroutine executes cycles, so cycle n+1 never starts before
// cycle n has finished mutating the gate and smoother. Readers on other
// goroutines see the published pitch through an atomically replaced
// snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tuner/internal/observe"
	"github.com/MrWong99/tuner/internal/resilience"
	"github.com/MrWong99/tuner/internal/tuning"
	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
)

var (
	// ErrInvalidConfig is returned (wrapped) by [Manager.Start] when the
	// manager was built with unusable parameters.
	ErrInvalidConfig = errors.New("session: invalid configuration")

	// ErrAlreadyRunning is returned by [Manager.Start] while a session runs.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrNotRunning is returned by [Manager.Cycle] when no session runs.
	ErrNotRunning = errors.New("session: not running")
)

// State is the lifecycle state of a [Manager].
type State int

const (
	// StateIdle means no session is running. This is the initial state and
	// the state after a clean Stop.
	StateIdle State = iota

	// StateRunning means a session holds the device and cycles are running.
	StateRunning

	// StateFailed means the last start attempt failed or the running
	// session ended because the capture device was lost.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Info describes the manager's current session.
type Info struct {
	State      State     `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	SampleRate int       `json:"sample_rate,omitempty"`
	BufferSize int       `json:"buffer_size,omitempty"`
	Cycles     uint64    `json:"cycles"`
	Breaker    string    `json:"breaker,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Capture opens the audio input. Required.
	Capture audio.Capture

	// Engine builds the pitch estimator. Required.
	Engine pitch.Engine

	// Format is the capture format for every session. Both fields must be
	// positive.
	Format audio.Format

	// Interval is the cycle cadence passed to NewScheduler. Must be positive.
	Interval time.Duration

	// NewScheduler builds the cycle scheduler. Default: [TickerScheduler].
	NewScheduler NewSchedulerFunc

	// Breaker configures the circuit breaker around the estimator. Name and
	// OnStateChange are set by the manager.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives cycle metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock used by [Manager.Cycle] and for session timestamps.
	// Default: time.Now.
	Now func() time.Time
}

// run holds everything one session acquired. It is created by Start and
// discarded by stop.
type run struct {
	id        string
	startedAt time.Time

	stream  audio.Stream
	est     pitch.Estimator
	sched   Scheduler
	breaker *resilience.CircuitBreaker
	buf     audio.Buffer
	sess    tuning.Session
	closers []func() error

	cancel   context.CancelFunc
	loopDone chan struct{}

	// stopped is guarded by Manager.cycleMu.
	stopped bool

	// ended is closed once the session is fully torn down; err is the
	// reason when the session did not end through Stop.
	ended chan struct{}
	err   error
}

// Manager owns the lifecycle of tuning sessions. One session runs at a time.
// All exported methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	metrics *observe.Metrics

	mu      sync.Mutex
	cur     *run
	state   State
	lastErr error

	// cycleMu makes cycles and teardown mutually exclusive.
	cycleMu sync.Mutex
	cycles  atomic.Uint64

	snap atomic.Pointer[snapshot]
	pub  publisher
}

// New returns an idle Manager. Config problems are reported by Start.
func New(cfg Config) *Manager {
	if cfg.NewScheduler == nil {
		cfg.NewScheduler = TickerScheduler
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{cfg: cfg, metrics: cfg.Metrics}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.snap.Store(emptySnapshot)
	return m
}

func (c Config) validate() error {
	var errs []error
	if c.Capture == nil {
		errs = append(errs, errors.New("capture is required"))
	}
	if c.Engine == nil {
		errs = append(errs, errors.New("pitch engine is required"))
	}
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("cycle interval %s must be positive", c.Interval))
	}
	return errors.Join(errs...)
}

// Start acquires the capture stream and a pitch estimator and begins
// cycling. Resources acquired before a failure are released in reverse
// order; no partial session is left behind. The session outlives ctx, which
// only governs the start itself.
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.start(ctx)
	return err
}

func (m *Manager) start(ctx context.Context) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrAlreadyRunning, m.cur.id)
	}

	ctx, span := observe.StartSpan(ctx, "session.start")
	var startErr error
	defer func() { observe.EndSpan(span, startErr) }()

	fail := func(err error) error {
		m.state = StateFailed
		m.lastErr = err
		startErr = err
		observe.Logger(ctx).Error("session: start failed", "err", err)
		return err
	}

	if err := m.cfg.validate(); err != nil {
		return nil, fail(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	format := m.cfg.Format
	now := m.cfg.Now()
	r := &run{
		id:        "session-" + now.UTC().Format("20060102T150405.000Z"),
		startedAt: now,
		loopDone:  make(chan struct{}),
		ended:     make(chan struct{}),
	}
	span.SetAttributes(
		attribute.String("session.id", r.id),
		attribute.Int("audio.sample_rate", format.SampleRate),
		attribute.Int("audio.buffer_size", format.BufferSize),
	)

	unwind := func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			if err := r.closers[i](); err != nil {
				observe.Logger(ctx).Warn("session: release after failed start", "index", i, "err", err)
			}
		}
	}

	stream, err := m.cfg.Capture.Open(ctx, format)
	if err != nil {
		return nil, fail(fmt.Errorf("session: open capture: %w", err))
	}
	r.stream = stream
	r.closers = append(r.closers, stream.Close)

	est, err := m.cfg.Engine.NewEstimator(format.SampleRate, format.BufferSize)
	if err != nil {
		unwind()
		return nil, fail(fmt.Errorf("session: create estimator: %w", err))
	}
	r.est = est
	r.closers = append(r.closers, est.Close)

	buf, err := audio.NewBuffer(format.BufferSize)
	if err != nil {
		unwind()
		return nil, fail(fmt.Errorf("session: allocate buffer: %w", err))
	}
	r.buf = buf

	bcfg := m.cfg.Breaker
	bcfg.Name = "estimator"
	if bcfg.Now == nil {
		bcfg.Now = m.cfg.Now
	}
	bcfg.OnStateChange = func(from, to resilience.State) {
		slog.Warn("session: estimator breaker changed state", "session_id", r.id, "from", from, "to", to)
		m.metrics.RecordBreakerTransition(context.Background(), bcfg.Name, to.String())
	}
	r.breaker = resilience.NewCircuitBreaker(bcfg)

	r.sched = m.cfg.NewScheduler(m.cfg.Interval)
	r.closers = append(r.closers, func() error { r.sched.Stop(); return nil })

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	m.cur = r
	m.state = StateRunning
	m.lastErr = nil
	m.cycles.Store(0)
	m.publish(0)
	m.metrics.ActiveSessions.Add(ctx, 1)

	go m.loop(loopCtx, r)

	observe.Logger(ctx).Info("session started",
		"session_id", r.id,
		"sample_rate", format.SampleRate,
		"buffer_size", format.BufferSize,
		"cycle_interval", m.cfg.Interval,
	)
	return r, nil
}

// Stop ends the running session: the cycle loop is stopped and awaited, the
// estimator and stream are released, the session state is discarded and 0
// is published. Stop is idempotent and may be called from any goroutine.
// Errors from releasing resources are joined and returned; they do not keep
// the session alive.
func (m *Manager) Stop() error {
	return m.stop(nil, nil)
}

// stop tears down r (or the current run when r is nil). cause is recorded as
// the reason the session ended.
func (m *Manager) stop(r *run, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || (r != nil && m.cur != r) {
		return nil
	}
	r = m.cur

	ctx, span := observe.StartSpan(context.Background(), "session.stop",
		trace.WithAttributes(attribute.String("session.id", r.id)))
	defer observe.EndSpan(span, cause)

	r.cancel()
	<-r.loopDone

	m.cycleMu.Lock()
	r.stopped = true
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			observe.Logger(ctx).Warn("session: closer error", "session_id", r.id, "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	m.cycleMu.Unlock()

	m.cur = nil
	m.publish(0)
	m.metrics.ActiveSessions.Add(ctx, -1)

	if cause != nil {
		m.state = StateFailed
		m.lastErr = cause
		observe.Logger(ctx).Error("session stopped", "session_id", r.id, "err", cause)
	} else {
		m.state = StateIdle
		observe.Logger(ctx).Info("session stopped", "session_id", r.id, "cycles", m.cycles.Load())
	}

	r.err = cause
	close(r.ended)
	return errors.Join(errs...)
}

// Run starts a session and blocks until it ends. It returns nil when ctx is
// cancelled (the session is stopped first) or when Stop is called elsewhere,
// and the fatal error when the session ended on its own.
func (m *Manager) Run(ctx context.Context) error {
	r, err := m.start(ctx)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		_ = m.stop(r, nil)
		<-r.ended
		return nil
	case <-r.ended:
		return r.err
	}
}

// Info returns a description of the current session, or of the last one
// when none runs.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := Info{State: m.state, Cycles: m.cycles.Load()}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	if r := m.cur; r != nil {
		info.SessionID = r.id
		info.StartedAt = r.startedAt
		info.SampleRate = m.cfg.Format.SampleRate
		info.BufferSize = m.cfg.Format.BufferSize
		info.Breaker = r.breaker.State().String()
	}
	return info
}

// Ready reports nil while a session is running, for readiness probes.
func (m *Manager) Ready() error {
	info := m.Info()
	switch info.State {
	case StateRunning:
		return nil
	case StateFailed:
		return fmt.Errorf("session failed: %s", info.LastError)
	default:
		return errors.New("session idle")
	}
}

// Cycle runs one cycle of the current session synchronously, stamped with
// the configured clock. It is serialised with the loop's own cycles and is
// mainly useful when the host drives the cadence itself.
func (m *Manager) Cycle(ctx context.Context) error {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	err := m.cycle(ctx, r, m.cfg.Now())
	if errors.Is(err, audio.ErrDeviceLost) {
		_ = m.stop(r, err)
	}
	return err
}

// loop runs one cycle per tick until cancelled or the device is lost.
func (m *Manager) loop(ctx context.Context, r *run) {
	defer close(r.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-r.sched.C():
			err := m.cycle(ctx, r, now)
			if errors.Is(err, audio.ErrDeviceLost) {
				// stop waits for loopDone, so it has to run elsewhere.
				go func() { _ = m.stop(r, err) }()
				return
			}
		}
	}
}

// cycle reads one buffer, estimates its pitch, steps the conditioning
// pipeline and publishes the result. Every failure other than a lost device
// is absorbed as a rejected cycle.
func (m *Manager) cycle(ctx context.Context, r *run, now time.Time) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	if r.stopped {
		return ErrNotRunning
	}

	start := time.Now()
	var raw, energy float64

	err := r.stream.Read(r.buf)
	switch {
	case errors.Is(err, audio.ErrDeviceLost):
		m.metrics.RecordCaptureError(ctx, "fatal")
		return fmt.Errorf("session: read capture: %w", err)
	case err != nil:
		m.metrics.RecordCaptureError(ctx, "transient")
		slog.Debug("session: capture failed, rejecting cycle", "session_id", r.id, "err", err)
	default:
		energy = r.buf.RMS()
		raw = m.estimate(ctx, r)
	}

	out := r.sess.Step(tuning.Input{Raw: raw, Energy: energy, Now: now})
	m.cycles.Add(1)
	if out.Changed {
		m.publish(out.Published)
	}
	m.metrics.RecordCycle(ctx, out.Decision.String(), time.Since(start), out.Published)
	return nil
}

// estimate runs the estimator behind the circuit breaker. Failures yield 0.
func (m *Manager) estimate(ctx context.Context, r *run) float64 {
	f, err := resilience.Call(r.breaker, func() (float64, error) {
		return r.est.Detect(r.buf)
	})
	if err == nil {
		return f
	}

	reason := "error"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = "circuit_open"
	case errors.Is(err, resilience.ErrPanic):
		reason = "panic"
	}
	m.metrics.RecordEstimatorError(ctx, reason)
	slog.Debug("session: estimator failed, rejecting cycle", "session_id", r.id, "reason", reason, "err", err)
	return 0
}
