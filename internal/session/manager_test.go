package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tuner/internal/observe"
	"github.com/MrWong99/tuner/internal/resilience"
	"github.com/MrWong99/tuner/pkg/audio"
	audiomock "github.com/MrWong99/tuner/pkg/audio/mock"
	pitchmock "github.com/MrWong99/tuner/pkg/provider/pitch/mock"
)

const (
	testRate   = 44100
	testBuffer = 256
	cycleStep  = 20 * time.Millisecond
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// level returns a constant frame whose RMS equals v.
func level(v float32) []float32 {
	f := make([]float32, testBuffer)
	for i := range f {
		f[i] = v
	}
	return f
}

// frames returns n copies of frame.
func frames(n int, frame []float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = frame
	}
	return out
}

func repeat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type fixture struct {
	m       *Manager
	clock   *fakeClock
	sched   *ManualScheduler
	capture *audiomock.Capture
	stream  *audiomock.Stream
	engine  *pitchmock.Engine
	est     *pitchmock.Estimator
	reader  *sdkmetric.ManualReader
}

// newFixture wires a Manager to mocks. The scheduler is never ticked unless
// the test does so, so cycles run only through Cycle.
func newFixture(t *testing.T, stream *audiomock.Stream, est *pitchmock.Estimator, mutate ...func(*Config)) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		clock:   newFakeClock(),
		sched:   NewManualScheduler(),
		capture: &audiomock.Capture{Stream: stream},
		stream:  stream,
		engine:  &pitchmock.Engine{Estimator: est},
		est:     est,
		reader:  reader,
	}
	cfg := Config{
		Capture:      f.capture,
		Engine:       f.engine,
		Format:       audio.Format{SampleRate: testRate, BufferSize: testBuffer},
		Interval:     cycleStep,
		NewScheduler: f.sched.Factory(),
		Metrics:      metrics,
		Now:          f.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.m = New(cfg)
	t.Cleanup(func() { _ = f.m.Stop() })
	return f
}

// step advances the clock by one cycle and runs it.
func (f *fixture) step(t *testing.T) {
	t.Helper()
	f.clock.Advance(cycleStep)
	if err := f.m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
}

func (f *fixture) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_EndToEnd(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{
		Frames: append(frames(10, level(0.05)), frames(20, level(0.0001))...),
	}
	est := &pitchmock.Estimator{Results: append(repeat(10, 110), 0)}
	f := newFixture(t, stream, est)

	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.m.IsActive() {
		t.Fatal("IsActive() = true before any cycle")
	}

	for range 10 {
		f.step(t)
	}
	r := f.m.Reading()
	if r.Note != "A" || r.Octave != 2 {
		t.Errorf("Reading() = %s%d, want A2", r.Note, r.Octave)
	}
	if math.Abs(r.Cents) > 1e-6 {
		t.Errorf("cents = %v, want ~0", r.Cents)
	}
	if math.Abs(f.m.Published()-110) > 1e-9 {
		t.Errorf("Published() = %v, want 110", f.m.Published())
	}

	// The first rejected cycle is 220 ms in; Silent fires once 300 ms of
	// continuous rejection have elapsed, i.e. on the 16th rejected cycle.
	for i := 1; i <= 20; i++ {
		f.step(t)
		wantActive := i < 16
		if got := f.m.IsActive(); got != wantActive {
			t.Fatalf("after %d silent cycles IsActive() = %v, want %v", i, got, wantActive)
		}
		if wantActive && f.m.Reading().Note != "A" {
			t.Fatalf("after %d silent cycles reading = %v, want held A2", i, f.m.Reading())
		}
	}
	if r := f.m.Reading(); r.Note != "-" || r.Cents != 0 {
		t.Errorf("Reading() = %+v, want sentinel", r)
	}
	if got := f.m.Published(); got != 0 {
		t.Errorf("Published() = %v, want 0", got)
	}

	if got := f.counter(t, "tuner.cycles", "decision", "accepted"); got != 10 {
		t.Errorf("accepted cycles = %d, want 10", got)
	}
	if got := f.counter(t, "tuner.cycles", "decision", "silent"); got != 1 {
		t.Errorf("silent cycles = %d, want 1", got)
	}
	if got := f.m.Info().Cycles; got != 30 {
		t.Errorf("Info().Cycles = %d, want 30", got)
	}
}

func TestManager_SmoothsAcceptedSamples(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	est := &pitchmock.Estimator{Results: []float64{100, 110, 120, 130, 140, 150}}
	f := newFixture(t, stream, est)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []float64{100, 105, 110, 115, 120, 130}
	for i, w := range want {
		f.step(t)
		if got := f.m.Published(); math.Abs(got-w) > 1e-9 {
			t.Errorf("cycle %d: Published() = %v, want %v", i+1, got, w)
		}
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	est := &pitchmock.Estimator{Results: []float64{110}}
	f := newFixture(t, stream, est)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.step(t)
	if !f.m.IsActive() {
		t.Fatal("IsActive() = false after an accepted cycle")
	}

	if err := f.m.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := f.m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if got := f.m.Published(); got != 0 {
		t.Errorf("Published() = %v, want 0", got)
	}
	if f.m.Reading().Note != "-" {
		t.Errorf("Reading().Note = %q, want -", f.m.Reading().Note)
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if !est.Closed() {
		t.Error("estimator not closed")
	}
	if !f.sched.Stopped() {
		t.Error("scheduler not stopped")
	}
	if stream.CloseCount != 1 || est.CloseCount != 1 {
		t.Errorf("close counts stream=%d estimator=%d, want 1 each", stream.CloseCount, est.CloseCount)
	}
	if got := f.m.Info().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if err := f.m.Cycle(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cycle after Stop = %v, want ErrNotRunning", err)
	}
	if got := f.counter(t, "tuner.active_sessions", "", ""); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestManager_StopBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Stream{}, &pitchmock.Estimator{})
	if err := f.m.Stop(); err != nil {
		t.Fatalf("Stop on idle manager: %v", err)
	}
	if got := f.m.Info().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestManager_StopReportsCloseErrors(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("device busy")
	stream := &audiomock.Stream{CloseErr: closeErr}
	f := newFixture(t, stream, &pitchmock.Estimator{})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Stop(); !errors.Is(err, closeErr) {
		t.Errorf("Stop = %v, want %v", err, closeErr)
	}
	if f.m.Info().State != StateIdle {
		t.Error("session still running after failed close")
	}
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()

	openErr := errors.New("permission denied")
	estErr := errors.New("no fft plan")

	tests := []struct {
		name            string
		mutate          func(*Config)
		openErr         error
		estErr          error
		wantErr         error
		wantStreamClose bool
	}{
		{
			name:    "missing capture",
			mutate:  func(c *Config) { c.Capture = nil },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Format.SampleRate = 0 },
			wantErr: audio.ErrInvalidFormat,
		},
		{
			name:    "bad interval",
			mutate:  func(c *Config) { c.Interval = 0 },
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "capture open fails",
			openErr: openErr,
			wantErr: openErr,
		},
		{
			name:            "estimator fails after capture opened",
			estErr:          estErr,
			wantErr:         estErr,
			wantStreamClose: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stream := &audiomock.Stream{}
			var mutate []func(*Config)
			if tc.mutate != nil {
				mutate = append(mutate, tc.mutate)
			}
			f := newFixture(t, stream, &pitchmock.Estimator{}, mutate...)
			f.capture.OpenErr = tc.openErr
			f.engine.NewEstimatorErr = tc.estErr

			err := f.m.Start(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Start = %v, want %v", err, tc.wantErr)
			}
			if stream.Closed() != tc.wantStreamClose {
				t.Errorf("stream closed = %v, want %v", stream.Closed(), tc.wantStreamClose)
			}

			info := f.m.Info()
			if info.State != StateFailed {
				t.Errorf("state = %v, want failed", info.State)
			}
			if info.LastError == "" {
				t.Error("LastError is empty")
			}
			if f.m.Ready() == nil {
				t.Error("Ready() = nil after failed start")
			}
			if f.m.IsActive() {
				t.Error("IsActive() = true after failed start")
			}
		})
	}
}

func TestManager_EstimatorSizedFromFormat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Stream{}, &pitchmock.Estimator{})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	calls := f.engine.NewEstimatorCalls
	if len(calls) != 1 || calls[0].SampleRate != testRate || calls[0].BufferLen != testBuffer {
		t.Errorf("NewEstimator calls = %+v", calls)
	}
	if len(f.capture.OpenCalls) != 1 || f.capture.OpenCalls[0].Format.BufferSize != testBuffer {
		t.Errorf("Open calls = %+v", f.capture.OpenCalls)
	}
}

func TestManager_AlreadyRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Stream{}, &pitchmock.Estimator{})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if got := f.m.Info().State; got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
	if err := f.m.Ready(); err != nil {
		t.Errorf("Ready() = %v, want nil", err)
	}
}

func TestManager_RestartAfterStop(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	est := &pitchmock.Estimator{Results: []float64{110}}
	f := newFixture(t, stream, est)

	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.step(t)
	if err := f.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A second session gets a fresh stream and fresh conditioning state.
	f.capture.Stream = &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	f.engine.Estimator = &pitchmock.Estimator{Results: []float64{220}}
	f.sched.Reset()
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.step(t)
	if got := f.m.Published(); got != 220 {
		t.Errorf("Published() = %v, want 220 (no carry-over from the first session)", got)
	}
}

func TestManager_TransientCaptureErrorIsRejection(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{
		Frames: [][]float32{level(0.05), nil, level(0.05)},
		Errs:   []error{nil, errors.New("input overflow")},
		Loop:   true,
	}
	est := &pitchmock.Estimator{Results: []float64{110}}
	f := newFixture(t, stream, est)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.step(t)
	f.step(t)
	if got := f.m.Published(); got != 110 {
		t.Errorf("Published() after transient failure = %v, want held 110", got)
	}
	if est.DetectCount != 1 {
		t.Errorf("DetectCount = %d, want 1 (no estimate on failed capture)", est.DetectCount)
	}
	f.step(t)
	if got := f.m.Info().State; got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
	if got := f.counter(t, "tuner.capture.errors", "kind", "transient"); got != 1 {
		t.Errorf("transient capture errors = %d, want 1", got)
	}
	if got := f.counter(t, "tuner.cycles", "decision", "held"); got != 1 {
		t.Errorf("held cycles = %d, want 1", got)
	}
}

func TestManager_EstimatorFailuresAreRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		detect     func(n int) (float64, error)
		wantReason string
	}{
		{
			name: "error",
			detect: func(n int) (float64, error) {
				if n == 2 {
					return 0, errors.New("nan in spectrum")
				}
				return 110, nil
			},
			wantReason: "error",
		},
		{
			name: "panic",
			detect: func(n int) (float64, error) {
				if n == 2 {
					panic("index out of range")
				}
				return 110, nil
			},
			wantReason: "panic",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var calls int
			est := &pitchmock.Estimator{Func: func(audio.Buffer) (float64, error) {
				calls++
				return tc.detect(calls)
			}}
			stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
			f := newFixture(t, stream, est)
			if err := f.m.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}

			f.step(t)
			f.step(t)
			if got := f.m.Published(); got != 110 {
				t.Errorf("Published() = %v, want held 110", got)
			}
			f.step(t)
			if got := f.counter(t, "tuner.estimator.errors", "reason", tc.wantReason); got != 1 {
				t.Errorf("estimator errors{reason=%s} = %d, want 1", tc.wantReason, got)
			}
		})
	}
}

func TestManager_BreakerOpensOnRepeatedEstimatorErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("estimator broken")
	est := &pitchmock.Estimator{Errs: []error{boom, boom}, Results: []float64{0, 0, 110}}
	stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	f := newFixture(t, stream, est, func(c *Config) {
		c.Breaker = resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Second}
	})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.step(t)
	f.step(t)
	if got := f.m.Info().Breaker; got != "open" {
		t.Fatalf("breaker = %q, want open", got)
	}
	f.step(t)
	if est.DetectCount != 2 {
		t.Errorf("DetectCount = %d, want 2 (open breaker skips the estimator)", est.DetectCount)
	}
	if got := f.counter(t, "tuner.estimator.errors", "reason", "circuit_open"); got != 1 {
		t.Errorf("circuit_open errors = %d, want 1", got)
	}
	if got := f.counter(t, "tuner.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("breaker transitions to open = %d, want 1", got)
	}

	// After the reset timeout a probe goes through again.
	f.clock.Advance(time.Second)
	f.step(t)
	if est.DetectCount != 3 {
		t.Errorf("DetectCount = %d, want 3 after reset timeout", est.DetectCount)
	}
	if got := f.m.Published(); got != 110 {
		t.Errorf("Published() = %v, want 110", got)
	}
}

func TestManager_DeviceLostStopsSession(t *testing.T) {
	t.Parallel()

	lost := fmt.Errorf("portaudio: read: %w", audio.ErrDeviceLost)
	stream := &audiomock.Stream{Errs: []error{lost}}
	f := newFixture(t, stream, &pitchmock.Estimator{})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !f.sched.Tick(t0) {
		t.Fatal("tick dropped")
	}
	waitFor(t, "session to fail", func() bool { return f.m.Info().State == StateFailed })

	info := f.m.Info()
	if !strings.Contains(info.LastError, "device lost") {
		t.Errorf("LastError = %q, want device lost", info.LastError)
	}
	if !stream.Closed() {
		t.Error("stream not closed after device loss")
	}
	if f.m.Published() != 0 {
		t.Error("pitch still published after device loss")
	}
	if got := f.counter(t, "tuner.capture.errors", "kind", "fatal"); got != 1 {
		t.Errorf("fatal capture errors = %d, want 1", got)
	}
}

func TestManager_CycleDeviceLost(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Errs: []error{audio.ErrDeviceLost}}
	f := newFixture(t, stream, &pitchmock.Estimator{})
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Cycle(context.Background()); !errors.Is(err, audio.ErrDeviceLost) {
		t.Fatalf("Cycle = %v, want ErrDeviceLost", err)
	}
	if got := f.m.Info().State; got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestManager_RunReturnsFatalError(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{Errs: []error{audio.ErrDeviceLost}}
	f := newFixture(t, stream, &pitchmock.Estimator{})

	// The pending tick is consumed as soon as the loop starts.
	f.sched.Tick(t0)

	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, audio.ErrDeviceLost) {
			t.Errorf("Run = %v, want ErrDeviceLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after device loss")
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{}
	f := newFixture(t, stream, &pitchmock.Estimator{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Run(ctx) }()

	waitFor(t, "session to start", func() bool { return f.m.Info().State == StateRunning })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if got := f.m.Info().State; got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestManager_RunReturnsWhenStoppedElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &audiomock.Stream{}, &pitchmock.Estimator{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.m.Run(context.Background()) }()
	waitFor(t, "session to start", func() bool { return f.m.Info().State == StateRunning })

	if err := f.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestManager_LoopIsSingleFlight(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var inFlight, peak, detects atomic.Int32
	est := &pitchmock.Estimator{Func: func(audio.Buffer) (float64, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		detects.Add(1)
		entered <- struct{}{}
		<-release
		return 110, nil
	}}
	stream := &audiomock.Stream{Frames: [][]float32{level(0.05)}, Loop: true}
	f := newFixture(t, stream, est)
	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.sched.Tick(t0)
	<-entered

	// The first cycle is blocked in the estimator: one more tick fits in
	// the scheduler, the next one is coalesced away.
	if !f.sched.Tick(t0.Add(cycleStep)) {
		t.Fatal("second tick dropped, want it queued")
	}
	if f.sched.Tick(t0.Add(2 * cycleStep)) {
		t.Fatal("third tick queued, want it coalesced")
	}

	close(release)
	waitFor(t, "two cycles", func() bool { return f.m.Info().Cycles == 2 })
	time.Sleep(20 * time.Millisecond)

	if got := detects.Load(); got != 2 {
		t.Errorf("detects = %d, want 2", got)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent cycles = %d, want 1", got)
	}
}

func TestManager_Subscribe(t *testing.T) {
	t.Parallel()

	stream := &audiomock.Stream{
		Frames: append(frames(3, level(0.05)), frames(20, level(0))...),
	}
	est := &pitchmock.Estimator{Results: []float64{110, 110, 110, 0}}
	f := newFixture(t, stream, est)

	ch, unsubscribe := f.m.Subscribe()
	if r := <-ch; r.Note != "-" {
		t.Fatalf("initial reading = %v, want sentinel", r)
	}

	if err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range 3 {
		f.step(t)
	}

	// Three identical cycles publish once; Start's zero was replaced.
	r := <-ch
	if r.Note != "A" || r.Octave != 2 {
		t.Errorf("pushed reading = %v, want A2", r)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra reading %v", extra)
	default:
	}

	for range 20 {
		f.step(t)
	}
	if r := <-ch; r.Note != "-" {
		t.Errorf("reading after silence = %v, want sentinel", r)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
		b, _ := tc.s.MarshalText()
		if string(b) != tc.want {
			t.Errorf("MarshalText = %q, want %q", b, tc.want)
		}
	}
}
