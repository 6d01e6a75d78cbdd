// Package autocorr implements a pitch.Engine that estimates the fundamental
// frequency from the peak of the signal's autocorrelation.
//
// The autocorrelation is computed in the frequency domain: the buffer is
// zero-padded to twice its length (so the circular correlation equals the
// linear one), transformed, squared in magnitude, and transformed back. The
// first local maximum inside the configured lag window that comes close to the
// strongest one is refined with parabolic interpolation.
package autocorr

import (
	"fmt"
	"sync"

	"github.com/mjibson/go-dsp/fft"

	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
)

const (
	// DefaultMinHz is the lowest frequency searched (longest lag).
	DefaultMinHz = 60.0

	// DefaultMaxHz is the highest frequency searched (shortest lag).
	DefaultMaxHz = 1200.0

	// peakRatio is how close to the strongest peak an earlier peak must be
	// to be taken as the fundamental.
	peakRatio = 0.9
)

// Option is a functional option for [New].
type Option func(*Engine)

// WithRange narrows or widens the searched frequency range. Values that do
// not satisfy 0 < minHz < maxHz are ignored.
func WithRange(minHz, maxHz float64) Option {
	return func(e *Engine) {
		if minHz > 0 && maxHz > minHz {
			e.minHz = minHz
			e.maxHz = maxHz
		}
	}
}

// Engine creates autocorrelation estimators.
type Engine struct {
	minHz float64
	maxHz float64
}

// New returns an Engine searching [DefaultMinHz, DefaultMaxHz] unless
// overridden by opts.
func New(opts ...Option) *Engine {
	e := &Engine{minHz: DefaultMinHz, maxHz: DefaultMaxHz}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewEstimator implements [pitch.Engine].
func (e *Engine) NewEstimator(sampleRate, bufferLen int) (pitch.Estimator, error) {
	if err := (audio.Format{SampleRate: sampleRate, BufferSize: bufferLen}).Validate(); err != nil {
		return nil, fmt.Errorf("autocorr: %w", err)
	}
	return &Estimator{
		sampleRate: float64(sampleRate),
		n:          bufferLen,
		minLag:     max(1, int(float64(sampleRate)/e.maxHz)),
		maxLag:     int(float64(sampleRate) / e.minHz),
		padded:     make([]complex128, 2*bufferLen),
		lags:       make([]float64, bufferLen),
	}, nil
}

var _ pitch.Engine = (*Engine)(nil)

// Estimator is a single-session autocorrelation pitch detector.
type Estimator struct {
	mu         sync.Mutex
	sampleRate float64
	n          int
	minLag     int
	maxLag     int
	padded     []complex128
	lags       []float64
	closed     bool
}

// Detect implements [pitch.Estimator].
func (e *Estimator) Detect(buf audio.Buffer) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, pitch.ErrClosed
	}
	if buf.Len() != e.n {
		return 0, fmt.Errorf("%w: got %d samples, want %d", pitch.ErrBufferSize, buf.Len(), e.n)
	}

	for i, s := range buf.Samples() {
		e.padded[i] = complex(float64(s), 0)
	}
	for i := e.n; i < len(e.padded); i++ {
		e.padded[i] = 0
	}

	power := fft.FFT(e.padded)
	for i, c := range power {
		re, im := real(c), imag(c)
		power[i] = complex(re*re+im*im, 0)
	}
	corr := fft.IFFT(power)

	end := min(e.maxLag, e.n-1)
	if e.minLag >= end {
		return 0, nil
	}

	// Unbiased normalisation: lag k sums n-k products.
	r := e.lags[:end+1]
	for k := e.minLag - 1; k <= end; k++ {
		r[k] = real(corr[k]) / float64(e.n-k)
	}

	peak := 0.0
	for k := e.minLag; k < end; k++ {
		if r[k] > peak && r[k] > r[k-1] && r[k] > r[k+1] {
			peak = r[k]
		}
	}
	if peak <= 0 {
		return 0, nil
	}

	// Periodic signals repeat their maximum at every multiple of the period;
	// the first peak close to the best one is the fundamental.
	for k := e.minLag; k < end; k++ {
		if r[k] >= peakRatio*peak && r[k] > r[k-1] && r[k] >= r[k+1] {
			return e.sampleRate / (float64(k) + parabolicOffset(r[k-1], r[k], r[k+1])), nil
		}
	}
	return 0, nil
}

// Close implements [pitch.Estimator].
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.padded = nil
	e.lags = nil
	return nil
}

var _ pitch.Estimator = (*Estimator)(nil)

// parabolicOffset returns the sub-sample position of the vertex of the
// parabola through (-1, y1), (0, y2), (1, y3), relative to the middle point.
func parabolicOffset(y1, y2, y3 float64) float64 {
	den := 2 * (2*y2 - y1 - y3)
	if den == 0 {
		return 0
	}
	return (y3 - y1) / den
}
