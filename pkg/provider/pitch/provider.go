// Package pitch defines the Engine interface for fundamental-frequency
// estimation backends.
//
// An Engine is a factory; each tuning session asks it for one [Estimator]
// sized for the session's sample rate and buffer length, and closes that
// estimator when the session ends. Estimators keep scratch buffers (FFT
// planes, difference functions) between calls, so a single Estimator must
// not be shared across goroutines.
//
// Detect is synchronous: it must return within one capture period and must
// not perform I/O.
package pitch

import (
	"errors"

	"github.com/MrWong99/tuner/pkg/audio"
)

// ErrBufferSize is returned (wrapped) by [Estimator.Detect] when the buffer
// length differs from the length the estimator was constructed with.
var ErrBufferSize = errors.New("pitch: buffer length mismatch")

// ErrClosed is returned by [Estimator.Detect] after Close.
var ErrClosed = errors.New("pitch: estimator closed")

// Estimator turns one buffer of time-domain samples into a frequency.
type Estimator interface {
	// Detect returns the fundamental frequency of buf in Hz. A result <= 0
	// means no pitch was found; that is not an error. buf.Len() must equal
	// the length passed to [Engine.NewEstimator].
	Detect(buf audio.Buffer) (float64, error)

	// Close releases the estimator's resources. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Engine constructs estimators. Implementations must be safe for concurrent
// use.
type Engine interface {
	// NewEstimator returns an estimator for buffers of bufferLen samples
	// captured at sampleRate Hz. Non-positive parameters are rejected with an
	// error wrapping [audio.ErrInvalidFormat].
	NewEstimator(sampleRate, bufferLen int) (Estimator, error)
}
