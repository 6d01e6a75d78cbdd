// Package audio defines the capture-side types shared by the tuner pipeline.
//
// The two primary abstractions are:
//
//   - [Capture] opens an input device (or file) and returns a [Stream].
//   - [Stream] delivers one fixed-length [Buffer] of mono samples per cycle.
//
// Implementations live in adapter packages (audio/portaudio, audio/wavfile).
// The interfaces are intentionally narrow so the session loop stays decoupled
// from device details and can be driven by mocks in tests.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeviceLost is returned (wrapped) by [Stream.Read] when the underlying
// device is gone for good, e.g. unplugged or permission revoked. Callers must
// treat it as fatal for the session rather than as a per-cycle failure.
var ErrDeviceLost = errors.New("audio: capture device lost")

// ErrInvalidFormat is returned (wrapped) when a [Format] or [Buffer] is
// constructed with non-positive parameters.
var ErrInvalidFormat = errors.New("audio: invalid format")

// ErrClosed is returned by [Stream.Read] after the stream has been closed.
var ErrClosed = errors.New("audio: stream closed")

// Format describes the capture parameters of a session. Both values are
// constant for the lifetime of a [Stream].
type Format struct {
	// SampleRate in Hz (e.g. 44100, 48000).
	SampleRate int

	// BufferSize is the number of mono samples delivered per cycle.
	BufferSize int
}

// Validate reports whether f is usable. It never substitutes defaults.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: sample rate %d must be positive", ErrInvalidFormat, f.SampleRate))
	}
	if f.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: buffer size %d must be positive", ErrInvalidFormat, f.BufferSize))
	}
	return errors.Join(errs...)
}

// Stream is an open capture stream. Read and Close may be called from
// different goroutines; a Read in progress when Close is called returns
// [ErrClosed] or completes normally.
type Stream interface {
	// Read fills buf with the next BufferSize samples, blocking at most one
	// capture period. buf.Len() must equal Format().BufferSize.
	//
	// Transient failures (overflow, a short read) are returned as plain
	// errors; an unrecoverable device failure wraps [ErrDeviceLost].
	Read(buf Buffer) error

	// Format returns the format negotiated when the stream was opened.
	Format() Format

	// Close stops capture and releases the device. It is safe to call more
	// than once; subsequent calls return nil.
	Close() error
}

// Capture is the entry point for an audio source.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Open acquires the device and starts delivering buffers of the given
	// format. ctx governs the open attempt only. If Open fails, nothing stays
	// acquired.
	Open(ctx context.Context, format Format) (Stream, error)
}
