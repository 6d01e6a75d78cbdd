// Package mock provides in-memory implementations of [audio.Capture] and
// [audio.Stream] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts, and expose fields that control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{Frames: [][]float32{tone(110, 0.05)}}
//	capture := &mock.Capture{Stream: stream}
//	s, err := capture.Open(ctx, audio.Format{SampleRate: 44100, BufferSize: 2048})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tuner/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// OpenCall records a single invocation of Capture.Open.
type OpenCall struct {
	Format audio.Format
}

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, a new empty Stream is returned.
	Stream *Stream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open implements [audio.Capture].
func (c *Capture) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Format: format})
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.Stream == nil {
		c.Stream = &Stream{}
	}
	c.Stream.setFormat(format)
	return c.Stream, nil
}

var _ audio.Capture = (*Capture)(nil)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Each Read copies the
// next entry of Frames into the caller's buffer (zero-padded or truncated to
// fit) and returns the matching entry of Errs, if any. Once Frames is
// exhausted, Read returns silence, or repeats the last frame when Loop is set.
type Stream struct {
	mu sync.Mutex

	// Frames are delivered in order, one per Read.
	Frames [][]float32

	// Errs, when set, is indexed by read number; a non-nil entry is returned
	// instead of filling the buffer.
	Errs []error

	// Loop repeats the final frame once Frames is exhausted.
	Loop bool

	// CloseErr is returned by Close.
	CloseErr error

	// ReadCount is the number of Read calls so far.
	ReadCount int

	// CloseCount is the number of Close calls so far.
	CloseCount int

	format audio.Format
	closed bool
}

func (s *Stream) setFormat(f audio.Format) {
	s.format = f
}

// Read implements [audio.Stream].
func (s *Stream) Read(buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrClosed
	}
	i := s.ReadCount
	s.ReadCount++
	if i < len(s.Errs) && s.Errs[i] != nil {
		return s.Errs[i]
	}

	dst := buf.Samples()
	clear(dst)
	switch {
	case i < len(s.Frames):
		copy(dst, s.Frames[i])
	case s.Loop && len(s.Frames) > 0:
		copy(dst, s.Frames[len(s.Frames)-1])
	}
	return nil
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Close implements [audio.Stream]. Only the first call returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseErr
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ audio.Stream = (*Stream)(nil)
