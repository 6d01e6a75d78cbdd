package audio

import (
	"fmt"
	"math"
)

// Buffer is a fixed-length block of mono float32 samples in [-1, 1]. Its
// length is set once by [NewBuffer] and never changes, which lets the
// estimator boundary validate it against the configured size.
type Buffer struct {
	samples []float32
}

// NewBuffer allocates a zeroed Buffer of n samples.
func NewBuffer(n int) (Buffer, error) {
	if n <= 0 {
		return Buffer{}, fmt.Errorf("%w: buffer length %d must be positive", ErrInvalidFormat, n)
	}
	return Buffer{samples: make([]float32, n)}, nil
}

// BufferFrom wraps samples without copying. Intended for tests and for
// adapters that already own a correctly sized slice.
func BufferFrom(samples []float32) Buffer {
	return Buffer{samples: samples}
}

// Len returns the fixed number of samples.
func (b Buffer) Len() int { return len(b.samples) }

// Samples returns the backing slice. Writers must not change its length.
func (b Buffer) Samples() []float32 { return b.samples }

// RMS returns the root-mean-square energy of the buffer.
func (b Buffer) RMS() float64 { return RMS(b.samples) }

// RMS returns the root-mean-square of a float32 PCM block, or 0 for an empty
// block.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
