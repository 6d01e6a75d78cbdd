// Package mock provides test doubles for the pitch provider interfaces.
//
// Use Engine to verify that estimators are constructed with the expected
// sample rate and buffer length. Use Estimator to script Detect results and
// inspect how many buffers were submitted.
//
// Example:
//
//	est := &mock.Estimator{Results: []float64{110, 110, 0}}
//	eng := &mock.Engine{Estimator: est}
package mock

import (
	"sync"

	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
)

// NewEstimatorCall records a single invocation of Engine.NewEstimator.
type NewEstimatorCall struct {
	SampleRate int
	BufferLen  int
}

// Engine is a mock implementation of pitch.Engine.
type Engine struct {
	mu sync.Mutex

	// Estimator is returned by NewEstimator. If nil, a new default Estimator
	// is returned.
	Estimator *Estimator

	// NewEstimatorErr, if non-nil, is returned as the error from NewEstimator.
	NewEstimatorErr error

	// NewEstimatorCalls records every call to NewEstimator in order.
	NewEstimatorCalls []NewEstimatorCall
}

// NewEstimator records the call and returns Estimator, NewEstimatorErr.
func (e *Engine) NewEstimator(sampleRate, bufferLen int) (pitch.Estimator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewEstimatorCalls = append(e.NewEstimatorCalls, NewEstimatorCall{SampleRate: sampleRate, BufferLen: bufferLen})
	if e.NewEstimatorErr != nil {
		return nil, e.NewEstimatorErr
	}
	if e.Estimator == nil {
		e.Estimator = &Estimator{}
	}
	return e.Estimator, nil
}

// Ensure Engine implements pitch.Engine at compile time.
var _ pitch.Engine = (*Engine)(nil)

// Estimator is a mock implementation of pitch.Estimator.
//
// Detect returns Results[i] and Errs[i] for the i-th call. Past the end of
// Results it keeps returning the last entry (or 0 when Results is empty).
// When Func is set it takes precedence over Results.
type Estimator struct {
	mu sync.Mutex

	// Results are returned by Detect in order.
	Results []float64

	// Errs, when set, is indexed by call number.
	Errs []error

	// Func, if non-nil, computes the result from the buffer.
	Func func(buf audio.Buffer) (float64, error)

	// CloseErr is returned by Close.
	CloseErr error

	// DetectCount is the number of Detect calls so far.
	DetectCount int

	// CloseCount is the number of Close calls so far.
	CloseCount int
}

// Detect records the call and returns the scripted result.
func (e *Estimator) Detect(buf audio.Buffer) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.DetectCount
	e.DetectCount++
	if e.Func != nil {
		return e.Func(buf)
	}
	if i < len(e.Errs) && e.Errs[i] != nil {
		return 0, e.Errs[i]
	}
	switch {
	case i < len(e.Results):
		return e.Results[i], nil
	case len(e.Results) > 0:
		return e.Results[len(e.Results)-1], nil
	}
	return 0, nil
}

// Close records the call and returns CloseErr.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCount++
	return e.CloseErr
}

// Closed reports whether Close has been called at least once.
func (e *Estimator) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CloseCount > 0
}

// Ensure Estimator implements pitch.Estimator at compile time.
var _ pitch.Estimator = (*Estimator)(nil)
