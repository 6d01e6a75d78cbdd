package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/tuner/pkg/audio"
	"github.com/MrWong99/tuner/pkg/provider/pitch"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// CaptureFactory builds a capture backend from the audio section.
type CaptureFactory func(AudioConfig) (audio.Capture, error)

// EstimatorFactory builds a pitch engine from the estimator section.
type EstimatorFactory func(ProviderEntry) (pitch.Engine, error)

// Registry maps names to constructor functions for capture backends and pitch
// engines. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	capture   map[string]CaptureFactory
	estimator map[string]EstimatorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:   make(map[string]CaptureFactory),
		estimator: make(map[string]EstimatorFactory),
	}
}

// RegisterCapture registers a capture factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterEstimator registers a pitch engine factory under name.
func (r *Registry) RegisterEstimator(name string, factory EstimatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimator[name] = factory
}

// CreateCapture instantiates the capture backend named by cfg.Capture.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) CreateCapture(cfg AudioConfig) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture)
	}
	c, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create capture %q: %w", cfg.Capture, err)
	}
	return c, nil
}

// CreateEstimator instantiates the pitch engine named by entry.Name.
func (r *Registry) CreateEstimator(entry ProviderEntry) (pitch.Engine, error) {
	r.mu.RLock()
	factory, ok := r.estimator[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: estimator/%q", ErrProviderNotRegistered, entry.Name)
	}
	e, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create estimator %q: %w", entry.Name, err)
	}
	return e, nil
}

// CaptureNames returns the registered capture backend names, sorted.
func (r *Registry) CaptureNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.capture))
}

// EstimatorNames returns the registered estimator names, sorted.
func (r *Registry) EstimatorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.estimator))
}
