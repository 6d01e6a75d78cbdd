package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"capture":   {"portaudio", "wav"},
	"estimator": {"autocorr"},
}

// Bounds accepted by [Validate].
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
	MinBufferSize = 256
	MaxBufferSize = 1 << 16
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	a := cfg.Audio
	if a.Capture == "" {
		errs = append(errs, errors.New("audio.capture is required"))
	}
	if a.SampleRate < MinSampleRate || a.SampleRate > MaxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [%d, %d]", a.SampleRate, MinSampleRate, MaxSampleRate))
	}
	if a.BufferSize < MinBufferSize || a.BufferSize > MaxBufferSize {
		errs = append(errs, fmt.Errorf("audio.buffer_size %d is out of range [%d, %d]", a.BufferSize, MinBufferSize, MaxBufferSize))
	}
	if a.CycleInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.cycle_interval %s must be positive", a.CycleInterval))
	}
	if a.Capture == "wav" && a.Options.String("path", "") == "" {
		errs = append(errs, errors.New("audio.options.path is required when audio.capture is wav"))
	}

	if cfg.Estimator.Name == "" {
		errs = append(errs, errors.New("estimator.name is required"))
	}
	minHz := cfg.Estimator.Options.Float64("min_hz", 0)
	maxHz := cfg.Estimator.Options.Float64("max_hz", 0)
	if minHz < 0 || maxHz < 0 {
		errs = append(errs, errors.New("estimator.options min_hz and max_hz must not be negative"))
	}
	if minHz > 0 && maxHz > 0 && minHz >= maxHz {
		errs = append(errs, fmt.Errorf("estimator.options.min_hz %.1f must be below max_hz %.1f", minHz, maxHz))
	}
	if maxHz > 0 && a.SampleRate > 0 && maxHz >= float64(a.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("estimator.options.max_hz %.1f must be below the Nyquist frequency %d", maxHz, a.SampleRate/2))
	}

	validateProviderName("capture", a.Capture)
	validateProviderName("estimator", cfg.Estimator.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
