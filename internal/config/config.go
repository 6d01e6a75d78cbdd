// Package config provides the configuration schema, loader, file watcher and
// provider registry for the tuner service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the tuner server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultLogLevel      = LogInfo
	DefaultCapture       = "portaudio"
	DefaultSampleRate    = 44100
	DefaultBufferSize    = 2048
	DefaultCycleInterval = 16 * time.Millisecond
	DefaultEstimator     = "autocorr"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Audio     AudioConfig   `yaml:"audio"`
	Estimator ProviderEntry `yaml:"estimator"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the HTTP readout, health and metrics
	// endpoints (e.g. ":8080"). Empty disables HTTP entirely.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only field applied without a
	// restart when the config file changes.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the capture backend and the buffer format the whole
// pipeline runs at.
type AudioConfig struct {
	// Capture selects the registered capture backend ("portaudio", "wav").
	Capture string `yaml:"capture"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BufferSize is the number of samples per analysis buffer.
	BufferSize int `yaml:"buffer_size"`

	// CycleInterval is the cadence at which one buffer is captured and
	// analysed (e.g. "16ms").
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// Options holds backend-specific values such as the WAV file path.
	Options Options `yaml:"options"`
}

// ProviderEntry names a registered implementation plus its options.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "autocorr").
	Name string `yaml:"name"`

	// Options holds implementation-specific values.
	Options Options `yaml:"options"`
}

// Options is a free-form option map decoded from YAML.
type Options map[string]any

// String returns the string at key, or def when absent or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Float64 returns the number at key, or def when absent or not numeric.
// YAML integers are accepted.
func (o Options) Float64(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the boolean at key, or def when absent or not a boolean.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// ApplyDefaults fills zero-valued fields of cfg with the package defaults.
// ListenAddr is left alone: empty means HTTP is disabled.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Audio.Capture == "" {
		cfg.Audio.Capture = DefaultCapture
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.BufferSize == 0 {
		cfg.Audio.BufferSize = DefaultBufferSize
	}
	if cfg.Audio.CycleInterval == 0 {
		cfg.Audio.CycleInterval = DefaultCycleInterval
	}
	if cfg.Estimator.Name == "" {
		cfg.Estimator.Name = DefaultEstimator
	}
}
