package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running process; everything else is reported so the
// operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ListenAddrChanged bool
	AudioChanged      bool
	EstimatorChanged  bool
}

// RequiresRestart reports whether d contains changes that only take effect
// after a restart.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ListenAddrChanged || d.AudioChanged || d.EstimatorChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RequiresRestart()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.AudioChanged = !reflect.DeepEqual(old.Audio, new.Audio)
	d.EstimatorChanged = !reflect.DeepEqual(old.Estimator, new.Estimator)

	return d
}
