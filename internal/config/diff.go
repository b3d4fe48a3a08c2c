package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MinApplyConfidenceChanged bool
	NewMinApplyConfidence     float64

	// PrunePolicyChanged is set when either prune threshold changed.
	PrunePolicyChanged    bool
	NewPruneAge           time.Duration
	NewPruneMinConfidence float64

	// RestartRequired lists changed fields that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MinApplyConfidenceChanged || d.PrunePolicyChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Learning.MinApplyConfidence != new.Learning.MinApplyConfidence {
		d.MinApplyConfidenceChanged = true
		d.NewMinApplyConfidence = new.Learning.MinApplyConfidence
	}

	if old.Learning.PruneOlderThanDays != new.Learning.PruneOlderThanDays ||
		old.Learning.PruneMinConfidence != new.Learning.PruneMinConfidence {
		d.PrunePolicyChanged = true
		d.NewPruneAge = new.Learning.PruneAge()
		d.NewPruneMinConfidence = new.Learning.PruneMinConfidence
	}

	// Fields wired at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Observer.ClipboardInterval != new.Observer.ClipboardInterval ||
		old.Observer.FocusedInterval != new.Observer.FocusedInterval ||
		!slices.Equal(old.Observer.ClipboardCommand, new.Observer.ClipboardCommand) {
		d.RestartRequired = append(d.RestartRequired, "observer")
	}
	if old.Learning.RescoreInterval != new.Learning.RescoreInterval {
		d.RestartRequired = append(d.RestartRequired, "learning.rescore_interval")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
