package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only the log level and the monitor section can be hot-reloaded; every
// other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MonitorChanged bool
	NewMonitor     MonitorConfig

	// RestartRequired names the top-level sections (or fields) that changed
	// but only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MonitorChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Monitor
	if old.Monitor != new.Monitor {
		d.MonitorChanged = true
		d.NewMonitor = new.Monitor
	}

	// Everything else is read once at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Retry != new.Retry {
		d.RestartRequired = append(d.RestartRequired, "retry")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	if !maps.Equal(old.Codecs.NominalBitrates, new.Codecs.NominalBitrates) {
		d.RestartRequired = append(d.RestartRequired, "codecs")
	}
	if old.Settings != new.Settings {
		d.RestartRequired = append(d.RestartRequired, "settings")
	}
	if !reflect.DeepEqual(old.Driver, new.Driver) {
		d.RestartRequired = append(d.RestartRequired, "driver")
	}
	if !reflect.DeepEqual(old.Device, new.Device) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}

	return d
}
