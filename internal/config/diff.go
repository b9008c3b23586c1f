package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the keys, in file order, whose new values only
	// take effect once the process restarts.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	checks := []struct {
		key     string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"audio.output_rate", old.Audio.OutputRate != new.Audio.OutputRate},
		{"audio.buffer_frames", old.Audio.BufferFrames != new.Audio.BufferFrames},
		{"audio.sink", old.Audio.Sink != new.Audio.Sink},
		{"audio.pull_period", old.Audio.PullPeriod != new.Audio.PullPeriod},
		{"audio.device_buffer", old.Audio.DeviceBuffer != new.Audio.DeviceBuffer},
		{"core.name", old.Core.Name != new.Core.Name},
		{"core.path", old.Core.Path != new.Core.Path},
		{"core.game_dir", old.Core.GameDir != new.Core.GameDir},
		{"core.game_files", !slices.Equal(old.Core.GameFiles, new.Core.GameFiles)},
		{"core.system_dir", old.Core.SystemDir != new.Core.SystemDir},
		{"core.save_dir", old.Core.SaveDir != new.Core.SaveDir},
		{"core.options", !maps.Equal(old.Core.Options, new.Core.Options)},
		{"telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName},
	}
	for _, c := range checks {
		if c.changed {
			d.RestartRequired = append(d.RestartRequired, c.key)
		}
	}

	return d
}
