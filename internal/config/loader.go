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

// KnownCores lists the backends built into retrosync.
// Used by [Validate] to warn about unrecognised core names.
var KnownCores = []string{"tone", "wasm"}

// maxBufferFrames bounds audio.buffer_frames to keep a misconfigured ring
// from allocating gigabytes.
const maxBufferFrames = 1 << 22

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode reads YAML from r over [Default] without validating. Unknown keys
// are rejected.
func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.OutputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_rate %d must be positive", cfg.Audio.OutputRate))
	}
	if cfg.Audio.BufferFrames <= 0 || cfg.Audio.BufferFrames > maxBufferFrames {
		errs = append(errs, fmt.Errorf("audio.buffer_frames %d is out of range [1, %d]", cfg.Audio.BufferFrames, maxBufferFrames))
	}
	if !cfg.Audio.Sink.IsValid() {
		errs = append(errs, fmt.Errorf("audio.sink %q is invalid; valid values: null, oto", cfg.Audio.Sink))
	}
	if cfg.Audio.PullPeriod < 0 {
		errs = append(errs, fmt.Errorf("audio.pull_period %s must not be negative", cfg.Audio.PullPeriod))
	}
	if cfg.Audio.DeviceBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.device_buffer %s must not be negative", cfg.Audio.DeviceBuffer))
	}

	// Core
	if cfg.Core.Name == "" {
		errs = append(errs, errors.New("core.name is required"))
	} else if !slices.Contains(KnownCores, cfg.Core.Name) {
		slog.Warn("unknown core name, it must be registered before the session starts",
			"name", cfg.Core.Name,
			"known", KnownCores,
		)
	}
	for i, f := range cfg.Core.GameFiles {
		if f == "" {
			errs = append(errs, fmt.Errorf("core.game_files[%d] is empty", i))
		}
	}
	if cfg.Core.Name == "wasm" && cfg.Core.Path == "" && len(cfg.Core.GameFiles) == 0 {
		errs = append(errs, errors.New("core: wasm requires core.path or core.game_files"))
	}

	// Telemetry
	if cfg.Telemetry.ServiceName == "" {
		slog.Warn("telemetry.service_name is empty; metrics will carry the SDK default service name")
	}

	return errors.Join(errs...)
}
