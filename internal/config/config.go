// Package config provides the configuration schema and loader for the
// retrosync server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the retrosync server.
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

// SlogLevel maps l onto a [slog.Level]. Unknown and empty levels map to info.
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

// SinkKind selects where a session's output audio goes.
type SinkKind string

const (
	// SinkNull drains the ring at the output rate and discards the audio.
	SinkNull SinkKind = "null"

	// SinkOto plays the audio on the local sound device.
	SinkOto SinkKind = "oto"
)

// IsValid reports whether k is a recognised sink.
func (k SinkKind) IsValid() bool {
	return k == SinkNull || k == SinkOto
}

// Defaults applied by [LoadFromReader] before decoding.
const (
	DefaultListenAddr   = ":9464"
	DefaultOutputRate   = 48000
	DefaultBufferFrames = 65535
	DefaultCore         = "tone"
	DefaultServiceName  = "retrosync"
)

// Config is the root configuration structure for retrosync.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Core      CoreConfig      `yaml:"core"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the admin listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin HTTP server serving
	// /healthz, /readyz and /metrics. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig controls the output side of the audio path.
type AudioConfig struct {
	// OutputRate is the host sample rate every session resamples to.
	OutputRate int `yaml:"output_rate"`

	// BufferFrames is the capacity of the ring between the emulation
	// worker and the sink, in stereo frames.
	BufferFrames int `yaml:"buffer_frames"`

	// Sink selects the audio consumer.
	Sink SinkKind `yaml:"sink"`

	// PullPeriod is how often the null sink drains the ring. Zero selects
	// 10ms.
	PullPeriod time.Duration `yaml:"pull_period"`

	// DeviceBuffer is the buffer duration requested from the sound device
	// by the oto sink. Zero selects the sink's default.
	DeviceBuffer time.Duration `yaml:"device_buffer"`
}

// CoreConfig selects the emulation backend and the game it runs.
type CoreConfig struct {
	// Name selects the registered backend (e.g., "tone", "wasm").
	Name string `yaml:"name"`

	// Path is the backend's own file, such as a WASM guest module.
	Path string `yaml:"path"`

	// GameDir is the directory holding the game files. It is also what
	// the backend sees as its content directory.
	GameDir string `yaml:"game_dir"`

	// GameFiles are the game files, relative to GameDir.
	GameFiles []string `yaml:"game_files"`

	// SystemDir holds BIOS images and other support files.
	SystemDir string `yaml:"system_dir"`

	// SaveDir is where the backend may keep saves.
	SaveDir string `yaml:"save_dir"`

	// Options holds backend-specific settings.
	Options map[string]string `yaml:"options"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name resource.
	ServiceName string `yaml:"service_name"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			OutputRate:   DefaultOutputRate,
			BufferFrames: DefaultBufferFrames,
			Sink:         SinkNull,
		},
		Core: CoreConfig{
			Name: DefaultCore,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}
