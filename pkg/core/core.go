// Package core defines the contract between a retrosync session and an
// emulation backend.
//
// The two primary abstractions are:
//
//   - [Backend]: the emulation engine. It is driven from a single worker
//     goroutine: initialised, given a game, then stepped one frame at a time.
//   - [Host]: the callbacks the backend may invoke while it is being
//     initialised or stepped (audio delivery, frame-time queries, string
//     handles, video, input, logging). A session implements Host.
//
// This package lives under pkg/ because backends outside this module are
// expected to implement [Backend].
package core

import (
	"errors"
	"time"
)

// StringHandle is an opaque reference to a NUL-terminated string owned by the
// host. Handles stay valid until the session that issued them stops. The zero
// value never refers to a string.
type StringHandle uint64

// Directory selects one of the paths a backend can ask the host for.
type Directory int

const (
	// DirSystem holds BIOS images and other backend support files.
	DirSystem Directory = iota

	// DirSave is where the backend may keep battery saves.
	DirSave

	// DirContent is the directory of the loaded game.
	DirContent
)

// String returns the human-readable name of the directory kind.
func (d Directory) String() string {
	switch d {
	case DirSystem:
		return "system"
	case DirSave:
		return "save"
	case DirContent:
		return "content"
	default:
		return "unknown"
	}
}

// LogLevel is the severity a backend attaches to a log line.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// AVInfo describes the timing and audio format a backend produces once a game
// is loaded.
type AVInfo struct {
	// FPS is the emulated frame rate.
	FPS float64

	// SampleRate is the rate in Hz of the stereo frames the backend pushes.
	SampleRate int

	// FrameTimeReference is the frame interval reported to the backend on
	// the first frame after a (re)start. When zero, 1/FPS is used.
	FrameTimeReference time.Duration
}

// FrameInterval returns the reference interval, falling back to 1/FPS.
func (i AVInfo) FrameInterval() time.Duration {
	if i.FrameTimeReference > 0 {
		return i.FrameTimeReference
	}
	if i.FPS > 0 {
		return time.Duration(float64(time.Second) / i.FPS)
	}
	return 0
}

// GameInfo names the content a backend should load.
type GameInfo struct {
	// Dir is the directory holding the game files.
	Dir string

	// Files are the game files, relative to Dir.
	Files []string
}

// Host is the set of callbacks a [Backend] may invoke. The host only accepts
// calls on the worker goroutine that is driving the backend.
type Host interface {
	// AudioSample delivers a single stereo sample pair.
	AudioSample(left, right int16)

	// AudioSampleBatch delivers interleaved stereo int16 samples and returns
	// the number of frames consumed.
	AudioSampleBatch(pcm []int16) int

	// FrameTimeMicros returns the most recent frame delta in microseconds,
	// or the reference interval before the first frame.
	FrameTimeMicros() int64

	// StringHandle copies s into host-owned memory that outlives the call.
	StringHandle(s string) StringHandle

	// ResolveString returns the NUL-terminated bytes behind h.
	ResolveString(h StringHandle) ([]byte, bool)

	// Directory returns a handle to the requested path, or zero when the
	// host has none configured.
	Directory(kind Directory) StringHandle

	// VideoRefresh hands over a rendered frame.
	VideoRefresh(frame []byte, width, height, pitch int)

	// InputState reports the state of button id on port.
	InputState(port, id int) int16

	// Log forwards a backend log line.
	Log(level LogLevel, msg string)
}

// Backend is an emulation engine driven by a session.
type Backend interface {
	// Init prepares the backend and records host for later callbacks.
	Init(host Host) error

	// LoadGame loads content. It is called once, after Init.
	LoadGame(game GameInfo) error

	// AVInfo reports timing and audio format. Valid after LoadGame.
	AVInfo() AVInfo

	// Run executes exactly one frame. It may call back into the host.
	Run()

	// Reset performs a soft reset of the loaded game.
	Reset()

	// UnloadGame releases the loaded content.
	UnloadGame()

	// Deinit releases everything acquired in Init.
	Deinit()
}

// FrameTimer is implemented by backends that want the measured frame delta
// before each [Backend.Run].
type FrameTimer interface {
	FrameTime(usec int64)
}

// Options configures a backend instance.
type Options struct {
	// Path locates backend code or data, e.g. a .wasm module.
	Path string

	// Values holds backend-specific key/value settings.
	Values map[string]string
}

// Factory creates a [Backend] from [Options].
type Factory func(Options) (Backend, error)

// Resolver creates backends by name.
type Resolver interface {
	CreateCore(name string, opts Options) (Backend, error)
}

// ErrCoreNotRegistered is returned by a [Resolver] when no factory has been
// registered under the requested name.
var ErrCoreNotRegistered = errors.New("core: backend not registered")
