// Package tone is a built-in backend that plays a square wave. It has no game
// content of its own and exists to exercise the session pipeline end to end
// without a real emulator.
package tone

import (
	"fmt"
	"strconv"

	"github.com/MrWong99/retrosync/pkg/core"
)

// Name is the name the tone backend is registered under.
const Name = "tone"

const (
	defaultSampleRate = 32000
	defaultFPS        = 60
	defaultFrequency  = 440
	defaultAmplitude  = 6000
)

// Compile-time interface assertions.
var (
	_ core.Backend    = (*Backend)(nil)
	_ core.FrameTimer = (*Backend)(nil)
)

// Backend synthesises a square wave and pushes it to the host each frame.
//
// Options (all optional): "sample_rate", "fps", "frequency", "amplitude", and
// "delivery" which is "batch" (default) or "single" to push one stereo pair
// per callback.
type Backend struct {
	sampleRate int
	fps        int
	frequency  int
	amplitude  int16
	single     bool

	host    core.Host
	loaded  bool
	phase   int   // position within the current period, in samples
	carry   int   // fractional sample accumulator, in units of 1/fps
	elapsed int64 // total frame time reported by the host, in microseconds
	buf     []int16
}

// New is a [core.Factory] for the tone backend.
func New(opts core.Options) (core.Backend, error) {
	b := &Backend{
		sampleRate: defaultSampleRate,
		fps:        defaultFPS,
		frequency:  defaultFrequency,
		amplitude:  defaultAmplitude,
	}
	var err error
	if b.sampleRate, err = intOption(opts.Values, "sample_rate", b.sampleRate); err != nil {
		return nil, err
	}
	if b.fps, err = intOption(opts.Values, "fps", b.fps); err != nil {
		return nil, err
	}
	if b.frequency, err = intOption(opts.Values, "frequency", b.frequency); err != nil {
		return nil, err
	}
	amp, err := intOption(opts.Values, "amplitude", int(b.amplitude))
	if err != nil {
		return nil, err
	}
	if amp < 0 || amp > 32767 {
		return nil, fmt.Errorf("tone: amplitude %d out of range [0, 32767]", amp)
	}
	b.amplitude = int16(amp)

	switch d := opts.Values["delivery"]; d {
	case "", "batch":
	case "single":
		b.single = true
	default:
		return nil, fmt.Errorf("tone: delivery %q is invalid; valid values: batch, single", d)
	}
	return b, nil
}

func intOption(values map[string]string, key string, def int) (int, error) {
	v, ok := values[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("tone: option %s: %w", key, err)
	}
	if n <= 0 && key != "amplitude" {
		return 0, fmt.Errorf("tone: option %s must be positive, got %d", key, n)
	}
	return n, nil
}

// Init implements [core.Backend].
func (b *Backend) Init(host core.Host) error {
	b.host = host
	if h := host.Directory(core.DirSystem); h != 0 {
		if p, ok := host.ResolveString(h); ok {
			host.Log(core.LogDebug, "tone: system directory "+string(p[:len(p)-1]))
		}
	}
	return nil
}

// LoadGame implements [core.Backend]. The tone backend needs no content.
func (b *Backend) LoadGame(core.GameInfo) error {
	b.loaded = true
	return nil
}

// AVInfo implements [core.Backend].
func (b *Backend) AVInfo() core.AVInfo {
	return core.AVInfo{
		FPS:        float64(b.fps),
		SampleRate: b.sampleRate,
	}
}

// FrameTime implements [core.FrameTimer].
func (b *Backend) FrameTime(usec int64) {
	b.elapsed += usec
}

// Elapsed returns the total frame time reported so far, in microseconds.
func (b *Backend) Elapsed() int64 { return b.elapsed }

// Run implements [core.Backend]. It emits sampleRate/fps frames on average,
// carrying the remainder between frames.
func (b *Backend) Run() {
	if !b.loaded {
		return
	}
	b.carry += b.sampleRate
	n := b.carry / b.fps
	b.carry -= n * b.fps

	period := b.sampleRate / b.frequency
	if period < 2 {
		period = 2
	}

	if cap(b.buf) < n*2 {
		b.buf = make([]int16, 0, n*2)
	}
	b.buf = b.buf[:0]
	for range n {
		v := b.amplitude
		if b.phase >= period/2 {
			v = -v
		}
		b.phase++
		if b.phase >= period {
			b.phase = 0
		}
		if b.single {
			b.host.AudioSample(v, v)
			continue
		}
		b.buf = append(b.buf, v, v)
	}
	if !b.single && len(b.buf) > 0 {
		b.host.AudioSampleBatch(b.buf)
	}
}

// Reset implements [core.Backend].
func (b *Backend) Reset() {
	b.phase = 0
	b.carry = 0
}

// UnloadGame implements [core.Backend].
func (b *Backend) UnloadGame() {
	b.loaded = false
}

// Deinit implements [core.Backend].
func (b *Backend) Deinit() {
	b.host = nil
	b.buf = nil
}
