// Package otosink plays a session's audio on the local sound device through
// oto.
//
// oto allows a single device context per process, so the context is opened
// by the first Start and shared by every later [Sink]. All sinks in a
// process must therefore use the same sample rate.
package otosink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/retrosync/pkg/audio"
)

// ErrRateMismatch is returned by Start when the shared device context was
// opened at a different sample rate.
var ErrRateMismatch = errors.New("otosink: device already opened at a different sample rate")

// defaultBufferSize is the device buffer oto is asked for.
const defaultBufferSize = 40 * time.Millisecond

var (
	deviceMu   sync.Mutex
	device     *oto.Context
	deviceRate int
)

// openDevice returns the process-wide oto context, creating it on first use.
func openDevice(rate int, buffer time.Duration) (*oto.Context, error) {
	deviceMu.Lock()
	defer deviceMu.Unlock()

	if device != nil {
		if deviceRate != rate {
			return nil, fmt.Errorf("%w: have %d Hz, want %d Hz", ErrRateMismatch, deviceRate, rate)
		}
		return device, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("otosink: open device: %w", err)
	}
	<-ready
	device, deviceRate = ctx, rate
	return ctx, nil
}

// Option configures a [Sink].
type Option func(*Sink)

// WithBufferSize sets the device buffer duration. It only takes effect for
// the sink that opens the device.
func WithBufferSize(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.buffer = d
		}
	}
}

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// Sink is an [audio.Sink] backed by an oto player. The player pulls from the
// consumer on oto's own goroutine.
type Sink struct {
	rate   int
	buffer time.Duration

	mu     sync.Mutex
	player *oto.Player
}

// New returns a sink playing at rate frames per second. The device is not
// opened until Start.
func New(rate int, opts ...Option) (*Sink, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("otosink: %w: %d", audio.ErrInvalidRate, rate)
	}
	s := &Sink{rate: rate, buffer: defaultBufferSize}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Rate returns the output sample rate.
func (s *Sink) Rate() int { return s.rate }

// Start implements [audio.Sink].
func (s *Sink) Start(c *audio.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.player != nil {
		return audio.ErrSinkRunning
	}
	ctx, err := openDevice(s.rate, s.buffer)
	if err != nil {
		return err
	}
	p := ctx.NewPlayer(c)
	p.Play()
	s.player = p
	return nil
}

// Stop implements [audio.Sink]. It is a no-op when the sink is idle.
func (s *Sink) Stop() error {
	s.mu.Lock()
	p := s.player
	s.player = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	p.Pause()
	if err := p.Close(); err != nil {
		return fmt.Errorf("otosink: close player: %w", err)
	}
	return nil
}
