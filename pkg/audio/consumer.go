package audio

import (
	"encoding/binary"
	"math"
	"runtime"
	"sync/atomic"
)

// bytesPerFrame is the size of one float32 little-endian stereo frame as
// rendered by [Consumer.Read].
const bytesPerFrame = 8

// Consumer is the real-time pull end of a [Ring]. Exactly one goroutine (the
// host's audio callback) may call Fill or Read at a time.
//
// Consumer never blocks and never allocates: a slot the ring cannot satisfy
// is written as [Silence] and counted as an underrun.
type Consumer struct {
	ring *Ring[Frame]

	detached  atomic.Bool
	inFlight  atomic.Int32
	underruns atomic.Uint64
	pulled    atomic.Uint64
}

// NewConsumer returns a Consumer draining ring.
func NewConsumer(ring *Ring[Frame]) *Consumer {
	return &Consumer{ring: ring}
}

// Fill writes len(dst) frames into dst and returns how many came from the
// ring. The remainder is silence.
func (c *Consumer) Fill(dst []Frame) int {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	if c.detached.Load() {
		clear(dst)
		return 0
	}

	n := 0
	for n < len(dst) {
		f, ok := c.ring.TryDequeue()
		if !ok {
			break
		}
		dst[n] = f
		n++
	}
	if n < len(dst) {
		clear(dst[n:])
		c.underruns.Add(uint64(len(dst) - n))
	}
	c.pulled.Add(uint64(n))
	return n
}

// Read renders whole frames into p as interleaved float32 little-endian
// stereo, the layout oto's FormatFloat32LE expects. It always succeeds and
// returns len(p) rounded down to a multiple of 8 bytes.
func (c *Consumer) Read(p []byte) (int, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	frames := len(p) / bytesPerFrame
	detached := c.detached.Load()
	got := 0
	for i := range frames {
		f := Silence
		if !detached {
			if v, ok := c.ring.TryDequeue(); ok {
				f = v
				got++
			}
		}
		off := i * bytesPerFrame
		binary.LittleEndian.PutUint32(p[off:], math.Float32bits(f.Left))
		binary.LittleEndian.PutUint32(p[off+4:], math.Float32bits(f.Right))
	}
	if !detached && got < frames {
		c.underruns.Add(uint64(frames - got))
	}
	c.pulled.Add(uint64(got))
	return frames * bytesPerFrame, nil
}

// Detach stops the consumer from touching the ring. It waits for a pull that
// is already running to return, so once Detach returns the ring may be reset
// or dropped. Later pulls produce silence only.
func (c *Consumer) Detach() {
	c.detached.Store(true)
	for c.inFlight.Load() != 0 {
		runtime.Gosched()
	}
}

// Detached reports whether [Consumer.Detach] has been called.
func (c *Consumer) Detached() bool { return c.detached.Load() }

// Underruns returns the number of output slots filled with silence because
// the ring was empty.
func (c *Consumer) Underruns() uint64 { return c.underruns.Load() }

// Pulled returns the number of frames taken from the ring so far.
func (c *Consumer) Pulled() uint64 { return c.pulled.Load() }
