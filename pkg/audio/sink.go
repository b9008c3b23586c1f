package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrSinkRunning is returned by [Sink.Start] when the sink is already
// playing a consumer.
var ErrSinkRunning = errors.New("audio: sink already running")

// Sink is the host side of the real-time boundary: something that pulls
// output frames from a [Consumer] at its own fixed cadence.
//
// Start begins pulling from c on a goroutine owned by the sink and returns
// immediately. Stop halts pulling and returns once the sink no longer calls
// into c. A stopped sink may be started again with a new consumer.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Start(c *Consumer) error
	Stop() error
}

// defaultPacedPeriod is how often a [PacedSink] wakes up to pull.
const defaultPacedPeriod = 10 * time.Millisecond

// PacedSink pulls from a consumer at a fixed sample rate using the wall
// clock, the way an audio device would, and writes the rendered float32LE
// bytes to a writer. With [io.Discard] it keeps a headless session's ring
// from filling up.
type PacedSink struct {
	rate   int
	period time.Duration
	w      io.Writer

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPacedSink returns a sink pulling rate frames per second into w. A
// non-positive period selects 10ms.
func NewPacedSink(rate int, period time.Duration, w io.Writer) *PacedSink {
	if period <= 0 {
		period = defaultPacedPeriod
	}
	if w == nil {
		w = io.Discard
	}
	return &PacedSink{rate: rate, period: period, w: w}
}

// Start implements [Sink].
func (s *PacedSink) Start(c *Consumer) error {
	if s.rate <= 0 {
		return ErrInvalidRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return ErrSinkRunning
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(c, s.stop, s.done)
	return nil
}

// Stop implements [Sink]. Stopping an idle sink is a no-op.
func (s *PacedSink) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *PacedSink) loop(c *Consumer, stop, done chan struct{}) {
	defer close(done)

	chunk := int(int64(s.rate) * int64(s.period) / int64(time.Second))
	if chunk < 1 {
		chunk = 1
	}
	buf := make([]byte, chunk*bytesPerFrame)
	w := s.w

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	start := time.Now()
	var emitted int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// Pull what the wall clock says is due so ticker jitter does not
		// accumulate into drift.
		due := int64(time.Since(start))*int64(s.rate)/int64(time.Second) - emitted
		for due > 0 {
			n := min(due, int64(chunk))
			p := buf[:n*bytesPerFrame]
			_, _ = c.Read(p)
			if _, err := w.Write(p); err != nil {
				slog.Warn("audio: paced sink write failed, discarding further output", "err", err)
				w = io.Discard
			}
			due -= n
			emitted += n
		}
	}
}
