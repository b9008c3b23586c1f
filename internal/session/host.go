package session

import (
	"context"
	"log/slog"

	"github.com/MrWong99/retrosync/internal/arena"
	"github.com/MrWong99/retrosync/internal/frameclock"
	"github.com/MrWong99/retrosync/pkg/audio"
	"github.com/MrWong99/retrosync/pkg/core"
)

// Compile-time interface assertion.
var _ core.Host = (*Session)(nil)

// AudioSample implements [core.Host]. A single pair goes through the same
// resampling path as a batch of one.
func (s *Session) AudioSample(left, right int16) {
	s.norm = append(s.norm[:0], audio.NormalizePair(left, right))
	s.push(s.norm)
}

// AudioSampleBatch implements [core.Host]. It always reports every whole
// frame as consumed; frames that do not fit the ring are dropped and counted.
func (s *Session) AudioSampleBatch(pcm []int16) int {
	s.norm = audio.Normalize(s.norm[:0], pcm)
	s.push(s.norm)
	return len(pcm) / 2
}

// push resamples in and enqueues the result. On a full ring the remaining
// frames are dropped; the worker never waits for the consumer.
func (s *Session) push(in []audio.Frame) {
	if len(in) == 0 {
		return
	}
	if s.resampler == nil {
		s.lost.Add(uint64(len(in)))
		return
	}
	s.out = s.resampler.Convert(s.out[:0], in)

	enqueued := 0
	for _, f := range s.out {
		if !s.ring.TryEnqueue(f) {
			break
		}
		enqueued++
	}
	dropped := len(s.out) - enqueued

	s.enqueued.Add(uint64(enqueued))
	if dropped > 0 {
		s.dropped.Add(uint64(dropped))
	}
	s.metrics.RecordAudio(context.Background(), enqueued, dropped)
}

// FrameTimeMicros implements [core.Host]. Before the first frame it reports
// the reference interval, as the clock's first measurement would.
func (s *Session) FrameTimeMicros() int64 {
	if d := s.clock.Last(); d > 0 {
		return frameclock.Micros(d)
	}
	return frameclock.Micros(s.clock.Reference())
}

// StringHandle implements [core.Host]. The bytes stay valid until Stop.
func (s *Session) StringHandle(str string) core.StringHandle {
	return core.StringHandle(s.arena.Alloc(str))
}

// ResolveString implements [core.Host].
func (s *Session) ResolveString(h core.StringHandle) ([]byte, bool) {
	return s.arena.Bytes(arena.Handle(h))
}

// Directory implements [core.Host]. Each path is allocated at most once per
// run; an unconfigured path yields zero.
func (s *Session) Directory(kind core.Directory) core.StringHandle {
	if kind < 0 || int(kind) >= len(s.dirs) {
		return 0
	}
	if h := s.dirs[kind]; h != 0 {
		return h
	}
	var path string
	switch kind {
	case core.DirSystem:
		path = s.cfg.SystemDir
	case core.DirSave:
		path = s.cfg.SaveDir
	case core.DirContent:
		path = s.gameDir
	}
	if path == "" {
		return 0
	}
	h := s.StringHandle(path)
	s.dirs[kind] = h
	return h
}

// VideoRefresh implements [core.Host].
func (s *Session) VideoRefresh(frame []byte, width, height, pitch int) {
	if s.cfg.Video != nil {
		s.cfg.Video.Present(frame, width, height, pitch)
	}
}

// InputState implements [core.Host]. Without an input source every button
// reads as released.
func (s *Session) InputState(port, id int) int16 {
	if s.cfg.Input == nil {
		return 0
	}
	return s.cfg.Input.State(port, id)
}

// Log implements [core.Host].
func (s *Session) Log(level core.LogLevel, msg string) {
	var l slog.Level
	switch level {
	case core.LogDebug:
		l = slog.LevelDebug
	case core.LogWarn:
		l = slog.LevelWarn
	case core.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	s.log.Log(context.Background(), l, msg, "source", "backend")
}
