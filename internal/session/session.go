// Package session drives one emulation backend on a dedicated worker and
// bridges its audio to a real-time consumer.
//
// A [Session] owns a frame clock, a string handle arena, a resampler and a
// ring buffer. The producer side (Start, RunFrame, Reset, Stop and every
// [core.Host] callback) must run on the session's [Worker]. The consumer
// side is the [audio.Consumer] handed to the configured [audio.Sink], which
// pulls on its own goroutine and never blocks the worker.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/retrosync/internal/arena"
	"github.com/MrWong99/retrosync/internal/frameclock"
	"github.com/MrWong99/retrosync/internal/observe"
	"github.com/MrWong99/retrosync/pkg/audio"
	"github.com/MrWong99/retrosync/pkg/core"
)

// DefaultOutputRate is the host output rate used when [Config.OutputRate]
// is zero.
const DefaultOutputRate = 48000

// State is a session lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VideoSink receives rendered frames from the backend. Presentation is
// outside the session; it only forwards.
type VideoSink interface {
	// Present hands over a frame. frame is only valid during the call.
	Present(frame []byte, width, height, pitch int)

	// Release drops any frame the sink retained. The sink stays usable.
	Release()
}

// InputSource answers backend input polls.
type InputSource interface {
	State(port, id int) int16
}

// Config holds all dependencies for a [Session].
type Config struct {
	// Worker is the identity of the worker the session runs on. Required.
	Worker WorkerID

	// Registry enforces one session per worker. Required.
	Registry *Registry

	// Cores creates backends by name. Required.
	Cores core.Resolver

	// CoreOptions is passed to the backend factory.
	CoreOptions core.Options

	// OutputRate is the host output sample rate. Default: [DefaultOutputRate].
	OutputRate int

	// BufferFrames is the ring capacity. Default: [audio.DefaultRingCapacity].
	BufferFrames int

	// Sink pulls audio on the host side. Optional; without it the ring is
	// only drained through [Session.Consumer].
	Sink audio.Sink

	// Video and Input are optional collaborators.
	Video VideoSink
	Input InputSource

	// SystemDir and SaveDir are reported through [core.Host.Directory].
	SystemDir string
	SaveDir   string

	// Metrics records session instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now is the clock source. Default: [time.Now].
	Now func() time.Time
}

// Stats is a point-in-time snapshot of a session's counters. It is safe to
// request from any goroutine.
type Stats struct {
	State      State
	Core       string
	InputRate  int
	OutputRate int

	// Frames is the number of RunFrame steps executed.
	Frames uint64

	// Enqueued and Dropped count resampled frames written to and rejected
	// by the ring.
	Enqueued uint64
	Dropped  uint64

	// Lost counts input frames pushed before the audio pipeline was ready.
	Lost uint64

	// Buffered is the current ring occupancy; Capacity its size.
	Buffered int
	Capacity int

	// Underruns counts output slots the consumer filled with silence.
	Underruns uint64
}

// Session is one lifecycle of a backend and its game on one worker.
type Session struct {
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time

	state atomic.Int32

	run atomic.Pointer[runInfo]

	// Set on Start, cleared on Stop. Producer side only.
	gameDir    string
	log        *slog.Logger
	backend    core.Backend
	inited     bool
	loaded     bool
	registered bool
	sinking    bool
	resampler  *audio.Resampler
	dirs       [3]core.StringHandle
	metricReg  metric.Registration
	frameAttrs metric.MeasurementOption

	clock    *frameclock.Clock
	arena    *arena.Arena
	ring     *audio.Ring[audio.Frame]
	consumer atomic.Pointer[audio.Consumer]

	// Scratch buffers reused across audio callbacks.
	norm []audio.Frame
	out  []audio.Frame

	frames    atomic.Uint64
	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	lost      atomic.Uint64
	inputRate atomic.Int64
}

// New creates a session in [StateCreated]. Nothing is acquired until
// [Session.Start].
func New(cfg Config) (*Session, error) {
	if cfg.Registry == nil || cfg.Cores == nil {
		return nil, fmt.Errorf("%w: registry and core resolver are required", ErrInvalidArgument)
	}
	if cfg.Worker == 0 {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}
	if cfg.OutputRate == 0 {
		cfg.OutputRate = DefaultOutputRate
	}
	if cfg.OutputRate < 0 {
		return nil, fmt.Errorf("%w: output rate %d", ErrInvalidArgument, cfg.OutputRate)
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = audio.DefaultRingCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	s := &Session{
		cfg:     cfg,
		metrics: m,
		now:     cfg.Now,
		clock:   frameclock.New(frameclock.DefaultReference, frameclock.WithNow(cfg.Now)),
		arena:   arena.New(),
		ring:    audio.NewRing[audio.Frame](cfg.BufferFrames),
		log:     slog.Default(),
	}
	// A fresh consumer is always available so Consumer never returns nil.
	s.consumer.Store(audio.NewConsumer(s.ring))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// runInfo identifies one Start..Stop run.
type runInfo struct {
	id   string
	core string
}

// ID returns the id of the current or most recent run, or "" before the
// first Start.
func (s *Session) ID() string {
	if r := s.run.Load(); r != nil {
		return r.id
	}
	return ""
}

// Consumer returns the real-time pull end of the audio ring. After Stop the
// returned consumer only produces silence; the next Start creates a new one.
func (s *Session) Consumer() *audio.Consumer { return s.consumer.Load() }

// Start creates the named backend, initialises it, loads the game and starts
// audio. On any failure everything acquired so far is torn down before the
// error is returned, and the session ends in [StateStopped].
//
// Start is allowed from [StateCreated] or [StateStopped].
func (s *Session) Start(ctx context.Context, coreName, gameDir string, gameFiles []string) (err error) {
	if coreName == "" {
		return fmt.Errorf("%w: empty core name", ErrInvalidArgument)
	}
	switch st := s.State(); st {
	case StateCreated, StateStopped:
	default:
		return fmt.Errorf("%w: session %s is %s", ErrAlreadyActive, s.ID(), st)
	}

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("core", coreName),
			attribute.Int("worker", int(s.cfg.Worker)),
		),
	)
	defer func() { observe.EndSpan(span, err) }()

	if !s.cfg.Registry.Register(s.cfg.Worker, s) {
		s.metrics.RecordStartFailure(ctx, "already_active")
		return fmt.Errorf("%w: worker %d", ErrAlreadyActive, s.cfg.Worker)
	}
	s.registered = true

	id := fmt.Sprintf("%s-%d-%s", coreName, s.cfg.Worker, s.now().UTC().Format("20060102T150405Z"))
	s.run.Store(&runInfo{id: id, core: coreName})
	s.gameDir = gameDir
	s.log = observe.Logger(ctx).With("session_id", id, "core", coreName)
	s.dirs = [3]core.StringHandle{}
	s.frames.Store(0)
	s.enqueued.Store(0)
	s.dropped.Store(0)
	s.lost.Store(0)
	s.inputRate.Store(0)
	s.clock.SetReference(frameclock.DefaultReference)
	s.clock.Restart()
	s.state.Store(int32(StateStarted))

	fail := func(reason string, sentinel, cause error) error {
		s.metrics.RecordStartFailure(ctx, reason)
		s.log.Warn("session: start failed, tearing down", "reason", reason, "err", cause)
		s.teardown()
		return fmt.Errorf("%w: %w", sentinel, cause)
	}

	backend, err := s.cfg.Cores.CreateCore(coreName, s.cfg.CoreOptions)
	if err != nil {
		return fail("backend", ErrBackendStart, err)
	}
	s.backend = backend

	if err := backend.Init(s); err != nil {
		return fail("backend", ErrBackendStart, err)
	}
	s.inited = true

	if err := backend.LoadGame(core.GameInfo{Dir: gameDir, Files: gameFiles}); err != nil {
		return fail("game", ErrGameStart, err)
	}
	s.loaded = true

	info := backend.AVInfo()
	resampler, err := audio.NewResampler(info.SampleRate, s.cfg.OutputRate)
	if err != nil {
		return fail("game", ErrGameStart, err)
	}
	s.resampler = resampler
	s.inputRate.Store(int64(info.SampleRate))
	s.clock.SetReference(info.FrameInterval())

	consumer := audio.NewConsumer(s.ring)
	s.consumer.Store(consumer)
	if s.cfg.Sink != nil {
		if err := s.cfg.Sink.Start(consumer); err != nil {
			return fail("audio", ErrAudioStart, err)
		}
		s.sinking = true
	}

	reg, err := s.metrics.ObserveAudio(id, audioSource{ring: s.ring, consumer: consumer})
	if err != nil {
		s.log.Warn("session: observe audio", "err", err)
	}
	s.metricReg = reg
	s.frameAttrs = metric.WithAttributeSet(attribute.NewSet(attribute.String("core", coreName)))

	s.clock.Restart()
	s.state.Store(int32(StateRunning))
	s.metrics.ActiveSessions.Add(ctx, 1)

	s.log.Info("session started",
		"game_dir", gameDir,
		"game_files", len(gameFiles),
		"audio", audio.FormatString(audio.Format{SampleRate: info.SampleRate, Channels: 2}),
		"output_rate", s.cfg.OutputRate,
		"fps", info.FPS,
		"frame_reference", s.clock.Reference(),
	)
	return nil
}

// RunFrame advances the frame clock, reports the delta to the backend and
// executes exactly one backend frame. It is a no-op unless the session is
// running.
func (s *Session) RunFrame() {
	if s.State() != StateRunning {
		return
	}
	delta := s.clock.ElapsedAndAdvance()
	if ft, ok := s.backend.(core.FrameTimer); ok {
		ft.FrameTime(frameclock.Micros(delta))
	}

	start := s.now()
	s.backend.Run()
	run := s.now().Sub(start)

	s.frames.Add(1)
	ctx := context.Background()
	s.metrics.Frames.Add(ctx, 1, s.frameAttrs)
	s.metrics.FrameDuration.Record(ctx, run.Seconds(), s.frameAttrs)
	s.metrics.FrameDelta.Record(ctx, delta.Seconds(), s.frameAttrs)
}

// FrameInterval returns the backend's nominal frame duration, or the
// 60 fps default before the first Start. Call it on the session's worker.
func (s *Session) FrameInterval() time.Duration { return s.clock.Reference() }

// Reset soft-resets the backend and restarts the frame clock. It is a no-op
// unless the session is running.
func (s *Session) Reset() {
	if s.State() != StateRunning {
		return
	}
	s.backend.Reset()
	s.clock.Restart()
	s.log.Info("session reset")
}

// Stop tears the session down and unregisters it. It is idempotent and a
// no-op on a session that never started.
func (s *Session) Stop(ctx context.Context) {
	switch s.State() {
	case StateCreated, StateStopped:
		return
	}
	_, span := observe.StartSpan(ctx, "session.stop",
		trace.WithAttributes(attribute.String("session_id", s.ID())),
	)
	defer span.End()

	wasRunning := s.State() == StateRunning
	st := s.Stats()
	s.teardown()
	if wasRunning {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	s.log.Info("session stopped",
		"frames", st.Frames,
		"enqueued", st.Enqueued,
		"dropped", st.Dropped,
		"underruns", st.Underruns,
	)
}

// teardown releases everything in dependency order. Audio pulling is
// stopped before the ring is reset, and the arena is released only after
// the backend can no longer read from it.
func (s *Session) teardown() {
	if s.backend != nil {
		if s.loaded {
			s.backend.UnloadGame()
		}
		if s.inited {
			s.backend.Deinit()
		}
	}
	s.backend = nil
	s.loaded = false
	s.inited = false

	if s.metricReg != nil {
		if err := s.metricReg.Unregister(); err != nil {
			s.log.Warn("session: unregister audio metrics", "err", err)
		}
		s.metricReg = nil
	}

	s.consumer.Load().Detach()
	if s.sinking {
		if err := s.cfg.Sink.Stop(); err != nil {
			s.log.Warn("session: audio sink stop", "err", err)
		}
		s.sinking = false
	}
	s.ring.Reset()
	s.resampler = nil

	if s.cfg.Video != nil {
		s.cfg.Video.Release()
	}

	if n := s.arena.ReleaseAll(); n > 0 {
		s.log.Debug("session: released string handles", "count", n)
	}
	s.dirs = [3]core.StringHandle{}

	if s.registered {
		s.cfg.Registry.Unregister(s.cfg.Worker)
		s.registered = false
	}
	s.state.Store(int32(StateStopped))
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	c := s.consumer.Load()
	var coreName string
	if r := s.run.Load(); r != nil {
		coreName = r.core
	}
	return Stats{
		State:      s.State(),
		Core:       coreName,
		InputRate:  int(s.inputRate.Load()),
		OutputRate: s.cfg.OutputRate,
		Frames:     s.frames.Load(),
		Enqueued:   s.enqueued.Load(),
		Dropped:    s.dropped.Load(),
		Lost:       s.lost.Load(),
		Buffered:   s.ring.Len(),
		Capacity:   s.ring.Cap(),
		Underruns:  c.Underruns(),
	}
}

// audioSource adapts one run's ring and consumer to [observe.AudioSource].
type audioSource struct {
	ring     *audio.Ring[audio.Frame]
	consumer *audio.Consumer
}

func (a audioSource) BufferedFrames() int { return a.ring.Len() }
func (a audioSource) Underruns() uint64   { return a.consumer.Underruns() }
