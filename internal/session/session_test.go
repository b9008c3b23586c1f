package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/retrosync/internal/frameclock"
	"github.com/MrWong99/retrosync/internal/observe"
	"github.com/MrWong99/retrosync/internal/session"
	"github.com/MrWong99/retrosync/pkg/audio"
	audiomock "github.com/MrWong99/retrosync/pkg/audio/mock"
	"github.com/MrWong99/retrosync/pkg/core"
	"github.com/MrWong99/retrosync/pkg/core/mock"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	sess     *session.Session
	backend  *mock.Backend
	resolver *mock.Resolver
	registry *session.Registry
	sink     *audiomock.Sink
	clock    *fakeClock
	reader   *sdkmetric.ManualReader
}

// newHarness builds a session on worker 1 backed by a mock backend with the
// given input rate. mutate may adjust the config before the session is built.
func newHarness(t *testing.T, inputRate int, mutate func(*session.Config)) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		backend:  &mock.Backend{AVInfoResult: core.AVInfo{FPS: 60, SampleRate: inputRate}},
		registry: session.NewRegistry(),
		sink:     &audiomock.Sink{},
		clock:    newFakeClock(),
		reader:   reader,
	}
	h.resolver = &mock.Resolver{Backend: h.backend}

	cfg := session.Config{
		Worker:     1,
		Registry:   h.registry,
		Cores:      h.resolver,
		OutputRate: 48000,
		Sink:       h.sink,
		SystemDir:  "/srv/bios",
		Metrics:    m,
		Now:        h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.sess, err = session.New(cfg)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { h.sess.Stop(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(context.Background(), "mock", "/games", []string{"game.bin"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func stereo(frames int) []int16 {
	pcm := make([]int16, frames*2)
	for i := range frames {
		pcm[2*i] = int16(i * 100)
		pcm[2*i+1] = int16(-i * 100)
	}
	return pcm
}

func TestSession_BatchResampledIntoRing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	pcm := stereo(100)
	var consumed int
	h.backend.OnRun = func(host core.Host) { consumed = host.AudioSampleBatch(pcm) }
	h.start(t)

	h.sess.RunFrame()

	if consumed != 100 {
		t.Errorf("AudioSampleBatch returned %d, want 100", consumed)
	}
	st := h.sess.Stats()
	if st.Enqueued != 150 || st.Dropped != 0 {
		t.Errorf("enqueued/dropped = %d/%d, want 150/0", st.Enqueued, st.Dropped)
	}
	if st.Buffered != 150 {
		t.Errorf("Buffered = %d, want 150", st.Buffered)
	}
	if st.InputRate != 32000 || st.OutputRate != 48000 {
		t.Errorf("rates = %d -> %d, want 32000 -> 48000", st.InputRate, st.OutputRate)
	}

	out := make([]audio.Frame, 160)
	if n := h.sink.Consumer().Fill(out); n != 150 {
		t.Errorf("Fill returned %d real frames, want 150", n)
	}
	// Output index 3 maps exactly onto input index 2 at a 1.5 ratio.
	if want := audio.NormalizePair(200, -200); out[3] != want {
		t.Errorf("frame 3 = %+v, want %+v", out[3], want)
	}
	for i := 150; i < 160; i++ {
		if out[i] != audio.Silence {
			t.Fatalf("slot %d = %+v, want silence", i, out[i])
		}
	}
}

func TestSession_SinglePairMatchesBatchOfOne(t *testing.T) {
	t.Parallel()
	single := newHarness(t, 48000, nil)
	single.backend.OnRun = func(host core.Host) { host.AudioSample(1234, -4321) }
	single.start(t)
	single.sess.RunFrame()

	batch := newHarness(t, 48000, nil)
	batch.backend.OnRun = func(host core.Host) { host.AudioSampleBatch([]int16{1234, -4321}) }
	batch.start(t)
	batch.sess.RunFrame()

	a := make([]audio.Frame, 1)
	b := make([]audio.Frame, 1)
	single.sess.Consumer().Fill(a)
	batch.sess.Consumer().Fill(b)
	if a[0] != b[0] {
		t.Errorf("single %+v != batch %+v", a[0], b[0])
	}
	if want := audio.NormalizePair(1234, -4321); a[0] != want {
		t.Errorf("frame = %+v, want %+v", a[0], want)
	}
}

func TestSession_OverflowDropsAndCounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, func(c *session.Config) { c.BufferFrames = 100 })
	pcm := stereo(100)
	h.backend.OnRun = func(host core.Host) { host.AudioSampleBatch(pcm) }
	h.start(t)

	h.sess.RunFrame()

	st := h.sess.Stats()
	if st.Enqueued != 100 || st.Dropped != 50 {
		t.Errorf("enqueued/dropped = %d/%d, want 100/50", st.Enqueued, st.Dropped)
	}
	if st.Buffered != st.Capacity {
		t.Errorf("Buffered = %d, want full (%d)", st.Buffered, st.Capacity)
	}

	// Still running; the next frame drops everything without failing.
	h.sess.RunFrame()
	if got := h.sess.Stats().Dropped; got != 200 {
		t.Errorf("Dropped after second frame = %d, want 200", got)
	}
	if h.sess.State() != session.StateRunning {
		t.Errorf("State = %v after overflow, want running", h.sess.State())
	}

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sumOf(rm, "retrosync.audio.dropped"); got != 200 {
		t.Errorf("dropped metric = %d, want 200", got)
	}
}

func sumOf(rm metricdata.ResourceMetrics, name string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok && len(s.DataPoints) > 0 {
				return s.DataPoints[0].Value
			}
		}
	}
	return -1
}

func TestSession_StopTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.start(t)
	if h.registry.Len() != 1 {
		t.Fatalf("registry Len = %d after Start, want 1", h.registry.Len())
	}

	h.sess.Stop(context.Background())
	h.sess.Stop(context.Background())

	if _, ok := h.registry.Lookup(1); ok {
		t.Error("worker still registered after Stop")
	}
	if h.sess.State() != session.StateStopped {
		t.Errorf("State = %v, want stopped", h.sess.State())
	}
	calls := h.backend.Calls()
	if calls[4] != 1 || calls[5] != 1 {
		t.Errorf("unload/deinit calls = %d/%d, want 1/1", calls[4], calls[5])
	}
	if h.sink.CallCountStop != 1 {
		t.Errorf("sink Stop calls = %d, want 1", h.sink.CallCountStop)
	}
	if len(h.sink.DetachedAtStop) != 1 || !h.sink.DetachedAtStop[0] {
		t.Error("consumer was not detached before the sink stopped")
	}
}

func TestSession_RunFrameBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)

	h.sess.RunFrame()
	h.sess.Reset()

	if h.sess.State() != session.StateCreated {
		t.Errorf("State = %v, want created", h.sess.State())
	}
	if len(h.resolver.CreateCalls) != 0 {
		t.Error("RunFrame before Start created a backend")
	}
	if got := h.backend.Calls(); got != [6]int{} {
		t.Errorf("backend calls = %v, want none", got)
	}
}

func TestSession_RunFrameAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.start(t)
	h.sess.RunFrame()
	h.sess.Stop(context.Background())
	h.sess.RunFrame()

	if got := h.backend.Calls()[2]; got != 1 {
		t.Errorf("Run calls = %d, want 1", got)
	}
}

func TestSession_SecondSessionOnWorkerRejected(t *testing.T) {
	t.Parallel()
	first := newHarness(t, 32000, nil)
	first.start(t)

	second, err := session.New(session.Config{
		Worker:   1,
		Registry: first.registry,
		Cores:    &mock.Resolver{Backend: &mock.Backend{AVInfoResult: core.AVInfo{FPS: 60, SampleRate: 32000}}},
		Metrics:  observe.DefaultMetrics(),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	err = second.Start(context.Background(), "mock", "", nil)
	if !errors.Is(err, session.ErrAlreadyActive) {
		t.Fatalf("second Start err = %v, want ErrAlreadyActive", err)
	}
	if got, _ := first.registry.Lookup(1); got != first.sess {
		t.Error("registry mapping replaced by the rejected session")
	}

	// Stopping the rejected session must not evict the active one.
	second.Stop(context.Background())
	if got, _ := first.registry.Lookup(1); got != first.sess {
		t.Error("stopping the rejected session unregistered the active one")
	}
	if first.sess.State() != session.StateRunning {
		t.Errorf("first session State = %v, want running", first.sess.State())
	}
}

func TestSession_StartWhileRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.start(t)
	err := h.sess.Start(context.Background(), "mock", "", nil)
	if !errors.Is(err, session.ErrAlreadyActive) {
		t.Errorf("err = %v, want ErrAlreadyActive", err)
	}
}

func TestSession_EmptyCoreName(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	err := h.sess.Start(context.Background(), "", "/games", nil)
	if !errors.Is(err, session.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if h.registry.Len() != 0 {
		t.Error("empty core name registered a session")
	}
	if h.sess.State() != session.StateCreated {
		t.Errorf("State = %v, want created", h.sess.State())
	}
}

func TestSession_StartFailureTearsDown(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name      string
		setup     func(h *harness)
		want      error
		wantCalls [6]int // init, load, run, reset, unload, deinit
		sinkStart int
	}{
		{
			name:  "resolver fails",
			setup: func(h *harness) { h.resolver.Err = core.ErrCoreNotRegistered },
			want:  session.ErrBackendStart,
		},
		{
			name:      "init fails",
			setup:     func(h *harness) { h.backend.InitErr = boom },
			want:      session.ErrBackendStart,
			wantCalls: [6]int{1, 0, 0, 0, 0, 0},
		},
		{
			name:      "load fails",
			setup:     func(h *harness) { h.backend.LoadGameErr = boom },
			want:      session.ErrGameStart,
			wantCalls: [6]int{1, 1, 0, 0, 0, 1},
		},
		{
			name:      "invalid sample rate",
			setup:     func(h *harness) { h.backend.AVInfoResult.SampleRate = 0 },
			want:      session.ErrGameStart,
			wantCalls: [6]int{1, 1, 0, 0, 1, 1},
		},
		{
			name:      "sink fails",
			setup:     func(h *harness) { h.sink.StartErr = boom },
			want:      session.ErrAudioStart,
			wantCalls: [6]int{1, 1, 0, 0, 1, 1},
			sinkStart: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 32000, nil)
			var handle core.StringHandle
			h.backend.OnInit = func(host core.Host) { handle = host.StringHandle("content") }
			tt.setup(h)

			err := h.sess.Start(context.Background(), "mock", "/games", nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if h.registry.Len() != 0 {
				t.Error("failed start left the session registered")
			}
			if h.sess.State() != session.StateStopped {
				t.Errorf("State = %v, want stopped", h.sess.State())
			}
			if got := h.backend.Calls(); got != tt.wantCalls {
				t.Errorf("backend calls = %v, want %v", got, tt.wantCalls)
			}
			if h.sink.CallCountStart != tt.sinkStart {
				t.Errorf("sink Start calls = %d, want %d", h.sink.CallCountStart, tt.sinkStart)
			}
			if handle != 0 {
				if _, ok := h.sess.ResolveString(handle); ok {
					t.Error("string handle still valid after failed start")
				}
			}
			if h.sink.Running() {
				t.Error("sink left running after failed start")
			}
		})
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.start(t)
	h.sess.Stop(context.Background())
	h.start(t)

	if h.sess.State() != session.StateRunning {
		t.Errorf("State = %v, want running", h.sess.State())
	}
	if h.registry.Len() != 1 {
		t.Errorf("registry Len = %d, want 1", h.registry.Len())
	}
	if h.sink.CallCountStart != 2 {
		t.Errorf("sink Start calls = %d, want 2", h.sink.CallCountStart)
	}
}

func TestSession_FrameTimeBeforeFirstFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.backend.AVInfoResult.FrameTimeReference = 20 * time.Millisecond
	var atInit []int64
	h.backend.OnInit = func(host core.Host) { atInit = append(atInit, host.FrameTimeMicros()) }
	var atRun []int64
	h.backend.OnRun = func(host core.Host) { atRun = append(atRun, host.FrameTimeMicros()) }

	h.start(t)
	if got := h.sess.FrameTimeMicros(); got != 20000 {
		t.Errorf("FrameTimeMicros after Start = %d, want 20000", got)
	}
	h.sess.RunFrame()
	h.clock.Advance(17 * time.Millisecond)
	h.sess.RunFrame()
	h.sess.Stop(context.Background())

	// A restart must not leak the previous session's last delta into Init.
	h.start(t)

	want := frameclock.Micros(frameclock.DefaultReference)
	if len(atInit) != 2 || atInit[0] != want || atInit[1] != want {
		t.Errorf("FrameTimeMicros during Init = %v, want [%d %d]", atInit, want, want)
	}
	if len(atRun) != 2 || atRun[1] != 17000 {
		t.Errorf("FrameTimeMicros during frames = %v, want [20000 17000]", atRun)
	}
}

func TestSession_FrameTimeReporting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.backend.AVInfoResult.FrameTimeReference = 20 * time.Millisecond
	var seen []int64
	h.backend.OnRun = func(host core.Host) { seen = append(seen, host.FrameTimeMicros()) }
	h.start(t)

	h.sess.RunFrame()
	h.clock.Advance(17 * time.Millisecond)
	h.sess.RunFrame()
	h.clock.Advance(15 * time.Millisecond)
	h.sess.RunFrame()

	want := []int64{20000, 17000, 15000}
	for i, w := range want {
		if h.backend.FrameTimes[i] != w {
			t.Errorf("FrameTime[%d] = %d, want %d", i, h.backend.FrameTimes[i], w)
		}
		if seen[i] != w {
			t.Errorf("FrameTimeMicros during frame %d = %d, want %d", i, seen[i], w)
		}
	}

	// Reset restarts the clock, so the next frame reports the reference again.
	h.clock.Advance(40 * time.Millisecond)
	h.sess.Reset()
	h.sess.RunFrame()
	if got := h.backend.FrameTimes[3]; got != 20000 {
		t.Errorf("FrameTime after Reset = %d, want 20000", got)
	}
	if got := h.backend.Calls()[3]; got != 1 {
		t.Errorf("Reset calls = %d, want 1", got)
	}
}

func TestSession_StringHandlesLiveUntilStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	var sys, sys2, content, save, custom core.StringHandle
	h.backend.OnInit = func(host core.Host) {
		sys = host.Directory(core.DirSystem)
		sys2 = host.Directory(core.DirSystem)
		content = host.Directory(core.DirContent)
		save = host.Directory(core.DirSave)
		custom = host.StringHandle("option=value")
	}
	h.start(t)

	if sys == 0 || sys != sys2 {
		t.Errorf("system directory handles %d, %d; want equal and non-zero", sys, sys2)
	}
	if save != 0 {
		t.Errorf("unconfigured save directory = %d, want 0", save)
	}
	for _, tc := range []struct {
		h    core.StringHandle
		want string
	}{
		{sys, "/srv/bios\x00"},
		{content, "/games\x00"},
		{custom, "option=value\x00"},
	} {
		b, ok := h.sess.ResolveString(tc.h)
		if !ok || string(b) != tc.want {
			t.Errorf("ResolveString(%d) = %q, %v; want %q", tc.h, b, ok, tc.want)
		}
	}

	// Handles survive frames.
	h.sess.RunFrame()
	if _, ok := h.sess.ResolveString(custom); !ok {
		t.Error("handle released before Stop")
	}

	h.sess.Stop(context.Background())
	for _, hd := range []core.StringHandle{sys, content, custom} {
		if _, ok := h.sess.ResolveString(hd); ok {
			t.Errorf("handle %d still resolves after Stop", hd)
		}
	}
}

func TestSession_AudioBeforeReadyIsLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 32000, nil)
	h.backend.OnInit = func(host core.Host) { host.AudioSampleBatch(stereo(10)) }
	h.start(t)

	st := h.sess.Stats()
	if st.Lost != 10 || st.Enqueued != 0 {
		t.Errorf("lost/enqueued = %d/%d, want 10/0", st.Lost, st.Enqueued)
	}
}

type recordingVideo struct {
	presented int
	released  int
	lastW     int
}

func (v *recordingVideo) Present(_ []byte, w, _, _ int) { v.presented++; v.lastW = w }
func (v *recordingVideo) Release()                      { v.released++ }

type fixedInput map[[2]int]int16

func (f fixedInput) State(port, id int) int16 { return f[[2]int{port, id}] }

func TestSession_ForwardsVideoAndInput(t *testing.T) {
	t.Parallel()
	video := &recordingVideo{}
	h := newHarness(t, 32000, func(c *session.Config) {
		c.Video = video
		c.Input = fixedInput{{0, 8}: 1}
	})
	var pressed, released int16
	h.backend.OnRun = func(host core.Host) {
		host.VideoRefresh(make([]byte, 256*4), 256, 1, 1024)
		pressed = host.InputState(0, 8)
		released = host.InputState(1, 8)
	}
	h.start(t)
	h.sess.RunFrame()
	h.sess.Stop(context.Background())

	if video.presented != 1 || video.lastW != 256 {
		t.Errorf("video presented=%d width=%d, want 1 and 256", video.presented, video.lastW)
	}
	if video.released != 1 {
		t.Errorf("video released %d times, want 1", video.released)
	}
	if pressed != 1 || released != 0 {
		t.Errorf("input = %d/%d, want 1/0", pressed, released)
	}
}

func TestSession_ConsumerSilentAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 48000, nil)
	h.backend.OnRun = func(host core.Host) { host.AudioSampleBatch(stereo(64)) }
	h.start(t)
	h.sess.RunFrame()

	c := h.sess.Consumer()
	h.sess.Stop(context.Background())

	out := make([]audio.Frame, 64)
	if n := c.Fill(out); n != 0 {
		t.Errorf("Fill after Stop returned %d real frames, want 0", n)
	}
	if h.sess.Stats().Buffered != 0 {
		t.Error("ring not reset on Stop")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	res := &mock.Resolver{}
	for _, cfg := range []session.Config{
		{Worker: 1, Cores: res},
		{Worker: 1, Registry: reg},
		{Registry: reg, Cores: res},
		{Worker: 1, Registry: reg, Cores: res, OutputRate: -1},
	} {
		if _, err := session.New(cfg); !errors.Is(err, session.ErrInvalidArgument) {
			t.Errorf("New(%+v) err = %v, want ErrInvalidArgument", cfg, err)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	want := map[session.State]string{
		session.StateCreated: "created",
		session.StateStarted: "started",
		session.StateRunning: "running",
		session.StateStopped: "stopped",
		session.State(99):    "unknown",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), w)
		}
	}
}
