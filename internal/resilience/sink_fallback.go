package resilience

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/retrosync/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*SinkFallback)(nil)

// SinkFallback implements [audio.Sink] over an ordered list of sinks. Start
// hands the consumer to the first sink that accepts it; Stop stops that sink.
// A sink whose Start keeps failing is skipped until its breaker lets a probe
// through, so restarting a session does not retry a dead device every time.
type SinkFallback struct {
	group *FallbackGroup[audio.Sink]

	mu         sync.Mutex
	active     audio.Sink
	activeName string
}

// NewSinkFallback creates a [SinkFallback] preferring primary.
func NewSinkFallback(primary audio.Sink, primaryName string, cfg FallbackConfig) *SinkFallback {
	return &SinkFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers a sink tried when the earlier ones fail to start.
func (f *SinkFallback) AddFallback(name string, s audio.Sink) {
	f.group.AddFallback(name, s)
}

// Start implements [audio.Sink].
func (f *SinkFallback) Start(c *audio.Consumer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		return audio.ErrSinkRunning
	}

	name, err := f.group.Execute(func(s audio.Sink) error { return s.Start(c) })
	if err != nil {
		return err
	}
	for i := range f.group.entries {
		if f.group.entries[i].name == name {
			f.active = f.group.entries[i].value
			break
		}
	}
	f.activeName = name
	if name != f.group.entries[0].name {
		slog.Warn("audio sink fallback in use", "sink", name)
	}
	return nil
}

// Stop implements [audio.Sink]. Stopping an idle fallback is a no-op.
func (f *SinkFallback) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	err := f.active.Stop()
	f.active = nil
	f.activeName = ""
	return err
}

// Active returns the name of the sink currently playing, or "" when idle.
func (f *SinkFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeName
}
