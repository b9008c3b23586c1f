// Package mock provides an in-memory mock implementation of the [audio.Sink]
// interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values. It never pulls on its own; tests
// drive the captured consumer directly.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	// ... start a session with sink ...
//	frames := make([]audio.Frame, 150)
//	n := sink.Consumer().Fill(frames)
package mock

import (
	"sync"

	"github.com/MrWong99/retrosync/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// Sink is a mock implementation of [audio.Sink].
// Set the exported error fields before use; inspect the Call* fields after.
type Sink struct {
	mu sync.Mutex

	// StartErr is returned by [Sink.Start].
	StartErr error

	// StopErr is returned by [Sink.Stop].
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// DetachedAtStop records, for each Stop call, whether the consumer had
	// already been detached when Stop ran.
	DetachedAtStop []bool

	consumer *audio.Consumer
	running  bool
}

// Start implements [audio.Sink].
func (s *Sink) Start(c *audio.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.running {
		return audio.ErrSinkRunning
	}
	s.consumer = c
	s.running = true
	return nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	detached := s.consumer != nil && s.consumer.Detached()
	s.DetachedAtStop = append(s.DetachedAtStop, detached)
	s.running = false
	return s.StopErr
}

// Consumer returns the consumer passed to the most recent successful Start.
func (s *Sink) Consumer() *audio.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

// Running reports whether the sink has been started and not yet stopped.
func (s *Sink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
