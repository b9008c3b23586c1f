// Package mock provides an in-memory implementation of [core.Backend] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and exposes exported fields
// that the test sets to control behaviour.
//
// Typical usage:
//
//	b := &mock.Backend{
//	    AVInfoResult: core.AVInfo{FPS: 60, SampleRate: 32000},
//	    OnRun: func(h core.Host) { h.AudioSampleBatch(pcm) },
//	}
//	factory := mock.Factory(b)
package mock

import (
	"sync"

	"github.com/MrWong99/retrosync/pkg/core"
)

// Compile-time interface assertions.
var (
	_ core.Backend    = (*Backend)(nil)
	_ core.FrameTimer = (*Backend)(nil)
)

// Backend is a mock implementation of [core.Backend] and [core.FrameTimer].
// Set the exported fields before use; inspect the Call* fields after.
type Backend struct {
	mu sync.Mutex

	// InitErr is returned by [Backend.Init].
	InitErr error

	// LoadGameErr is returned by [Backend.LoadGame].
	LoadGameErr error

	// AVInfoResult is returned by [Backend.AVInfo].
	AVInfoResult core.AVInfo

	// OnInit, when set, runs inside Init with the host, before InitErr is
	// returned.
	OnInit func(core.Host)

	// OnRun, when set, runs inside Run with the host.
	OnRun func(core.Host)

	host core.Host

	// CallCountInit records how many times Init was called.
	CallCountInit int

	// CallCountLoadGame records how many times LoadGame was called.
	CallCountLoadGame int

	// CallCountRun records how many times Run was called.
	CallCountRun int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// CallCountUnloadGame records how many times UnloadGame was called.
	CallCountUnloadGame int

	// CallCountDeinit records how many times Deinit was called.
	CallCountDeinit int

	// LoadGameCalls records the argument of every LoadGame call.
	LoadGameCalls []core.GameInfo

	// FrameTimes records every delta passed to FrameTime, in microseconds.
	FrameTimes []int64
}

// Init implements [core.Backend].
func (b *Backend) Init(host core.Host) error {
	b.mu.Lock()
	b.CallCountInit++
	b.host = host
	fn := b.OnInit
	err := b.InitErr
	b.mu.Unlock()

	if fn != nil {
		fn(host)
	}
	return err
}

// LoadGame implements [core.Backend].
func (b *Backend) LoadGame(game core.GameInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountLoadGame++
	b.LoadGameCalls = append(b.LoadGameCalls, game)
	return b.LoadGameErr
}

// AVInfo implements [core.Backend].
func (b *Backend) AVInfo() core.AVInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.AVInfoResult
}

// Run implements [core.Backend].
func (b *Backend) Run() {
	b.mu.Lock()
	b.CallCountRun++
	fn := b.OnRun
	host := b.host
	b.mu.Unlock()

	if fn != nil {
		fn(host)
	}
}

// Reset implements [core.Backend].
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountReset++
}

// UnloadGame implements [core.Backend].
func (b *Backend) UnloadGame() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountUnloadGame++
}

// Deinit implements [core.Backend].
func (b *Backend) Deinit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountDeinit++
}

// FrameTime implements [core.FrameTimer].
func (b *Backend) FrameTime(usec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FrameTimes = append(b.FrameTimes, usec)
}

// Calls returns a snapshot of the lifecycle call counts in the order
// init, loadGame, run, reset, unloadGame, deinit.
func (b *Backend) Calls() [6]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return [6]int{
		b.CallCountInit, b.CallCountLoadGame, b.CallCountRun,
		b.CallCountReset, b.CallCountUnloadGame, b.CallCountDeinit,
	}
}

// Factory returns a [core.Factory] that always hands out b.
func Factory(b core.Backend) core.Factory {
	return func(core.Options) (core.Backend, error) { return b, nil }
}

// Resolver is a mock [core.Resolver] that hands out a fixed backend.
type Resolver struct {
	mu sync.Mutex

	// Backend is returned by CreateCore when Err is nil.
	Backend core.Backend

	// Err is returned by CreateCore.
	Err error

	// CreateCalls records the names passed to CreateCore.
	CreateCalls []string
}

// CreateCore implements [core.Resolver].
func (r *Resolver) CreateCore(name string, _ core.Options) (core.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateCalls = append(r.CreateCalls, name)
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Backend, nil
}
