package session

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerID identifies a [Worker]. It stands in for a thread identity: every
// worker gets a distinct, non-zero id for the lifetime of the process.
type WorkerID uint64

var lastWorkerID atomic.Uint64

// job is a function submitted to a worker together with its completion
// signal.
type job struct {
	fn   func()
	done chan struct{}
}

// Worker is a dedicated emulation goroutine locked to one OS thread. All
// producer-side session work (Start, RunFrame, Reset, Stop and every backend
// callback) runs on it, serially.
//
// All exported methods are safe for concurrent use, except that
// [Worker.Do] must not be called from a function already running on the
// same worker.
type Worker struct {
	id   WorkerID
	jobs chan job
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewWorker starts a new worker goroutine.
func NewWorker() *Worker {
	w := &Worker{
		id:   WorkerID(lastWorkerID.Add(1)),
		jobs: make(chan job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// ID returns the worker's identity token.
func (w *Worker) ID() WorkerID { return w.id }

func (w *Worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	for {
		select {
		case j := <-w.jobs:
			j.fn()
			close(j.done)
		case <-w.quit:
			return
		}
	}
}

// Do runs fn on the worker and waits for it to return. ctx only bounds the
// wait for the worker to pick fn up; once fn has started, Do waits for it to
// finish. Returns [ErrWorkerClosed] if the worker has been closed.
func (w *Worker) Do(ctx context.Context, fn func()) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case w.jobs <- j:
	case <-w.quit:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-j.done
	return nil
}

// Close stops the worker after the function it is running, if any, returns.
// It is safe to call Close more than once.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}
