package audio

import (
	"errors"
	"sync/atomic"
)

// DefaultRingCapacity is the number of frames a [Ring] holds when no explicit
// capacity is configured.
const DefaultRingCapacity = 65535

var (
	// ErrBufferFull is returned by [Ring.Enqueue] when occupancy equals capacity.
	ErrBufferFull = errors.New("audio: ring buffer full")

	// ErrBufferEmpty is returned by [Ring.Dequeue] when the ring holds nothing.
	ErrBufferEmpty = errors.New("audio: ring buffer empty")
)

// Ring is a fixed-capacity circular queue for exactly one producer goroutine
// and one consumer goroutine.
//
// The producer owns tail and the consumer owns head; the only shared state is
// the occupancy counter, which is updated atomically after the slot write (or
// read) it publishes. Neither side ever waits on the other.
type Ring[T any] struct {
	buf   []T
	head  int // next slot to read; consumer-owned
	tail  int // next slot to write; producer-owned
	count atomic.Int64
}

// NewRing returns an empty ring holding up to capacity values. A non-positive
// capacity selects [DefaultRingCapacity].
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Enqueue writes v at the tail. It returns [ErrBufferFull] and leaves the ring
// unchanged when there is no free slot.
func (r *Ring[T]) Enqueue(v T) error {
	if !r.TryEnqueue(v) {
		return ErrBufferFull
	}
	return nil
}

// TryEnqueue is [Ring.Enqueue] without the error value, for hot paths.
func (r *Ring[T]) TryEnqueue(v T) bool {
	if int(r.count.Load()) >= len(r.buf) {
		return false
	}
	r.buf[r.tail] = v
	r.tail++
	if r.tail == len(r.buf) {
		r.tail = 0
	}
	r.count.Add(1)
	return true
}

// Dequeue reads the value at the head. It returns [ErrBufferEmpty] and leaves
// the ring unchanged when nothing is buffered.
func (r *Ring[T]) Dequeue() (T, error) {
	v, ok := r.TryDequeue()
	if !ok {
		return v, ErrBufferEmpty
	}
	return v, nil
}

// TryDequeue is [Ring.Dequeue] without the error value, for hot paths.
func (r *Ring[T]) TryDequeue() (T, bool) {
	var zero T
	if r.count.Load() == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.head++
	if r.head == len(r.buf) {
		r.head = 0
	}
	r.count.Add(-1)
	return v, true
}

// Len reports the number of buffered values.
func (r *Ring[T]) Len() int { return int(r.count.Load()) }

// Cap reports the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// IsEmpty reports whether Len is zero.
func (r *Ring[T]) IsEmpty() bool { return r.Len() == 0 }

// IsFull reports whether Len equals Cap.
func (r *Ring[T]) IsFull() bool { return r.Len() >= len(r.buf) }

// Reset discards everything buffered. Both producer and consumer must be idle.
func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.head = 0
	r.tail = 0
	r.count.Store(0)
}
