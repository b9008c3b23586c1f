// Package frameclock reports per-frame elapsed wall-clock time to an
// emulation backend.
//
// The first measurement after [Clock.Restart] is not a real measurement: it
// returns the reference interval the backend declared, so the backend never
// sees a near-zero delta when pacing has just begun.
package frameclock

import (
	"sync"
	"time"
)

// DefaultReference is used when the backend declares no preferred interval.
const DefaultReference = time.Second / 60

// Clock measures the wall-clock delta between consecutive frames.
// All methods are safe for concurrent use, although in practice only the
// worker goroutine advances it.
type Clock struct {
	now func() time.Time

	mu        sync.Mutex
	reference time.Duration
	last      time.Time // zero until the first measurement after Restart
	lastDelta time.Duration
}

// Option configures a [Clock] during construction.
type Option func(*Clock)

// WithNow replaces the time source. Tests use it to drive the clock by hand.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Clock whose fallback interval is reference. A non-positive
// reference selects [DefaultReference].
func New(reference time.Duration, opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.SetReference(reference)
	return c
}

// SetReference replaces the backend-declared reference interval.
func (c *Clock) SetReference(d time.Duration) {
	if d <= 0 {
		d = DefaultReference
	}
	c.mu.Lock()
	c.reference = d
	c.mu.Unlock()
}

// Reference returns the current reference interval.
func (c *Clock) Reference() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reference
}

// Restart begins a new measurement run. The next [Clock.ElapsedAndAdvance]
// returns the reference interval and takes its own timestamp as the baseline.
func (c *Clock) Restart() {
	c.mu.Lock()
	c.last = time.Time{}
	c.lastDelta = 0
	c.mu.Unlock()
}

// ElapsedAndAdvance returns the time since the previous call and moves the
// baseline to now. Without a previous timestamp it returns the reference
// interval instead. The result is never negative.
func (c *Clock) ElapsedAndAdvance() time.Duration {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var d time.Duration
	if c.last.IsZero() {
		d = c.reference
	} else {
		d = now.Sub(c.last)
		if d < 0 {
			d = 0
		}
	}
	c.last = now
	c.lastDelta = d
	return d
}

// Last returns the delta produced by the most recent
// [Clock.ElapsedAndAdvance], or zero right after [Clock.Restart].
func (c *Clock) Last() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDelta
}

// Micros converts d into the microsecond unit backends expect.
func Micros(d time.Duration) int64 {
	return int64(d / time.Microsecond)
}
