package engine

import "sync/atomic"

// Clock is a monotonic logical clock stamping registry changes.
//
// Every applied create and delete takes the next seq. The checkpoint
// records the clock position and recovery resumes from it, so seq numbers
// keep increasing across restarts. Wall-clock time is never used.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Reset moves the clock to start. Used when recovery loads a checkpoint.
func (c *Clock) Reset(start int64) {
	c.seq.Store(start)
}
