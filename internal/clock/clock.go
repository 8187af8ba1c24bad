// Package clock provides the monotonic wall-clock source and record ID
// generation used across the sync core.
package clock

import (
	"sync"
	"time"
)

// Clock returns milliseconds since epoch. Implementations must never go
// backward within a process.
type Clock interface {
	NowMillis() int64
}

// System is the production clock. It pins its reads to be non-decreasing even
// if the wall clock steps backward (NTP adjustment, VM migration).
type System struct {
	mu   sync.Mutex
	last int64
}

// NewSystem returns a monotonic system clock.
func NewSystem() *System {
	return &System{}
}

// NowMillis returns the current time in milliseconds since epoch, clamped so
// consecutive calls never decrease.
func (c *System) NowMillis() int64 {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now <= c.last {
		c.last++
		return c.last
	}
	c.last = now
	return now
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now int64
}

// NewFake returns a fake clock starting at the given millisecond timestamp.
func NewFake(start int64) *Fake {
	return &Fake{now: start}
}

// NowMillis returns the fake time.
func (c *Fake) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Set pins the fake clock to a specific millisecond timestamp.
func (c *Fake) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// FormatMillis renders a millisecond timestamp as UTC RFC3339 with millisecond
// precision. The output is stable across platforms, so it is safe to compare
// as a string.
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// TimestampKey renders a millisecond timestamp as yyyymmdd_HHMMSS in UTC.
// Used for time-keyed object store prefixes.
func TimestampKey(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("20060102_150405")
}

// DateKey renders a millisecond timestamp as yyyymmdd in UTC. Used for the
// append-only record log layout.
func DateKey(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("20060102")
}
