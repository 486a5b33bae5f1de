// Package clock provides the time source used by the log, the dispatcher
// and the worker runtime, plus the total order used to rank stale work.
//
// Idle-time gating and heartbeat expiry are pure arithmetic over
// timestamps, so everything that reads "now" goes through a Clock. Tests
// swap in a Fake and move time explicitly instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of wall-clock time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock. Times are returned in UTC.
type Real struct{}

// Now returns time.Now in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// After wraps time.After.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven clock. Goroutine-safe.
//
// After advances the fake time by d and fires immediately, so code that
// waits between steps (staggered dispatch) runs instantly under test while
// the timestamps it records still reflect the waits.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the fake time to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// After advances the fake time by d and returns an already-fired channel.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	now := f.now
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// OldestFirst defines the deterministic order in which stale work is
// recovered. Entry A ranks ahead of entry B if:
//
//	claimedA < claimedB, or
//	claimedA == claimedB and idA < idB
//
// Every watchdog and runtime applying it sees the same order without
// coordinating.
func OldestFirst(claimedA time.Time, idA int64, claimedB time.Time, idB int64) bool {
	if !claimedA.Equal(claimedB) {
		return claimedA.Before(claimedB)
	}
	return idA < idB
}
