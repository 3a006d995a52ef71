package capture

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
	// After sends the current time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// RealClock uses system time.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock only moves when Advance is called. Due AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	clock    *ManualClock
	deadline time.Time
	ch       chan time.Time
	fn       func()
	stopped  bool
}

// NewManualClock creates a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a channel that fires once the clock passes now+d.
func (m *ManualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.add(&manualWaiter{deadline: m.Now().Add(d), ch: ch})
	return ch
}

// AfterFunc registers f to run once the clock passes now+d.
func (m *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	w := &manualWaiter{deadline: m.Now().Add(d), fn: f}
	m.add(w)
	return w
}

func (m *ManualClock) add(w *manualWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.clock = m
	m.waiters = append(m.waiters, w)
}

// Pending returns the number of registered, unfired waiters.
func (m *ManualClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires every waiter that is due.
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due, keep []*manualWaiter
	for _, w := range m.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(now):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	m.waiters = keep
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.ch != nil {
			w.ch <- now
			continue
		}
		w.fn()
	}
}

// Stop cancels the waiter. It reports whether the waiter was still pending.
func (w *manualWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.stopped {
		return false
	}
	for _, pending := range w.clock.waiters {
		if pending == w {
			w.stopped = true
			return true
		}
	}
	return false
}
