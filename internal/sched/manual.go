package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Timers fire only when
// Advance moves the virtual clock past their deadline; callbacks run
// synchronously on the advancing goroutine, outside the internal lock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*manualTimer
}

type manualTimer struct {
	owner    *Manual
	id       int
	deadline time.Time
	fn       func()
}

// NewManual creates a virtual-clock scheduler starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[int]*manualTimer)}
}

func (m *Manual) After(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, id: m.seq, deadline: m.now.Add(d), fn: fn}
	m.timers[t.id] = t
	return t
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward and fires every timer whose deadline has
// passed, in deadline order. Timers scheduled by fired callbacks are honored
// within the same Advance when they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		var due *manualTimer
		for _, t := range m.timers {
			if t.deadline.After(target) {
				continue
			}
			if due == nil || t.deadline.Before(due.deadline) || (t.deadline.Equal(due.deadline) && t.id < due.id) {
				due = t
			}
		}
		if due == nil {
			break
		}
		delete(m.timers, due.id)
		if due.deadline.After(m.now) {
			m.now = due.deadline
		}
		m.mu.Unlock()
		due.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

// Deadlines lists pending deadlines in ascending order; used by tests to
// assert computed backoff delays.
func (m *Manual) Deadlines() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, t.deadline)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.timers[t.id]; !ok {
		return false
	}
	delete(t.owner.timers, t.id)
	return true
}
