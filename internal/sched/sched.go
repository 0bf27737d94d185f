// Package sched abstracts one-shot timer scheduling so restart backoff,
// request timeouts, and stop grace periods can run against a virtual clock
// in tests instead of wall-clock delays.
package sched

import "time"

// Timer is a cancellable one-shot timer handle. Stop reports whether the
// timer was cancelled before firing.
type Timer interface {
	Stop() bool
}

// Scheduler creates one-shot timers. Now exists so delay computations and
// uptime checks share the scheduler's notion of time.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
	Now() time.Time
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
func (realScheduler) Now() time.Time                         { return time.Now() }

// Real returns the wall-clock scheduler backed by time.AfterFunc.
func Real() Scheduler { return realScheduler{} }
