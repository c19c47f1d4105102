// Package sched abstracts wall-clock time and timer scheduling so the
// reconciliation loops (heartbeats, ping expiry, playback publication) can be
// driven by a fake clock in tests.
package sched

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// CancelFunc stops a scheduled task. Calling it more than once is harmless.
type CancelFunc func()

// Scheduler schedules repeating and one-shot callbacks. Callbacks run on an
// unspecified goroutine; anything they touch must be safe for that.
type Scheduler interface {
	Clock
	// Repeat invokes fn every interval until cancelled.
	Repeat(interval time.Duration, fn func()) CancelFunc
	// After invokes fn once after delay unless cancelled first.
	After(delay time.Duration, fn func()) CancelFunc
}

// System is the production scheduler backed by the runtime timers.
type System struct{}

func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now()
}

func (*System) Repeat(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 || fn == nil {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() {
		once.Do(func() { close(stop) })
	}
}

func (*System) After(delay time.Duration, fn func()) CancelFunc {
	if fn == nil {
		return func() {}
	}
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}
