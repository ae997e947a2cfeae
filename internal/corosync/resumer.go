// Package corosync implements the coroutine-aware synchronization
// primitives tasks use to coordinate with one another: CoMutex,
// CoCondVar, a generic bounded Channel, and the CoSemaphore and
// CoCountDownLatch built on top of them. Every blocking call here
// parks the calling task (via fiber.Task.Park) instead of blocking an
// OS thread, so contention never reduces the scheduler's concurrency.
package corosync

import (
	"errors"
	"time"

	"github.com/mercadocoro/corofiber/internal/fiber"
)

// ErrNoTask is returned by any blocking call made from a goroutine
// that is not running as a scheduled task — these primitives only make
// sense from inside one, since parking requires a task to resume.
var ErrNoTask = errors.New("corosync: must be called from within a task")

// ErrNotLocked is returned by Unlock on a CoMutex that is not held.
var ErrNotLocked = errors.New("corosync: unlock of unlocked mutex")

// ErrClosed names the closed-channel condition. Channel operations
// performed after Close do not return it: they report closure through
// their ok=false result with a nil error.
var ErrClosed = errors.New("corosync: channel is closed")

// Resumer is the minimal scheduler surface these primitives need:
// the ability to make a parked task runnable again. *scheduler.Scheduler
// and *scheduler.Poller both satisfy it.
type Resumer interface {
	Submit(t *fiber.Task)
}

// TimerFunc schedules cb to run after d and returns a function that
// cancels it if it hasn't fired yet. Built from a *scheduler.TimerWheel
// at the call site, e.g.:
//
//	addTimer := func(d time.Duration, cb func()) func() bool {
//	    timer := wheel.AddTimer(d, cb, false)
//	    return timer.Cancel
//	}
type TimerFunc func(d time.Duration, cb func()) func() bool
