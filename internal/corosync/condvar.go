package corosync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mercadocoro/corofiber/internal/fiber"
)

// ErrNoTimerSource is returned by WaitFor on a condition variable built
// without a TimerFunc.
var ErrNoTimerSource = errors.New("corosync: condvar has no timer source")

// CoCondVar is a condition variable for tasks, used together with a
// CoMutex the way sync.Cond pairs with a sync.Locker.
type CoCondVar struct {
	resumer  Resumer
	addTimer TimerFunc

	guard     sync.Mutex
	waitQueue []*fiber.Task
}

// NewCondVar builds a CoCondVar. addTimer may be nil if WaitFor will
// never be called on it.
func NewCondVar(r Resumer, addTimer TimerFunc) *CoCondVar {
	return &CoCondVar{resumer: r, addTimer: addTimer}
}

// Wait releases m, parks the calling task until notified, then
// reacquires m before returning. Pass a nil m to wait without an
// associated mutex.
func (c *CoCondVar) Wait(ctx context.Context, m *CoMutex) error {
	cur := fiber.Current(ctx)
	if cur == nil {
		return ErrNoTask
	}
	c.guard.Lock()
	c.waitQueue = append(c.waitQueue, cur)
	c.guard.Unlock()

	if m != nil {
		if err := m.Unlock(); err != nil {
			return err
		}
	}
	cur.Park(fiber.StateHold)
	if m != nil {
		return m.Lock(ctx)
	}
	return nil
}

// WaitFor behaves like Wait but gives up after timeout, returning
// false instead of true when it times out.
func (c *CoCondVar) WaitFor(ctx context.Context, m *CoMutex, timeout time.Duration) (bool, error) {
	cur := fiber.Current(ctx)
	if cur == nil {
		return false, ErrNoTask
	}
	if c.addTimer == nil {
		return false, ErrNoTimerSource
	}

	c.guard.Lock()
	c.waitQueue = append(c.waitQueue, cur)
	c.guard.Unlock()

	var timedOut atomic.Bool
	cancel := c.addTimer(timeout, func() {
		c.guard.Lock()
		idx := c.indexOf(cur)
		if idx < 0 {
			c.guard.Unlock()
			return
		}
		c.waitQueue = append(c.waitQueue[:idx], c.waitQueue[idx+1:]...)
		c.guard.Unlock()
		timedOut.Store(true)
		c.resumer.Submit(cur)
	})

	if m != nil {
		if err := m.Unlock(); err != nil {
			return false, err
		}
	}
	cur.Park(fiber.StateHold)
	cancel()

	if m != nil {
		if err := m.Lock(ctx); err != nil {
			return false, err
		}
	}
	return !timedOut.Load(), nil
}

// Notify resumes a single waiting task, if any.
func (c *CoCondVar) Notify() {
	c.guard.Lock()
	var next *fiber.Task
	if len(c.waitQueue) > 0 {
		next = c.waitQueue[0]
		c.waitQueue = c.waitQueue[1:]
	}
	c.guard.Unlock()
	if next != nil {
		c.resumer.Submit(next)
	}
}

// NotifyAll resumes every waiting task.
func (c *CoCondVar) NotifyAll() {
	c.guard.Lock()
	q := c.waitQueue
	c.waitQueue = nil
	c.guard.Unlock()
	for _, t := range q {
		c.resumer.Submit(t)
	}
}

func (c *CoCondVar) indexOf(t *fiber.Task) int {
	for i, q := range c.waitQueue {
		if q == t {
			return i
		}
	}
	return -1
}
