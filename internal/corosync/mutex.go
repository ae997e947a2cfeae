package corosync

import (
	"context"
	"sync"

	"github.com/mercadocoro/corofiber/internal/fiber"
)

// CoMutex is a mutual-exclusion lock for tasks. A contended Lock parks
// the calling task instead of blocking its goroutine outright, so the
// worker that was resuming it is free to pick up other work the
// instant the park takes effect.
type CoMutex struct {
	resumer Resumer

	guard     sync.Mutex
	owner     uint64 // 0 means unlocked
	waitQueue []*fiber.Task
}

// NewMutex builds a CoMutex whose waiters are resumed through r.
func NewMutex(r Resumer) *CoMutex {
	return &CoMutex{resumer: r}
}

// TryLock acquires the mutex only if it is immediately available.
func (m *CoMutex) TryLock(ctx context.Context) bool {
	cur := fiber.Current(ctx)
	if cur == nil {
		return false
	}
	m.guard.Lock()
	defer m.guard.Unlock()
	if m.owner == 0 {
		m.owner = cur.ID()
		return true
	}
	return false
}

// Lock acquires the mutex, parking the calling task for as long as
// another task holds it.
func (m *CoMutex) Lock(ctx context.Context) error {
	cur := fiber.Current(ctx)
	if cur == nil {
		return ErrNoTask
	}
	for {
		m.guard.Lock()
		if m.owner == 0 {
			m.owner = cur.ID()
			m.guard.Unlock()
			return nil
		}
		m.waitQueue = append(m.waitQueue, cur)
		m.guard.Unlock()
		cur.Park(fiber.StateHold)
	}
}

// Unlock releases the mutex and resumes at most one waiter.
func (m *CoMutex) Unlock() error {
	m.guard.Lock()
	if m.owner == 0 {
		m.guard.Unlock()
		return ErrNotLocked
	}
	m.owner = 0
	var next *fiber.Task
	if len(m.waitQueue) > 0 {
		next = m.waitQueue[0]
		m.waitQueue = m.waitQueue[1:]
	}
	m.guard.Unlock()
	if next != nil {
		m.resumer.Submit(next)
	}
	return nil
}

// Locked reports whether the mutex is currently held by anyone.
func (m *CoMutex) Locked() bool {
	m.guard.Lock()
	defer m.guard.Unlock()
	return m.owner != 0
}
