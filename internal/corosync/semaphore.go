package corosync

import "context"

// CoSemaphore is a counting semaphore for tasks, built on CoMutex and
// CoCondVar exactly as the original layers its coroutine semaphore on
// its coroutine mutex and condition variable.
type CoSemaphore struct {
	mu   *CoMutex
	cond *CoCondVar

	max  uint32
	used uint32
}

// NewSemaphore builds a CoSemaphore that admits up to n concurrent
// holders.
func NewSemaphore(r Resumer, addTimer TimerFunc, n uint32) *CoSemaphore {
	return &CoSemaphore{mu: NewMutex(r), cond: NewCondVar(r, addTimer), max: n}
}

// Wait acquires a permit, parking the caller while none are available.
func (s *CoSemaphore) Wait(ctx context.Context) error {
	if err := s.mu.Lock(ctx); err != nil {
		return err
	}
	for s.used >= s.max {
		if err := s.cond.Wait(ctx, s.mu); err != nil {
			return err
		}
	}
	s.used++
	return s.mu.Unlock()
}

// Notify releases a permit and wakes one waiter.
func (s *CoSemaphore) Notify(ctx context.Context) error {
	if err := s.mu.Lock(ctx); err != nil {
		return err
	}
	if s.used > 0 {
		s.used--
	}
	s.cond.Notify()
	return s.mu.Unlock()
}
