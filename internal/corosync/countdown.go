package corosync

import "context"

// CoCountDownLatch parks waiters until its counter reaches zero, the
// same shape as Java's CountDownLatch but built on CoMutex/CoCondVar
// so waiting never blocks a worker.
type CoCountDownLatch struct {
	mu    *CoMutex
	cond  *CoCondVar
	count int
}

// NewCountDownLatch builds a latch that releases its waiters once
// CountDown has been called count times.
func NewCountDownLatch(r Resumer, addTimer TimerFunc, count int) *CoCountDownLatch {
	return &CoCountDownLatch{mu: NewMutex(r), cond: NewCondVar(r, addTimer), count: count}
}

// Wait parks the caller until the latch's count reaches zero.
func (l *CoCountDownLatch) Wait(ctx context.Context) error {
	if err := l.mu.Lock(ctx); err != nil {
		return err
	}
	if l.count == 0 {
		return l.mu.Unlock()
	}
	if err := l.cond.Wait(ctx, l.mu); err != nil {
		return err
	}
	return l.mu.Unlock()
}

// CountDown decrements the latch, waking every waiter once it reaches
// zero. It returns false if the latch was already at zero.
func (l *CoCountDownLatch) CountDown(ctx context.Context) (bool, error) {
	if err := l.mu.Lock(ctx); err != nil {
		return false, err
	}
	if l.count == 0 {
		return false, l.mu.Unlock()
	}
	l.count--
	if l.count == 0 {
		l.cond.NotifyAll()
	}
	return true, l.mu.Unlock()
}

// Count returns the latch's current count.
func (l *CoCountDownLatch) Count(ctx context.Context) (int, error) {
	if err := l.mu.Lock(ctx); err != nil {
		return 0, err
	}
	c := l.count
	return c, l.mu.Unlock()
}
