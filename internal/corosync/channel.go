package corosync

import (
	"context"
	"sync"
	"time"
)

// Channel is a bounded, closable queue used for communication between
// tasks. Unlike a native Go channel, Push and Pop park the calling
// task cooperatively rather than blocking its goroutine, and Len/Cap
// are safe to call from any goroutine for introspection (metrics,
// tests) without needing a task context.
type Channel[T any] struct {
	mu     *CoMutex
	pushCv *CoCondVar
	popCv  *CoCondVar

	capacity int

	introspect sync.Mutex // guards queue/closed for non-task readers only
	closed     bool
	queue      []T
}

// NewChannel builds a Channel with the given buffer capacity.
func NewChannel[T any](r Resumer, addTimer TimerFunc, capacity int) *Channel[T] {
	return &Channel[T]{
		mu:       NewMutex(r),
		pushCv:   NewCondVar(r, addTimer),
		popCv:    NewCondVar(r, addTimer),
		capacity: capacity,
	}
}

// Push enqueues v, parking the caller while the buffer is full. It
// returns false if the channel was already closed.
func (c *Channel[T]) Push(ctx context.Context, v T) (bool, error) {
	if err := c.mu.Lock(ctx); err != nil {
		return false, err
	}
	if c.isClosed() {
		return false, c.mu.Unlock()
	}
	for c.len() >= c.capacity {
		if err := c.pushCv.Wait(ctx, c.mu); err != nil {
			return false, err
		}
		if c.isClosed() {
			return false, c.mu.Unlock()
		}
	}
	c.append(v)
	c.popCv.Notify()
	return true, c.mu.Unlock()
}

// Pop dequeues a value, parking the caller while the buffer is empty.
// ok is false once the channel is closed and drained.
func (c *Channel[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	if err = c.mu.Lock(ctx); err != nil {
		return v, false, err
	}
	for c.len() == 0 {
		if c.isClosed() {
			return v, false, c.mu.Unlock()
		}
		if err = c.popCv.Wait(ctx, c.mu); err != nil {
			return v, false, err
		}
	}
	v = c.takeFront()
	c.pushCv.Notify()
	return v, true, c.mu.Unlock()
}

// WaitFor behaves like Pop but gives up after timeout.
func (c *Channel[T]) WaitFor(ctx context.Context, timeout time.Duration) (v T, ok bool, err error) {
	if err = c.mu.Lock(ctx); err != nil {
		return v, false, err
	}
	for c.len() == 0 {
		if c.isClosed() {
			return v, false, c.mu.Unlock()
		}
		woke, werr := c.popCv.WaitFor(ctx, c.mu, timeout)
		if werr != nil {
			return v, false, werr
		}
		if !woke {
			return v, false, c.mu.Unlock()
		}
	}
	v = c.takeFront()
	c.pushCv.Notify()
	return v, true, c.mu.Unlock()
}

// Close closes the channel, waking every pending pusher and popper.
// Buffered values are discarded, matching the original's semantics of
// swapping the internal queue with an empty one on close.
func (c *Channel[T]) Close(ctx context.Context) error {
	if err := c.mu.Lock(ctx); err != nil {
		return err
	}
	if c.isClosed() {
		return c.mu.Unlock()
	}
	c.introspect.Lock()
	c.closed = true
	c.queue = nil
	c.introspect.Unlock()
	c.pushCv.NotifyAll()
	c.popCv.NotifyAll()
	return c.mu.Unlock()
}

// Cap returns the channel's configured buffer capacity.
func (c *Channel[T]) Cap() int { return c.capacity }

// Len returns the number of buffered values. Safe from any goroutine.
func (c *Channel[T]) Len() int {
	c.introspect.Lock()
	defer c.introspect.Unlock()
	return len(c.queue)
}

// Closed reports whether Close has been called. Safe from any
// goroutine.
func (c *Channel[T]) Closed() bool {
	c.introspect.Lock()
	defer c.introspect.Unlock()
	return c.closed
}

func (c *Channel[T]) isClosed() bool { return c.Closed() }
func (c *Channel[T]) len() int       { return c.Len() }

func (c *Channel[T]) append(v T) {
	c.introspect.Lock()
	c.queue = append(c.queue, v)
	c.introspect.Unlock()
}

func (c *Channel[T]) takeFront() T {
	c.introspect.Lock()
	defer c.introspect.Unlock()
	v := c.queue[0]
	c.queue = c.queue[1:]
	return v
}
