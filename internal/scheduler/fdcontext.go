package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/mercadocoro/corofiber/internal/fiber"
)

// Event identifies a readiness direction a file descriptor can be
// armed for. The values match the epoll bitmask directly so they can
// be passed straight through to EpollCtl.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = 0x1 // EPOLLIN
	EventWrite Event = 0x4 // EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventNone:
		return "NONE"
	default:
		return fmt.Sprintf("Event(%#x)", uint32(e))
	}
}

// eventContext is what gets resumed when its direction becomes ready:
// either a parked task or a plain callback, never both.
type eventContext struct {
	task *fiber.Task
	cb   func(ctx context.Context)
}

// fdContext tracks the read/write waiters registered against a single
// file descriptor, mirroring the original's per-socket event contexts.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) contextFor(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		panic(fmt.Sprintf("scheduler: unsupported event %v", ev))
	}
}
