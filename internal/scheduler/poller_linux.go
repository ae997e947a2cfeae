//go:build linux

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mercadocoro/corofiber/internal/fiber"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/metrics"
)

// Poller layers a TimerWheel and an epoll readiness demultiplexer on
// top of a Scheduler's worker pool, the way the original's IOManager
// extends both Scheduler and TimeManager. Every idle worker is free to
// call epoll_wait concurrently; Linux distributes ready events across
// whichever threads are blocked on the same epoll fd.
type Poller struct {
	*Scheduler
	*TimerWheel

	epfd            int
	tickleR, tickleW int
	maxEvents       int
	maxWaitMillis   int

	mu         sync.RWMutex
	fdContexts []*fdContext

	pendingCount atomic.Int64
	closeOnce    sync.Once
}

// NewPoller builds a Poller with its own epoll instance and self-pipe.
func NewPoller(name string, threads, maxEvents, maxWaitMillis int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	if maxWaitMillis <= 0 {
		maxWaitMillis = 3000
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("scheduler: epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("scheduler: pipe2: %w", err)
	}

	p := &Poller{
		Scheduler:     New(name, threads),
		epfd:          epfd,
		tickleR:       pipeFds[0],
		tickleW:       pipeFds[1],
		maxEvents:     maxEvents,
		maxWaitMillis: maxWaitMillis,
	}
	p.TimerWheel = NewTimerWheel(p.tickle)
	p.Scheduler.SetHooks(p)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.tickleR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.tickleR, &ev); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("scheduler: epoll_ctl add self-pipe: %w", err)
	}
	return p, nil
}

// Close releases the epoll instance and self-pipe. Safe to call more
// than once.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		unix.Close(p.tickleR)
		unix.Close(p.tickleW)
		err = unix.Close(p.epfd)
	})
	return err
}

// Stop drains the scheduler's worker pool, then releases epoll
// resources.
func (p *Poller) Stop() error {
	err := p.Scheduler.Stop()
	if closeErr := p.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (p *Poller) ensureFdContext(fd int) *fdContext {
	p.mu.RLock()
	if fd < len(p.fdContexts) && p.fdContexts[fd] != nil {
		c := p.fdContexts[fd]
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if fd >= len(p.fdContexts) {
		grown := make([]*fdContext, (fd+1)*3/2)
		copy(grown, p.fdContexts)
		p.fdContexts = grown
	}
	if p.fdContexts[fd] == nil {
		p.fdContexts[fd] = &fdContext{fd: fd}
	}
	return p.fdContexts[fd]
}

func (p *Poller) lookupFdContext(fd int) *fdContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if fd < 0 || fd >= len(p.fdContexts) {
		return nil
	}
	return p.fdContexts[fd]
}

func (p *Poller) applyEpoll(fd int, oldEvents, newEvents Event) error {
	switch {
	case oldEvents == EventNone && newEvents != EventNone:
		ev := unix.EpollEvent{Events: uint32(newEvents), Fd: int32(fd)}
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case newEvents == EventNone:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	default:
		ev := unix.EpollEvent{Events: uint32(newEvents), Fd: int32(fd)}
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

// AddEvent arms fd for the given direction. If cb is nil, the calling
// task (found via ctx) is resumed when the event fires; otherwise cb
// is scheduled as a standalone task.
func (p *Poller) AddEvent(ctx context.Context, fd int, event Event, cb func(ctx context.Context)) error {
	fc := p.ensureFdContext(fd)
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&event != 0 {
		return fmt.Errorf("scheduler: fd %d already has event %v armed", fd, event)
	}
	old := fc.events
	newEvents := old | event
	if err := p.applyEpoll(fd, old, newEvents); err != nil {
		return fmt.Errorf("scheduler: epoll_ctl: %w", err)
	}
	fc.events = newEvents
	ec := fc.contextFor(event)
	if cb != nil {
		ec.cb = cb
	} else {
		ec.task = fiber.Current(ctx)
	}

	p.pendingCount.Add(1)
	metrics.PollerPendingEvents.Set(float64(p.pendingCount.Load()))
	if old == EventNone {
		metrics.PollerArmedFds.Inc()
	}
	return nil
}

// WaitEvent arms fd for event and parks the calling task until it
// fires. It must be called from within a task (ctx must carry one).
func (p *Poller) WaitEvent(ctx context.Context, fd int, event Event) error {
	cur := fiber.Current(ctx)
	if cur == nil {
		return fmt.Errorf("scheduler: WaitEvent called outside a task context")
	}
	if err := p.AddEvent(ctx, fd, event, nil); err != nil {
		return err
	}
	cur.Park(fiber.StateHold)
	return nil
}

// DelEvent disarms fd for event without resuming whatever was waiting
// on it.
func (p *Poller) DelEvent(fd int, event Event) bool {
	fc := p.lookupFdContext(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&event == 0 {
		return false
	}
	newEvents := fc.events &^ event
	if err := p.applyEpoll(fd, fc.events, newEvents); err != nil {
		return false
	}
	old := fc.events
	fc.events = newEvents
	*fc.contextFor(event) = eventContext{}
	p.pendingCount.Add(-1)
	metrics.PollerPendingEvents.Set(float64(p.pendingCount.Load()))
	if old != EventNone && newEvents == EventNone {
		metrics.PollerArmedFds.Dec()
	}
	return true
}

// CancelEvent disarms fd for event and immediately resumes whatever
// was waiting on it, the way closing a socket out from under a parked
// reader should.
func (p *Poller) CancelEvent(fd int, event Event) bool {
	fc := p.lookupFdContext(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	if fc.events&event == 0 {
		fc.mu.Unlock()
		return false
	}
	ec := *fc.contextFor(event)
	old := fc.events
	newEvents := old &^ event
	if err := p.applyEpoll(fd, old, newEvents); err != nil {
		fc.mu.Unlock()
		return false
	}
	fc.events = newEvents
	*fc.contextFor(event) = eventContext{}
	fc.mu.Unlock()

	p.pendingCount.Add(-1)
	metrics.PollerPendingEvents.Set(float64(p.pendingCount.Load()))
	if newEvents == EventNone {
		metrics.PollerArmedFds.Dec()
	}
	p.triggerContext(ec)
	return true
}

// CancelAllEvent disarms and resumes every waiter registered on fd.
func (p *Poller) CancelAllEvent(fd int) bool {
	fc := p.lookupFdContext(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	if fc.events == EventNone {
		fc.mu.Unlock()
		return false
	}
	had := fc.events
	readCtx, writeCtx := fc.read, fc.write
	if err := p.applyEpoll(fd, had, EventNone); err != nil {
		fc.mu.Unlock()
		return false
	}
	fc.events = EventNone
	fc.read = eventContext{}
	fc.write = eventContext{}
	fc.mu.Unlock()

	n := int64(0)
	if had&EventRead != 0 {
		n++
	}
	if had&EventWrite != 0 {
		n++
	}
	p.pendingCount.Add(-n)
	metrics.PollerPendingEvents.Set(float64(p.pendingCount.Load()))
	metrics.PollerArmedFds.Dec()

	if had&EventRead != 0 {
		p.triggerContext(readCtx)
	}
	if had&EventWrite != 0 {
		p.triggerContext(writeCtx)
	}
	return true
}

func (p *Poller) triggerContext(ec eventContext) {
	if ec.cb != nil {
		p.Scheduler.SubmitFunc(ec.cb)
	} else if ec.task != nil {
		p.Scheduler.Submit(ec.task)
	}
}

func (p *Poller) tickle() {
	var b [1]byte
	_, _ = unix.Write(p.tickleW, b[:])
}

func (p *Poller) drainTickle() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.tickleR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Notify implements Hooks by tickling the self-pipe so a worker
// blocked in epoll_wait returns immediately.
func (p *Poller) Notify() { p.tickle() }

// Stopping implements Hooks: the poller may only stop once the
// scheduler has nothing left to run, no fd has a pending direction,
// and no timer is armed.
func (p *Poller) Stopping() bool {
	return p.Scheduler.Stopping() && p.pendingCount.Load() == 0 && !p.TimerWheel.HasTimer()
}

// Wait implements Hooks: block in epoll_wait for at most the nearer of
// the configured max wait and the next timer deadline, then dispatch
// whatever became ready.
func (p *Poller) Wait(ctx context.Context, workerID int) {
	timeoutMs := p.maxWaitMillis
	if d, ok := p.TimerWheel.NextDeadline(time.Now()); ok {
		ms := int(d / time.Millisecond)
		if ms < timeoutMs {
			timeoutMs = ms
		}
	}
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	events := make([]unix.EpollEvent, p.maxEvents)
	begin := time.Now()
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	metrics.PollerWaitSeconds.Observe(time.Since(begin).Seconds())
	if err != nil {
		if err != unix.EINTR {
			logger.WithComponent("poller").Warn().Err(err).Msg("epoll_wait failed")
		}
		return
	}

	var ready []func()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == p.tickleR {
			p.drainTickle()
			continue
		}
		fc := p.lookupFdContext(fd)
		if fc == nil {
			continue
		}
		fc.mu.Lock()
		fired := Event(events[i].Events) & fc.events
		if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			fired = fc.events
		}
		newEvents := fc.events &^ fired
		var readCtx, writeCtx eventContext
		if fired&EventRead != 0 {
			readCtx = fc.read
			fc.read = eventContext{}
		}
		if fired&EventWrite != 0 {
			writeCtx = fc.write
			fc.write = eventContext{}
		}
		_ = p.applyEpoll(fd, fc.events, newEvents)
		old := fc.events
		fc.events = newEvents
		fc.mu.Unlock()

		if fired&EventRead != 0 {
			p.pendingCount.Add(-1)
			rc := readCtx
			ready = append(ready, func() { p.triggerContext(rc) })
		}
		if fired&EventWrite != 0 {
			p.pendingCount.Add(-1)
			wc := writeCtx
			ready = append(ready, func() { p.triggerContext(wc) })
		}
		if old != EventNone && newEvents == EventNone {
			metrics.PollerArmedFds.Dec()
		}
	}
	if n > 0 {
		metrics.PollerPendingEvents.Set(float64(p.pendingCount.Load()))
	}

	ready = append(ready, p.TimerWheel.HarvestExpired(time.Now())...)
	for _, fn := range ready {
		fn()
	}
}
