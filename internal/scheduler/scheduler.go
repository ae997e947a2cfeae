// Package scheduler implements the fixed-size worker pool that resumes
// fiber.Task values pulled from a shared runqueue, the deadline-ordered
// timer wheel built on top of it, and the epoll-based poller that
// layers both together into a full event loop.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mercadocoro/corofiber/internal/fiber"
	"github.com/mercadocoro/corofiber/internal/metrics"
)

// ErrAlreadyStarted is returned by Start when called on a running
// scheduler.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// Hooks lets a composing type (Poller) override how the scheduler waits
// for work and decides it is safe to stop, the way the original's
// Scheduler exposed notify/wait/stopping as overridable virtuals.
type Hooks interface {
	Notify()
	Wait(ctx context.Context, workerID int)
	Stopping() bool
}

type queuedTask struct {
	task   *fiber.Task
	worker int
}

// Scheduler is a fixed pool of worker goroutines draining a shared,
// affinity-aware FIFO runqueue of fiber.Task values.
type Scheduler struct {
	name    string
	threads int

	mu    sync.Mutex
	cond  *sync.Cond
	tasks []queuedTask

	running       atomic.Bool
	stopRequested atomic.Bool
	activeThreads atomic.Int32
	idleThreads   atomic.Int32

	hooks Hooks

	eg    *errgroup.Group
	egCtx context.Context
}

// New creates a scheduler with the given number of worker goroutines.
// threads <= 0 is treated as 1.
func New(name string, threads int) *Scheduler {
	if threads <= 0 {
		threads = 1
	}
	s := &Scheduler{name: name, threads: threads}
	s.cond = sync.NewCond(&s.mu)
	s.hooks = s
	return s
}

// SetHooks installs a replacement for the default wait/notify/stopping
// behavior. Poller calls this with itself during construction.
func (s *Scheduler) SetHooks(h Hooks) { s.hooks = h }

func (s *Scheduler) Name() string { return s.name }
func (s *Scheduler) Threads() int { return s.threads }

// ActiveCount returns the number of workers currently resuming a task.
func (s *Scheduler) ActiveCount() int { return int(s.activeThreads.Load()) }

// IdleCount returns the number of workers currently parked in Wait.
func (s *Scheduler) IdleCount() int { return int(s.idleThreads.Load()) }

// HasIdleThreads reports whether any worker is currently idle.
func (s *Scheduler) HasIdleThreads() bool { return s.IdleCount() > 0 }

// QueueLen returns the number of tasks waiting in the runqueue.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Submit enqueues task for execution on any worker matching its
// affinity (or any worker, if unset).
func (s *Scheduler) Submit(task *fiber.Task) {
	s.SubmitBatch([]*fiber.Task{task})
}

// SubmitAffinity pins task to a specific worker id before enqueuing it.
func (s *Scheduler) SubmitAffinity(task *fiber.Task, workerID int) {
	task.SetAffinity(workerID)
	s.Submit(task)
}

// SubmitFunc wraps fn in a new task and submits it.
func (s *Scheduler) SubmitFunc(fn func(ctx context.Context)) *fiber.Task {
	t := fiber.New(fn)
	s.Submit(t)
	return t
}

// SubmitBatch enqueues many tasks under a single lock acquisition,
// notifying at most once regardless of how many were empty-to-nonempty
// transitions it caused.
func (s *Scheduler) SubmitBatch(tasks []*fiber.Task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	needNotify := len(s.tasks) == 0
	for _, t := range tasks {
		t.MarkReady()
		s.tasks = append(s.tasks, queuedTask{task: t, worker: t.Affinity()})
		metrics.RecordTaskSubmission(s.name)
	}
	metrics.SetRunqueueDepth(s.name, float64(len(s.tasks)))
	s.cond.Broadcast()
	s.mu.Unlock()
	if needNotify {
		s.hooks.Notify()
	}
}

// Start launches the worker pool. ctx bounds the lifetime of every
// worker goroutine and every task they ever resume.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.stopRequested.Store(false)
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	s.egCtx = egCtx
	for i := 0; i < s.threads; i++ {
		workerID := i
		eg.Go(func() error {
			s.workerLoop(egCtx, workerID)
			return nil
		})
	}
	return nil
}

// Stop requests a graceful shutdown and blocks until every worker has
// drained the runqueue and returned.
func (s *Scheduler) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.stopRequested.Store(true)
	s.hooks.Notify()
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	err := s.eg.Wait()
	s.running.Store(false)
	return err
}

// Running reports whether Start has been called without a matching
// Stop completing yet.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	for {
		task := s.pop(workerID)
		if task == nil {
			if s.hooks.Stopping() {
				return
			}
			s.idleThreads.Add(1)
			s.hooks.Wait(ctx, workerID)
			s.idleThreads.Add(-1)
			continue
		}
		s.resume(ctx, task, workerID)
	}
}

func (s *Scheduler) pop(workerID int) *fiber.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.tasks {
		if q.worker != -1 && q.worker != workerID {
			continue
		}
		if q.task.State() == fiber.StateExec {
			continue // still running; picked up once it has parked
		}
		s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
		metrics.SetRunqueueDepth(s.name, float64(len(s.tasks)))
		return q.task
	}
	return nil
}

func (s *Scheduler) resume(ctx context.Context, task *fiber.Task, workerID int) {
	notify := make(chan struct{}, 1)
	s.activeThreads.Add(1)
	metrics.SetActiveWorkers(s.name, float64(s.activeThreads.Load()))

	if !task.Started() {
		task.Launch(fiber.WithTask(ctx, task), notify)
	} else {
		task.Continue(notify)
	}
	<-notify

	s.activeThreads.Add(-1)
	metrics.SetActiveWorkers(s.name, float64(s.activeThreads.Load()))

	switch task.State() {
	case fiber.StateReady:
		s.Submit(task)
	case fiber.StateFailed:
		metrics.RecordTaskFailure(s.name)
	case fiber.StateHold, fiber.StateTerm:
		// HOLD: owned by whatever parked it. TERM: nothing left to do.
	}
	_ = workerID
}

// --- default Hooks implementation, used when no Poller overrides it ---

func (s *Scheduler) Notify() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) Wait(ctx context.Context, workerID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 && !s.stopRequested.Load() {
		s.cond.Wait()
	}
}

func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	empty := len(s.tasks) == 0
	s.mu.Unlock()
	return s.stopRequested.Load() && empty && s.ActiveCount() == 0
}
