// Package fiber implements the cooperative task primitive that the
// scheduler, timer wheel, poller and synchronization packages are all
// built around. A Task owns its own goroutine for its entire lifetime;
// parking (Park) blocks that goroutine on a private channel instead of
// tearing down its stack, which is what lets a worker pick up other
// work the instant a task suspends.
package fiber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State mirrors the task life cycle: a task is born INIT, becomes READY
// once submitted, EXEC while a worker is resuming it, HOLD while parked
// on some other structure (timer, mutex, poller, channel), and finally
// TERM or FAILED exactly once.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrTaskBusy is returned by Reset when the task is not in a state that
// can be safely rebound (it must be INIT, TERM or FAILED).
var ErrTaskBusy = errors.New("fiber: task is not idle")

var nextID atomic.Uint64

// Task is a cooperatively scheduled unit of work. Its zero value is not
// usable; construct one with New.
type Task struct {
	id    uint64
	state atomic.Int32

	fn func(ctx context.Context)

	affinity atomic.Int32 // -1 means "no worker preference"

	started atomic.Bool

	mu           sync.Mutex
	resumeCh     chan struct{} // replaced on every Park, closed by the next Continue
	workerNotify chan struct{} // installed by the scheduler before each resume
	err          error

	doneCh chan struct{}
}

// New creates a task bound to fn. The task does not run until a
// scheduler submits it.
func New(fn func(ctx context.Context)) *Task {
	t := &Task{
		id:     nextID.Add(1),
		fn:     fn,
		doneCh: make(chan struct{}),
	}
	t.affinity.Store(-1)
	t.state.Store(int32(StateInit))
	return t
}

// ID returns the task's process-unique sequence number.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's current life cycle state.
func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// Err returns the failure reason once the task has reached FAILED, nil
// otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Affinity returns the worker id this task is pinned to, or -1 if it
// may run on any worker.
func (t *Task) Affinity() int { return int(t.affinity.Load()) }

// SetAffinity pins the task to a specific worker id. Pass -1 to clear.
func (t *Task) SetAffinity(workerID int) { t.affinity.Store(int32(workerID)) }

// Started reports whether the task's goroutine has ever been launched.
func (t *Task) Started() bool { return t.started.Load() }

// MarkReady transitions an INIT or HOLD task to READY. A scheduler
// calls this when enqueuing a task it is about to resume.
func (t *Task) MarkReady() {
	if t.State() != StateExec {
		t.setState(StateReady)
	}
}

// Reset rebinds an idle task to a new procedure so the struct can be
// reused instead of allocated fresh, mirroring the pooled-task pattern
// long-running schedulers rely on to avoid churn under steady load.
func (t *Task) Reset(fn func(ctx context.Context)) error {
	switch t.State() {
	case StateInit, StateTerm, StateFailed:
	default:
		return ErrTaskBusy
	}
	t.mu.Lock()
	t.fn = fn
	t.err = nil
	t.doneCh = make(chan struct{})
	t.mu.Unlock()
	t.started.Store(false)
	t.setState(StateInit)
	return nil
}

// Wait blocks the calling goroutine until the task reaches TERM or
// FAILED. It does not park the caller as a task itself — use this from
// ordinary goroutines (e.g. test code, RPC callers) that are not
// running inside the scheduler.
func (t *Task) Wait() error {
	<-t.doneCh
	return t.Err()
}

// Done returns a channel closed when the task terminates.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// Launch starts the task's goroutine for the first time. ctx is
// expected to carry the task itself (see WithTask) so that nested
// calls can find their own Task via FromContext. workerNotify receives
// exactly one value when the task next suspends or terminates.
func (t *Task) Launch(ctx context.Context, workerNotify chan struct{}) {
	t.mu.Lock()
	t.workerNotify = workerNotify
	t.resumeCh = make(chan struct{})
	t.mu.Unlock()
	t.started.Store(true)
	t.setState(StateExec)
	go t.topLevel(ctx)
}

// Continue wakes a previously parked task and arranges for workerNotify
// to receive a value the next time it suspends or terminates.
func (t *Task) Continue(workerNotify chan struct{}) {
	t.mu.Lock()
	t.workerNotify = workerNotify
	resumeCh := t.resumeCh
	t.mu.Unlock()
	t.setState(StateExec)
	close(resumeCh)
}

func (t *Task) topLevel(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.err = fmt.Errorf("task %d panicked: %v", t.id, r)
			t.mu.Unlock()
			t.setState(StateFailed)
		} else if t.State() == StateExec {
			t.setState(StateTerm)
		}
		close(t.doneCh)
		t.signalWorker()
	}()
	t.fn(ctx)
}

func (t *Task) signalWorker() {
	t.mu.Lock()
	wn := t.workerNotify
	t.mu.Unlock()
	if wn != nil {
		wn <- struct{}{}
	}
}

// Park suspends the calling goroutine, which must be this task's own,
// transitions it to the given state (normally StateHold, occasionally
// StateReady for a bare yield) and hands control back to whichever
// worker was resuming it. The caller resumes with state EXEC once some
// other party calls Continue.
func (t *Task) Park(state State) {
	t.mu.Lock()
	t.resumeCh = make(chan struct{})
	resumeCh := t.resumeCh
	t.mu.Unlock()
	t.setState(state)
	t.signalWorker()
	<-resumeCh
}
