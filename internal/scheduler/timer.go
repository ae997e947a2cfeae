package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mercadocoro/corofiber/internal/metrics"
)

// Timer is a handle returned by TimerWheel.AddTimer/AddConditionTimer.
// It is safe to cancel, refresh or reset from any goroutine.
type Timer struct {
	seq       uint64
	deadline  time.Time
	period    time.Duration
	cb        func()
	cond      func() bool // nil means unconditional; false at fire time skips cb
	recurring bool
	index     int // position in the owning heap, -1 once removed
	manager   *TimerWheel
}

// Cancel removes the timer if it has not already fired. It returns
// false if the timer already fired or was already canceled.
func (t *Timer) Cancel() bool {
	w := t.manager
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&w.heap, t.index)
	t.index = -1
	metrics.TimersArmed.Set(float64(len(w.heap)))
	return true
}

// Refresh pushes the timer's deadline out by its original period,
// measured from now.
func (t *Timer) Refresh() bool {
	w := t.manager
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.index < 0 {
		return false
	}
	t.deadline = time.Now().Add(t.period)
	heap.Fix(&w.heap, t.index)
	return true
}

// Reset rebinds the timer's period. If fromNow is true the new
// deadline is measured from the current time; otherwise it is measured
// from the timer's original arming time, preserving cadence.
func (t *Timer) Reset(period time.Duration, fromNow bool) bool {
	w := t.manager
	w.mu.Lock()
	if t.index < 0 {
		w.mu.Unlock()
		return false
	}
	start := t.deadline.Add(-t.period)
	t.period = period
	if fromNow {
		t.deadline = time.Now().Add(period)
	} else {
		t.deadline = start.Add(period)
	}
	heap.Fix(&w.heap, t.index)
	needTickle := w.heap[0] == t && !w.tickled
	if needTickle {
		w.tickled = true
	}
	w.mu.Unlock()
	if needTickle && w.onFrontChanged != nil {
		w.onFrontChanged()
	}
	return true
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	timer := x.(*Timer)
	timer.index = len(*h)
	*h = append(*h, timer)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	timer.index = -1
	*h = old[:n-1]
	return timer
}

// TimerWheel is a deadline-ordered priority queue of timers. It never
// runs its own goroutine: a Poller (or test) calls NextDeadline to size
// its blocking wait and HarvestExpired afterwards to collect due
// callbacks.
type TimerWheel struct {
	mu      sync.Mutex
	heap    timerHeap
	seq     uint64
	tickled bool

	// onFrontChanged fires (outside the lock) when a newly armed or
	// rearmed timer becomes the earliest deadline, so a blocked Poller
	// can shorten its wait instead of oversleeping. Once it has fired,
	// the tickled flag suppresses further calls until HarvestExpired
	// clears it.
	onFrontChanged func()
}

// NewTimerWheel constructs an empty timer wheel. onFrontChanged may be
// nil.
func NewTimerWheel(onFrontChanged func()) *TimerWheel {
	return &TimerWheel{onFrontChanged: onFrontChanged}
}

// AddTimer arms an unconditional timer firing after d (and every d
// thereafter, if recurring).
func (w *TimerWheel) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return w.add(d, cb, nil, recurring)
}

// AddConditionTimer arms a timer whose callback only runs if cond
// returns true at fire time. cond stands in for the original's
// weak_ptr liveness check: the caller supplies a closure over whatever
// state would otherwise need a weak reference.
func (w *TimerWheel) AddConditionTimer(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	return w.add(d, cb, cond, recurring)
}

func (w *TimerWheel) add(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	w.mu.Lock()
	w.seq++
	timer := &Timer{
		seq:       w.seq,
		deadline:  time.Now().Add(d),
		period:    d,
		cb:        cb,
		cond:      cond,
		recurring: recurring,
		manager:   w,
	}
	heap.Push(&w.heap, timer)
	needTickle := w.heap[0] == timer && !w.tickled
	if needTickle {
		w.tickled = true
	}
	metrics.TimersArmed.Set(float64(len(w.heap)))
	w.mu.Unlock()
	if needTickle && w.onFrontChanged != nil {
		w.onFrontChanged()
	}
	return timer
}

// HasTimer reports whether any timer is currently armed.
func (w *TimerWheel) HasTimer() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap) > 0
}

// NextDeadline returns how long until the earliest armed timer fires,
// relative to now. ok is false if no timer is armed.
func (w *TimerWheel) NextDeadline(now time.Time) (d time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.heap) == 0 {
		return 0, false
	}
	d = w.heap[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// HarvestExpired removes every timer due at or before now, rearms the
// recurring ones, and returns one thunk per fired timer ready to be
// invoked by the caller (outside the wheel's lock).
func (w *TimerWheel) HarvestExpired(now time.Time) []func() {
	w.mu.Lock()
	w.tickled = false
	var due []*Timer
	for len(w.heap) > 0 && !w.heap[0].deadline.After(now) {
		timer := heap.Pop(&w.heap).(*Timer)
		due = append(due, timer)
	}
	cbs := make([]func(), 0, len(due))
	for _, timer := range due {
		cb, cond := timer.cb, timer.cond
		cbs = append(cbs, func() {
			if cond != nil && !cond() {
				return
			}
			metrics.TimersFired.Inc()
			cb()
		})
		if timer.recurring {
			timer.deadline = now.Add(timer.period)
			heap.Push(&w.heap, timer)
		}
	}
	metrics.TimersArmed.Set(float64(len(w.heap)))
	w.mu.Unlock()
	return cbs
}
