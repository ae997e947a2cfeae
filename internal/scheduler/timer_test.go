package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerWheel_FiresInDeadlineOrder(t *testing.T) {
	w := NewTimerWheel(nil)
	var order []int

	w.AddTimer(30*time.Millisecond, func() { order = append(order, 30) }, false)
	w.AddTimer(10*time.Millisecond, func() { order = append(order, 10) }, false)
	w.AddTimer(20*time.Millisecond, func() { order = append(order, 20) }, false)

	deadline := time.Now().Add(40 * time.Millisecond)
	for time.Now().Before(deadline) && w.HasTimer() {
		for _, cb := range w.HarvestExpired(time.Now()) {
			cb()
		}
		time.Sleep(time.Millisecond)
	}

	require.Equal(t, []int{10, 20, 30}, order)
}

func TestTimerWheel_CancelPreventsFiring(t *testing.T) {
	w := NewTimerWheel(nil)
	fired := false
	timer := w.AddTimer(5*time.Millisecond, func() { fired = true }, false)

	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())

	time.Sleep(10 * time.Millisecond)
	for _, cb := range w.HarvestExpired(time.Now()) {
		cb()
	}
	assert.False(t, fired)
	assert.False(t, w.HasTimer())
}

func TestTimerWheel_RecurringRearms(t *testing.T) {
	w := NewTimerWheel(nil)
	count := 0
	timer := w.AddTimer(5*time.Millisecond, func() { count++ }, true)

	deadline := time.Now().Add(40 * time.Millisecond)
	for time.Now().Before(deadline) && count < 3 {
		for _, cb := range w.HarvestExpired(time.Now()) {
			cb()
		}
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, count, 3)
	timer.Cancel()
}

func TestTimerWheel_ConditionTimerSkipsWhenDead(t *testing.T) {
	w := NewTimerWheel(nil)
	alive := false
	fired := false
	w.AddConditionTimer(1*time.Millisecond, func() { fired = true }, func() bool { return alive }, false)

	time.Sleep(5 * time.Millisecond)
	for _, cb := range w.HarvestExpired(time.Now()) {
		cb()
	}
	assert.False(t, fired)
}

func TestTimerWheel_ConditionTimerFiresWhenAlive(t *testing.T) {
	w := NewTimerWheel(nil)
	alive := true
	fired := false
	w.AddConditionTimer(1*time.Millisecond, func() { fired = true }, func() bool { return alive }, false)

	time.Sleep(5 * time.Millisecond)
	for _, cb := range w.HarvestExpired(time.Now()) {
		cb()
	}
	assert.True(t, fired)
}

func TestTimerWheel_NextDeadlineReflectsEarliest(t *testing.T) {
	w := NewTimerWheel(nil)
	_, ok := w.NextDeadline(time.Now())
	assert.False(t, ok)

	w.AddTimer(50*time.Millisecond, func() {}, false)
	d, ok := w.NextDeadline(time.Now())
	require.True(t, ok)
	assert.LessOrEqual(t, d, 50*time.Millisecond)
	assert.Greater(t, d, time.Duration(0))
}

func TestTimerWheel_OnFrontChangedFiresOnNewEarliest(t *testing.T) {
	calls := 0
	w := NewTimerWheel(func() { calls++ })

	w.AddTimer(50*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, calls)

	w.AddTimer(80*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, calls, "later deadline should not retrigger onFrontChanged")

	w.AddTimer(5*time.Millisecond, func() {}, false)
	assert.Equal(t, 1, calls, "tickled flag suppresses a second signal until HarvestExpired")

	w.HarvestExpired(time.Now())
	w.AddTimer(time.Millisecond, func() {}, false)
	assert.Equal(t, 2, calls, "new earliest deadline should retrigger onFrontChanged once the flag is cleared")
}

func TestTimer_RefreshExtendsDeadline(t *testing.T) {
	w := NewTimerWheel(nil)
	fired := false
	timer := w.AddTimer(10*time.Millisecond, func() { fired = true }, false)

	time.Sleep(6 * time.Millisecond)
	assert.True(t, timer.Refresh())

	time.Sleep(6 * time.Millisecond)
	for _, cb := range w.HarvestExpired(time.Now()) {
		cb()
	}
	assert.False(t, fired, "refreshed timer should not have fired yet")
}
