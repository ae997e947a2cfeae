package fiber

import "context"

type taskCtxKey struct{}

// WithTask returns a context carrying t as the ambient current task.
// The scheduler installs this once, at Launch time; it survives every
// later Park/Continue round trip because those happen within the same
// goroutine call stack rather than across a context boundary.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, t)
}

// FromContext returns the task running on the calling goroutine, if
// any. Synchronization primitives use this to park the caller instead
// of requiring every blocking call to take a *Task parameter.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskCtxKey{}).(*Task)
	return t, ok
}

// Current is a convenience wrapper over FromContext for call sites that
// only need the task, not the ok flag, and are certain they're running
// inside one (callers outside a task should prefer FromContext so they
// can fall back to blocking the native goroutine instead).
func Current(ctx context.Context) *Task {
	t, _ := FromContext(ctx)
	return t
}
