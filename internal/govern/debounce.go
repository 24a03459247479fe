package govern

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultDebounceDelay is the idle window before a debounced function fires.
const DefaultDebounceDelay = 300 * time.Millisecond

// pendingExec is one in-flight execution shared by every caller that
// arrived during its window.
type pendingExec[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Debouncer collapses bursts of calls per key: the first call in an idle
// period schedules the function after the delay; calls arriving before it
// fires share the same pending result instead of re-scheduling. Once the
// execution settles, the key clears and the next call opens a fresh window.
type Debouncer[T any] struct {
	clock clockwork.Clock
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingExec[T]
}

// NewDebouncer creates a Debouncer. A zero delay falls back to
// DefaultDebounceDelay; a nil clock falls back to the real clock.
func NewDebouncer[T any](delay time.Duration, clock clockwork.Clock) *Debouncer[T] {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer[T]{
		clock:   clock,
		delay:   delay,
		pending: make(map[string]*pendingExec[T]),
	}
}

// Do runs fn debounced under key and returns the shared result. The
// caller's ctx bounds only its own wait: the scheduled execution itself is
// detached from whichever caller armed it, so one caller backing out does
// not fail the rest.
func (d *Debouncer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	d.mu.Lock()
	exec, ok := d.pending[key]
	if !ok {
		exec = &pendingExec[T]{done: make(chan struct{})}
		d.pending[key] = exec
		go d.fire(context.WithoutCancel(ctx), key, exec, fn)
	}
	d.mu.Unlock()

	select {
	case <-exec.done:
		return exec.val, exec.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// fire waits out the delay, runs fn once, and clears the key so the next
// call starts a fresh window.
func (d *Debouncer[T]) fire(ctx context.Context, key string, exec *pendingExec[T], fn func(context.Context) (T, error)) {
	<-d.clock.After(d.delay)

	exec.val, exec.err = fn(ctx)

	d.mu.Lock()
	if d.pending[key] == exec {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	close(exec.done)
}
