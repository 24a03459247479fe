package govern

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultGuardTTL is how long an in-flight call holds its key before the
// lock self-expires.
const DefaultGuardTTL = 5 * time.Second

// guardCall is one in-flight invocation under a key.
type guardCall[T any] struct {
	started time.Time
	done    chan struct{}
	val     T
	err     error
}

// Guard prevents two concurrent invocations of the same named call from
// running in parallel: the second caller receives the first's in-flight
// result. The lock self-expires after the TTL so a call that never
// settles cannot block its key forever.
type Guard[T any] struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*guardCall[T]
}

// NewGuard creates a Guard. A zero TTL falls back to DefaultGuardTTL; a
// nil clock falls back to the real clock.
func NewGuard[T any](ttl time.Duration, clock clockwork.Clock) *Guard[T] {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Guard[T]{
		clock:    clock,
		ttl:      ttl,
		inflight: make(map[string]*guardCall[T]),
	}
}

// Do runs fn under key, or joins the existing in-flight call for key if
// one is still inside its TTL.
func (g *Guard[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	if existing, ok := g.inflight[key]; ok && g.clock.Since(existing.started) < g.ttl {
		g.mu.Unlock()
		select {
		case <-existing.done:
			return existing.val, existing.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}

	call := &guardCall[T]{
		started: g.clock.Now(),
		done:    make(chan struct{}),
	}
	g.inflight[key] = call
	g.mu.Unlock()

	call.val, call.err = fn(ctx)

	g.mu.Lock()
	// An expired lock may have been replaced by a newer call.
	if g.inflight[key] == call {
		delete(g.inflight, key)
	}
	g.mu.Unlock()

	close(call.done)
	return call.val, call.err
}
