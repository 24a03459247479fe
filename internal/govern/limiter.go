package govern

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultWindow is the minimum interval between two requests to the same
// normalized endpoint.
const DefaultWindow = 10 * time.Second

// Limiter tracks the last request time per normalized endpoint and
// enforces a fixed minimum interval between requests to the same key.
type Limiter struct {
	clock  clockwork.Clock
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLimiter creates a Limiter with the given window. A zero window falls
// back to DefaultWindow; a nil clock falls back to the real clock.
func NewLimiter(window time.Duration, clock clockwork.Clock) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:  clock,
		window: window,
		last:   make(map[string]time.Time),
	}
}

// CanMakeRequest reports whether a request to key is inside its budget:
// true iff no request was recorded for the normalized key, or the window
// has fully elapsed since the last one. Side-effect free.
func (l *Limiter) CanMakeRequest(key string) bool {
	norm := NormalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.last[norm]
	if !ok {
		return true
	}
	return l.clock.Since(at) >= l.window
}

// RecordRequest stores "now" as the last request time for key. Callers
// record immediately before issuing the network call: a call that fails
// still consumed its budget slot.
func (l *Limiter) RecordRequest(key string) {
	norm := NormalizeKey(key)

	l.mu.Lock()
	l.last[norm] = l.clock.Now()
	l.mu.Unlock()
}

// NormalizeKey strips query and fragment from a URL-shaped key and
// replaces identifier-looking path segments with ":id", so that
// /orders/abc-123 and /orders/xyz-456 share one budget bucket.
func NormalizeKey(key string) string {
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}

	segs := strings.Split(key, "/")
	for i, seg := range segs {
		if isIdentifierSegment(seg) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

// isIdentifierSegment reports whether a path segment looks like a
// resource identifier: all digits, a UUID, or a hyphenated token
// carrying digits (short ids like "abc-123").
func isIdentifierSegment(seg string) bool {
	if seg == "" {
		return false
	}

	numeric := true
	hasDigit := false
	for _, r := range seg {
		if r < '0' || r > '9' {
			numeric = false
		} else {
			hasDigit = true
		}
	}
	if numeric {
		return true
	}

	if _, err := uuid.Parse(seg); err == nil {
		return true
	}

	return hasDigit && strings.Contains(seg, "-")
}
