package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/makoto-isback/1kdream-sub001/internal/connection"
	"github.com/makoto-isback/1kdream-sub001/internal/govern"
	"github.com/makoto-isback/1kdream-sub001/internal/model"
)

// Errors
var (
	ErrNoFetcher      = errors.New("no fetcher registered for slice")
	ErrPullSuppressed = errors.New("pull suppressed before fetch")
)

// Fetcher is an opaque pull function for one slice. The store only
// cares about its success or failure, never its wire format.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// StateSource reports the connection state. Satisfied by
// *connection.Manager.
type StateSource interface {
	State() connection.State
}

// Config holds store tunables.
type Config struct {
	RateWindow      time.Duration // minimum interval between pulls per slice
	GuardTTL        time.Duration // in-flight lock expiry for the duplicate-call guard
	RefreshDebounce time.Duration // collapse window for manual refresh bursts; 0 disables
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RateWindow:      govern.DefaultWindow,
		GuardTTL:        govern.DefaultGuardTTL,
		RefreshDebounce: govern.DefaultDebounceDelay,
	}
}

// sliceState is one named bucket.
type sliceState struct {
	value        json.RawMessage
	lastSyncedAt time.Time
	source       model.Source
}

// SliceInfo is the observable metadata of one slice.
type SliceInfo struct {
	HasValue     bool
	Source       model.Source
	LastSyncedAt time.Time
}

// Store maps slice names to current values and arbitrates push vs. pull.
// One Store exists per running client.
type Store struct {
	cfg    Config
	conn   StateSource
	clock  clockwork.Clock
	logger *slog.Logger

	limiter  *govern.Limiter
	guard    *govern.Guard[json.RawMessage]
	debounce *govern.Debouncer[json.RawMessage] // nil when RefreshDebounce is 0

	mu           sync.Mutex
	slices       map[model.Slice]*sliceState
	subscribers  map[model.Slice]map[int]func(json.RawMessage)
	nextSub      int
	fetchers     map[model.Slice]Fetcher
	hydrating    bool // hydration window open
	hydratedOnce bool // bootstrap succeeded once this session
}

// New creates a Store. A nil clock falls back to the real clock; a nil
// logger falls back to slog.Default().
func New(cfg Config, conn StateSource, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		cfg:         cfg,
		conn:        conn,
		clock:       clock,
		logger:      logger,
		limiter:     govern.NewLimiter(cfg.RateWindow, clock),
		guard:       govern.NewGuard[json.RawMessage](cfg.GuardTTL, clock),
		slices:      make(map[model.Slice]*sliceState),
		subscribers: make(map[model.Slice]map[int]func(json.RawMessage)),
		fetchers:    make(map[model.Slice]Fetcher),
	}
	if cfg.RefreshDebounce > 0 {
		s.debounce = govern.NewDebouncer[json.RawMessage](cfg.RefreshDebounce, clock)
	}
	return s
}

// SetFetcher registers the pull fetcher used for a slice by Hydrate and
// ManualRefresh.
func (s *Store) SetFetcher(slice model.Slice, f Fetcher) {
	s.mu.Lock()
	s.fetchers[slice] = f
	s.mu.Unlock()
}

// Subscribe registers a callback for one slice, immediately invoking it
// with the current value if one exists. Returns an unsubscribe function.
func (s *Store) Subscribe(slice model.Slice, cb func(json.RawMessage)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subscribers[slice] == nil {
		s.subscribers[slice] = make(map[int]func(json.RawMessage))
	}
	s.subscribers[slice][id] = cb

	var current json.RawMessage
	if st, ok := s.slices[slice]; ok {
		current = st.value
	}
	s.mu.Unlock()

	if current != nil {
		s.safeNotify(slice, cb, current)
	}

	return func() {
		s.mu.Lock()
		delete(s.subscribers[slice], id)
		s.mu.Unlock()
	}
}

// Get returns the current value of a slice, or nil.
func (s *Store) Get(slice model.Slice) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.slices[slice]; ok {
		return st.value
	}
	return nil
}

// Info returns the observable metadata of a slice.
func (s *Store) Info(slice model.Slice) SliceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.slices[slice]
	if !ok {
		return SliceInfo{Source: model.SourceNone}
	}
	return SliceInfo{
		HasValue:     st.value != nil,
		Source:       st.source,
		LastSyncedAt: st.lastSyncedAt,
	}
}

// Stats returns metadata for every slice that has ever been written.
func (s *Store) Stats() map[model.Slice]SliceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.Slice]SliceInfo, len(s.slices))
	for name, st := range s.slices {
		out[name] = SliceInfo{
			HasValue:     st.value != nil,
			Source:       st.source,
			LastSyncedAt: st.lastSyncedAt,
		}
	}
	return out
}

// UpdateFromPush overwrites a slice with a server-pushed value. Always
// allowed; this is the only write path while the session is
// authenticated outside the hydration window.
func (s *Store) UpdateFromPush(slice model.Slice, value json.RawMessage) {
	s.apply(slice, value, model.SourcePush)
}

// Pull is the governed fallback path. It refuses (returning the cached
// value, no network call) while the session is authenticated and the
// hydration window is closed, then consults the rate limiter and the
// duplicate-call guard before invoking the fetcher. On failure the
// slice stays untouched and the error goes to the caller alone.
func (s *Store) Pull(ctx context.Context, slice model.Slice, f Fetcher) (json.RawMessage, error) {
	value, _, err := s.pull(ctx, slice, f, false)
	return value, err
}

// ManualRefresh is the user-initiated escape hatch: one pull that
// bypasses the socket-priority rule but stays subject to the rate limit
// and the duplicate-call guard. Bursts of refresh calls collapse into a
// single pull when a debounce window is configured. Requires a
// registered fetcher.
func (s *Store) ManualRefresh(ctx context.Context, slice model.Slice) error {
	s.mu.Lock()
	f, ok := s.fetchers[slice]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFetcher, slice)
	}

	if s.debounce != nil {
		_, err := s.debounce.Do(ctx, "refresh:"+string(slice), func(ctx context.Context) (json.RawMessage, error) {
			value, _, err := s.pull(ctx, slice, f, true)
			return value, err
		})
		return err
	}

	_, _, err := s.pull(ctx, slice, f, true)
	return err
}

// pull runs one governed fetch. The fetched result distinguishes a real
// fetch from a suppressed one, so Hydrate can tell cached-and-skipped
// apart from freshly-pulled.
func (s *Store) pull(ctx context.Context, slice model.Slice, f Fetcher, force bool) (value json.RawMessage, fetched bool, err error) {
	key := string(slice)

	s.mu.Lock()
	var cached json.RawMessage
	if st, ok := s.slices[slice]; ok {
		cached = st.value
	}
	blocked := s.conn.State() == connection.StateAuthenticated && !s.hydrating
	s.mu.Unlock()

	if blocked && !force {
		s.logger.Debug("pull suppressed by socket priority", "slice", slice)
		return cached, false, nil
	}

	if !s.limiter.CanMakeRequest(key) {
		s.logger.Debug("pull suppressed by rate limit", "slice", slice)
		return cached, false, nil
	}
	// Recorded before the call: a failed fetch still consumed its slot.
	s.limiter.RecordRequest(key)

	value, err = s.guard.Do(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return f(ctx)
	})
	if err != nil {
		return cached, false, fmt.Errorf("pull %s: %w", slice, err)
	}

	// Last-write-wins by arrival order: a pull that resolves after a
	// newer push overwrites it, and vice versa.
	s.apply(slice, value, model.SourcePull)
	return value, true, nil
}

// Hydrate runs the ordered bootstrap pull sequence. Invoked once per
// authentication event; a session that hydrated successfully never
// hydrates again, even across later reconnects. The hydration window is
// closed before returning regardless of outcome, and a failed run
// leaves the once-flag unset so the next authentication retries.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	if s.hydratedOnce {
		s.mu.Unlock()
		return nil
	}
	s.hydrating = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.hydrating = false
		s.mu.Unlock()
	}()

	start := s.clock.Now()

	for _, slice := range model.BootstrapSlices {
		s.mu.Lock()
		f, ok := s.fetchers[slice]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("hydrate: %w: %s", ErrNoFetcher, slice)
		}

		value, fetched, err := s.pull(ctx, slice, f, false)
		if err != nil {
			s.logger.Warn("hydration fetch failed", "slice", slice, "error", err)
			return fmt.Errorf("hydrate %s: %w", slice, err)
		}
		// A rate-limited pull with no cached value means the slice was
		// never populated; the bootstrap cannot claim success for it.
		if !fetched && value == nil {
			s.logger.Warn("hydration pull suppressed with empty slice", "slice", slice)
			return fmt.Errorf("hydrate %s: %w", slice, ErrPullSuppressed)
		}
	}

	s.mu.Lock()
	s.hydratedOnce = true
	s.mu.Unlock()

	s.apply(model.SliceAuthReady, json.RawMessage(`true`), model.SourcePull)

	s.logger.Info("hydration complete",
		"slices", len(model.BootstrapSlices),
		"duration", s.clock.Since(start),
	)
	return nil
}

// Reset tears every slice back to empty on logout and forgets the
// hydration history, so the next session bootstraps from scratch.
func (s *Store) Reset() {
	s.mu.Lock()
	slices := make([]model.Slice, 0, len(s.slices))
	for name := range s.slices {
		slices = append(slices, name)
	}
	s.slices = make(map[model.Slice]*sliceState)
	s.hydratedOnce = false
	s.hydrating = false
	s.mu.Unlock()

	for _, name := range slices {
		s.notify(name, nil)
	}
}

// apply overwrites a slice and notifies its subscribers.
func (s *Store) apply(slice model.Slice, value json.RawMessage, source model.Source) {
	s.mu.Lock()
	st, ok := s.slices[slice]
	if !ok {
		st = &sliceState{}
		s.slices[slice] = st
	}
	st.value = value
	st.source = source
	st.lastSyncedAt = s.clock.Now()
	s.mu.Unlock()

	s.notify(slice, value)
}

// notify delivers a value to every subscriber of a slice, isolating
// failures so one broken callback cannot starve the rest.
func (s *Store) notify(slice model.Slice, value json.RawMessage) {
	s.mu.Lock()
	cbs := make([]func(json.RawMessage), 0, len(s.subscribers[slice]))
	for _, cb := range s.subscribers[slice] {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		s.safeNotify(slice, cb, value)
	}
}

func (s *Store) safeNotify(slice model.Slice, cb func(json.RawMessage), value json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("slice subscriber panicked", "slice", slice, "panic", r)
		}
	}()
	cb(value)
}
