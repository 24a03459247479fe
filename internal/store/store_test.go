package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/makoto-isback/1kdream-sub001/internal/connection"
	"github.com/makoto-isback/1kdream-sub001/internal/model"
)

// fakeConn is a settable StateSource.
type fakeConn struct {
	state atomic.Int32
}

func (c *fakeConn) State() connection.State {
	return connection.State(c.state.Load())
}

func (c *fakeConn) set(s connection.State) {
	c.state.Store(int32(s))
}

func testStore(conn *fakeConn, clock clockwork.Clock) *Store {
	return New(Config{
		RateWindow: 10 * time.Second,
		GuardTTL:   5 * time.Second,
	}, conn, clock, nil)
}

func countingFetcher(calls *atomic.Int32, value string) Fetcher {
	return func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(value), nil
	}
}

func TestStore_PushThenGet(t *testing.T) {
	conn := &fakeConn{}
	s := testStore(conn, clockwork.NewFakeClock())

	if got := s.Get(model.SliceAccount); got != nil {
		t.Fatalf("Get before any update = %s, want nil", got)
	}

	s.UpdateFromPush(model.SliceAccount, json.RawMessage(`{"balance":100}`))

	if got := string(s.Get(model.SliceAccount)); got != `{"balance":100}` {
		t.Errorf("Get = %s, want {\"balance\":100}", got)
	}
	if info := s.Info(model.SliceAccount); info.Source != model.SourcePush {
		t.Errorf("Source = %v, want push", info.Source)
	}
}

func TestStore_SocketPriority(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	s := testStore(conn, clockwork.NewFakeClock())

	s.UpdateFromPush(model.SliceAccount, json.RawMessage(`{"balance":100}`))

	var calls atomic.Int32
	got, err := s.Pull(context.Background(), model.SliceAccount, countingFetcher(&calls, `{"balance":999}`))
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if calls.Load() != 0 {
		t.Error("fetcher must not run while authenticated with hydration window closed")
	}
	if string(got) != `{"balance":100}` {
		t.Errorf("Pull returned %s, want cached {\"balance\":100}", got)
	}
	if info := s.Info(model.SliceAccount); info.Source != model.SourcePush {
		t.Errorf("Source = %v, want push (unchanged)", info.Source)
	}
}

func TestStore_PullWhenNotAuthenticated(t *testing.T) {
	conn := &fakeConn{}
	s := testStore(conn, clockwork.NewFakeClock())

	var notified atomic.Int32
	s.Subscribe(model.SliceActiveRound, func(v json.RawMessage) {
		notified.Add(1)
	})

	var calls atomic.Int32
	got, err := s.Pull(context.Background(), model.SliceActiveRound, countingFetcher(&calls, `{"id":"r1"}`))
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("fetcher calls = %d, want 1", calls.Load())
	}
	if string(got) != `{"id":"r1"}` {
		t.Errorf("Pull returned %s, want fetched value", got)
	}
	if info := s.Info(model.SliceActiveRound); info.Source != model.SourcePull {
		t.Errorf("Source = %v, want pull", info.Source)
	}
	if notified.Load() != 1 {
		t.Errorf("subscriber notifications = %d, want 1", notified.Load())
	}
}

func TestStore_PullFailureLeavesSlice(t *testing.T) {
	conn := &fakeConn{}
	s := testStore(conn, clockwork.NewFakeClock())

	s.UpdateFromPush(model.SliceOpenBets, json.RawMessage(`[]`))

	var notified atomic.Int32
	s.Subscribe(model.SliceOpenBets, func(v json.RawMessage) {
		notified.Add(1)
	})
	notified.Store(0) // discard the immediate replay

	wantErr := errors.New("backend down")
	got, err := s.Pull(context.Background(), model.SliceOpenBets, func(ctx context.Context) (json.RawMessage, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}

	if string(got) != `[]` {
		t.Errorf("Pull returned %s, want prior value []", got)
	}
	if string(s.Get(model.SliceOpenBets)) != `[]` {
		t.Errorf("slice = %s, want untouched []", s.Get(model.SliceOpenBets))
	}
	if notified.Load() != 0 {
		t.Errorf("subscribers notified %d times on failure, want 0", notified.Load())
	}
}

func TestStore_RateLimiting(t *testing.T) {
	conn := &fakeConn{}
	clock := clockwork.NewFakeClock()
	s := testStore(conn, clock)

	var calls atomic.Int32
	f := countingFetcher(&calls, `{"id":"r1"}`)

	s.Pull(context.Background(), model.SliceActiveRound, f)
	s.Pull(context.Background(), model.SliceActiveRound, f)

	if got := calls.Load(); got != 1 {
		t.Errorf("fetcher calls inside window = %d, want 1", got)
	}

	clock.Advance(10 * time.Second)
	s.Pull(context.Background(), model.SliceActiveRound, f)

	if got := calls.Load(); got != 2 {
		t.Errorf("fetcher calls after window = %d, want 2", got)
	}
}

func registerBootstrapFetchers(s *Store, calls map[model.Slice]*atomic.Int32) {
	for _, slice := range model.BootstrapSlices {
		var n atomic.Int32
		calls[slice] = &n
		s.SetFetcher(slice, countingFetcher(calls[slice], `{"ok":true}`))
	}
}

func TestStore_HydrationIdempotence(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	s := testStore(conn, clockwork.NewFakeClock())

	calls := make(map[model.Slice]*atomic.Int32)
	registerBootstrapFetchers(s, calls)

	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	for slice, n := range calls {
		if got := n.Load(); got != 1 {
			t.Errorf("%s fetcher calls = %d, want 1", slice, got)
		}
	}
	if got := string(s.Get(model.SliceAuthReady)); got != "true" {
		t.Errorf("authReady = %s, want true", got)
	}

	// Second call in the same session is a no-op.
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("second Hydrate failed: %v", err)
	}
	for slice, n := range calls {
		if got := n.Load(); got != 1 {
			t.Errorf("%s fetcher calls after re-hydrate = %d, want 1", slice, got)
		}
	}
}

func TestStore_HydrationBypassesSocketPriorityOnlyInsideWindow(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	s := testStore(conn, clockwork.NewFakeClock())

	calls := make(map[model.Slice]*atomic.Int32)
	registerBootstrapFetchers(s, calls)

	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if got := calls[model.SliceAccount].Load(); got != 1 {
		t.Fatalf("account fetcher calls = %d, want 1 (window open)", got)
	}

	// Window closed again: governed pulls refuse.
	var after atomic.Int32
	s.Pull(context.Background(), model.SliceAccount, countingFetcher(&after, `{}`))
	if after.Load() != 0 {
		t.Error("pull after hydration must be suppressed by socket priority")
	}
}

func TestStore_HydrationFailureRetriesNextAuth(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	clock := clockwork.NewFakeClock()
	s := testStore(conn, clock)

	calls := make(map[model.Slice]*atomic.Int32)
	registerBootstrapFetchers(s, calls)

	var fail atomic.Bool
	fail.Store(true)
	s.SetFetcher(model.SliceOpenBets, func(ctx context.Context) (json.RawMessage, error) {
		calls[model.SliceOpenBets].Add(1)
		if fail.Load() {
			return nil, errors.New("bets endpoint down")
		}
		return json.RawMessage(`[]`), nil
	})

	if err := s.Hydrate(context.Background()); err == nil {
		t.Fatal("expected Hydrate to fail")
	}
	if got := s.Get(model.SliceAuthReady); got != nil {
		t.Errorf("authReady = %s, want unset after failed hydration", got)
	}

	// Partial hydration is kept, not rolled back.
	if got := string(s.Get(model.SliceAccount)); got != `{"ok":true}` {
		t.Errorf("account after partial hydration = %s, want kept", got)
	}

	// Next authentication retries. Advance past the rate window so the
	// bootstrap slots are fresh again.
	fail.Store(false)
	clock.Advance(11 * time.Second)

	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("retry Hydrate failed: %v", err)
	}
	if got := string(s.Get(model.SliceAuthReady)); got != "true" {
		t.Errorf("authReady = %s, want true after successful retry", got)
	}
}

func TestStore_HydrationRetryWithinRateWindow(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	clock := clockwork.NewFakeClock()
	s := testStore(conn, clock)

	calls := make(map[model.Slice]*atomic.Int32)
	registerBootstrapFetchers(s, calls)

	var fail atomic.Bool
	fail.Store(true)
	s.SetFetcher(model.SliceOpenBets, func(ctx context.Context) (json.RawMessage, error) {
		calls[model.SliceOpenBets].Add(1)
		if fail.Load() {
			return nil, errors.New("bets endpoint down")
		}
		return json.RawMessage(`[]`), nil
	})

	if err := s.Hydrate(context.Background()); err == nil {
		t.Fatal("expected Hydrate to fail")
	}

	// Retry before the rate window elapses: the openBets pull is
	// suppressed and the slice is still empty, so the bootstrap must not
	// claim success.
	fail.Store(false)
	clock.Advance(2 * time.Second)

	if err := s.Hydrate(context.Background()); err == nil {
		t.Fatal("expected in-window retry Hydrate to fail")
	}
	if got := s.Get(model.SliceOpenBets); got != nil {
		t.Errorf("openBets = %s, want nil while unfetched", got)
	}
	if got := s.Get(model.SliceAuthReady); got != nil {
		t.Errorf("authReady = %s, want unset after suppressed retry", got)
	}

	s.mu.Lock()
	hydratedOnce := s.hydratedOnce
	s.mu.Unlock()
	if hydratedOnce {
		t.Error("hydratedOnce set after suppressed retry, want unset")
	}

	// Once the window elapses the retry fetches for real.
	clock.Advance(10 * time.Second)

	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("retry Hydrate failed: %v", err)
	}
	if got := string(s.Get(model.SliceOpenBets)); got != `[]` {
		t.Errorf("openBets = %s, want []", got)
	}
	if got := string(s.Get(model.SliceAuthReady)); got != "true" {
		t.Errorf("authReady = %s, want true after successful retry", got)
	}
}

func TestStore_ManualRefresh(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	s := testStore(conn, clockwork.NewFakeClock())

	s.UpdateFromPush(model.SliceAccount, json.RawMessage(`{"balance":100}`))

	var calls atomic.Int32
	s.SetFetcher(model.SliceAccount, countingFetcher(&calls, `{"balance":250}`))

	if err := s.ManualRefresh(context.Background(), model.SliceAccount); err != nil {
		t.Fatalf("ManualRefresh failed: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("fetcher calls = %d, want 1 (manual refresh bypasses socket priority)", got)
	}
	if got := string(s.Get(model.SliceAccount)); got != `{"balance":250}` {
		t.Errorf("account = %s, want refreshed value", got)
	}

	// Still rate limited: an immediate second refresh is a no-op.
	if err := s.ManualRefresh(context.Background(), model.SliceAccount); err != nil {
		t.Fatalf("second ManualRefresh failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetcher calls after immediate retry = %d, want 1", got)
	}
}

func TestStore_ManualRefreshDebounced(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	clock := clockwork.NewFakeClock()
	s := New(Config{
		RateWindow:      10 * time.Second,
		GuardTTL:        5 * time.Second,
		RefreshDebounce: 300 * time.Millisecond,
	}, conn, clock, nil)

	var calls atomic.Int32
	s.SetFetcher(model.SliceActiveRound, countingFetcher(&calls, `{"id":"r9"}`))

	// A burst of refresh clicks collapses into one pull.
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			done <- s.ManualRefresh(context.Background(), model.SliceActiveRound)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(300 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := <-done; err != nil {
			t.Fatalf("ManualRefresh %d failed: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetcher calls = %d, want 1 for a collapsed burst", got)
	}
	if got := string(s.Get(model.SliceActiveRound)); got != `{"id":"r9"}` {
		t.Errorf("activeRound = %s, want refreshed value", got)
	}
}

func TestStore_ManualRefreshWithoutFetcher(t *testing.T) {
	s := testStore(&fakeConn{}, clockwork.NewFakeClock())

	if err := s.ManualRefresh(context.Background(), model.SliceAccount); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("err = %v, want ErrNoFetcher", err)
	}
}

func TestStore_SubscribeReplayAndUnsubscribe(t *testing.T) {
	s := testStore(&fakeConn{}, clockwork.NewFakeClock())

	s.UpdateFromPush(model.SliceActiveRound, json.RawMessage(`{"id":"r1"}`))

	var got []string
	unsub := s.Subscribe(model.SliceActiveRound, func(v json.RawMessage) {
		got = append(got, string(v))
	})

	if len(got) != 1 || got[0] != `{"id":"r1"}` {
		t.Fatalf("immediate replay = %v, want [{\"id\":\"r1\"}]", got)
	}

	unsub()
	s.UpdateFromPush(model.SliceActiveRound, json.RawMessage(`{"id":"r2"}`))

	if len(got) != 1 {
		t.Errorf("notifications after unsubscribe = %d, want 1", len(got))
	}
}

func TestStore_SubscriberPanicIsolated(t *testing.T) {
	s := testStore(&fakeConn{}, clockwork.NewFakeClock())

	var delivered atomic.Int32
	s.Subscribe(model.SliceAccount, func(v json.RawMessage) {
		panic("broken display code")
	})
	s.Subscribe(model.SliceAccount, func(v json.RawMessage) {
		delivered.Add(1)
	})

	s.UpdateFromPush(model.SliceAccount, json.RawMessage(`{}`))

	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1 despite panicking co-subscriber", got)
	}
}

func TestStore_Reset(t *testing.T) {
	conn := &fakeConn{}
	conn.set(connection.StateAuthenticated)
	s := testStore(conn, clockwork.NewFakeClock())

	calls := make(map[model.Slice]*atomic.Int32)
	registerBootstrapFetchers(s, calls)
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}

	var last atomic.Value
	s.Subscribe(model.SliceAccount, func(v json.RawMessage) {
		last.Store(string(v))
	})

	s.Reset()

	if got := s.Get(model.SliceAccount); got != nil {
		t.Errorf("account after Reset = %s, want nil", got)
	}
	if got, _ := last.Load().(string); got != "" {
		t.Errorf("subscriber last value = %q, want empty notification", got)
	}

	s.mu.Lock()
	hydrated := s.hydratedOnce
	s.mu.Unlock()
	if hydrated {
		t.Error("hydratedOnce must clear on Reset")
	}
}
