package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makoto-isback/1kdream-sub001/internal/model"
)

func TestClient_GetAccount(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/v1/account" {
			t.Errorf("path = %q, want /api/v1/account", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(model.Account{
			UserID:   "u1",
			Balance:  500000,
			Currency: "USDT",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithTimeout(5*time.Second))
	client.SetToken("tok1")

	acct, err := client.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}

	if acct.UserID != "u1" {
		t.Errorf("UserID = %q, want %q", acct.UserID, "u1")
	}
	if acct.Balance != 500000 {
		t.Errorf("Balance = %d, want 500000", acct.Balance)
	}
	if gotAuth != "Bearer tok1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok1")
	}
}

func TestClient_RetryOnServerError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":"r1","phase":"open"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetries(3, 5*time.Millisecond))

	round, err := client.GetActiveRound(context.Background())
	if err != nil {
		t.Fatalf("GetActiveRound failed: %v", err)
	}
	if round.ID != "r1" {
		t.Errorf("round ID = %q, want %q", round.ID, "r1")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetries(3, 5*time.Millisecond))

	_, err := client.GetOpenBets(context.Background())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (4xx must not retry)", got)
	}
}

func TestClient_FetchSliceRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bets/open" {
			t.Errorf("path = %q, want /api/v1/bets/open", r.URL.Path)
		}
		w.Write([]byte(`[{"round_id":"r1","amount":1000}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	raw, err := client.FetchSlice(context.Background(), model.SliceOpenBets)
	if err != nil {
		t.Fatalf("FetchSlice failed: %v", err)
	}
	if string(raw) != `[{"round_id":"r1","amount":1000}]` {
		t.Errorf("raw = %s, want passthrough body", raw)
	}

	if _, err := client.FetchSlice(context.Background(), model.Slice("nope")); err == nil {
		t.Error("expected error for unknown slice")
	}
}
