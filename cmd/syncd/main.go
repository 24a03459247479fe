package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makoto-isback/1kdream-sub001/internal/api"
	"github.com/makoto-isback/1kdream-sub001/internal/config"
	"github.com/makoto-isback/1kdream-sub001/internal/connection"
	"github.com/makoto-isback/1kdream-sub001/internal/database"
	"github.com/makoto-isback/1kdream-sub001/internal/journal"
	"github.com/makoto-isback/1kdream-sub001/internal/model"
	"github.com/makoto-isback/1kdream-sub001/internal/store"
	"github.com/makoto-isback/1kdream-sub001/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/syncd.local.yaml", "path to config file")
	healthAddr := flag.String("health", ":8080", "health endpoint listen address")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.API.RestURL,
		"socket_url", cfg.Socket.URL,
	)

	token := os.Getenv("SYNCD_TOKEN")
	if token == "" {
		logger.Error("SYNCD_TOKEN is not set")
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create API client
	apiClient := api.NewClient(
		cfg.API.RestURL,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
	apiClient.SetToken(token)

	// Connection manager for the single websocket session
	mgr := connection.NewManager(connection.ManagerConfig{
		URL:                  cfg.Socket.URL,
		MaxReconnectAttempts: cfg.Socket.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Socket.ReconnectDelay,
		PingTimeout:          cfg.Socket.PingTimeout,
		WriteTimeout:         cfg.Socket.WriteTimeout,
		BufferSize:           cfg.Socket.BufferSize,
	}, connection.NewClient, logger)

	// Slice store with pull fetchers backed by the REST API
	st := store.New(store.Config{
		RateWindow:      cfg.Sync.RateWindow,
		GuardTTL:        cfg.Sync.GuardTTL,
		RefreshDebounce: cfg.Sync.RefreshDebounce,
	}, mgr, nil, logger)

	for _, slice := range model.BootstrapSlices {
		slice := slice
		st.SetFetcher(slice, func(ctx context.Context) (json.RawMessage, error) {
			return apiClient.FetchSlice(ctx, slice)
		})
	}

	unbind := st.Bind(ctx, mgr)
	defer unbind()

	// Optional journal: persist every slice update to PostgreSQL
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jw := journal.NewWriter(cfg.Journal, pool, logger)
		jw.Attach(st)
		if err := jw.Start(ctx); err != nil {
			logger.Error("failed to start journal writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			jw.Stop(stopCtx)
		}()
	}

	// Health server
	healthServer := &http.Server{
		Addr:    *healthAddr,
		Handler: createHealthHandler(mgr, st),
	}
	go func() {
		logger.Info("starting health server", "addr", *healthAddr)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Open the session
	if err := mgr.Connect(ctx, token); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	logger.Info("syncd running", "instance_id", cfg.Instance.ID)

	// Periodic stats logging
	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down...")

			mgr.Disconnect()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			healthServer.Shutdown(shutdownCtx)
			shutdownCancel()

			logger.Info("syncd stopped")
			return
		case <-statsTicker.C:
			ms := mgr.Stats()
			logger.Info("session stats",
				"state", ms.State.String(),
				"user_id", ms.UserID,
				"reconnect_attempts", ms.ReconnectAttempts,
				"active_handlers", ms.ActiveHandlers,
			)
			for slice, info := range st.Stats() {
				logger.Debug("slice stats",
					"slice", slice,
					"has_value", info.HasValue,
					"source", info.Source,
					"last_synced_at", info.LastSyncedAt,
				)
			}
		}
	}
}

// createHealthHandler serves session state and per-slice freshness.
func createHealthHandler(mgr *connection.Manager, st *store.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ms := mgr.Stats()

		health := struct {
			Status string                 `json:"status"`
			State  string                 `json:"state"`
			UserID string                 `json:"user_id,omitempty"`
			Slices map[string]interface{} `json:"slices"`
		}{
			Status: "healthy",
			State:  ms.State.String(),
			UserID: ms.UserID,
			Slices: make(map[string]interface{}),
		}

		if ms.State != connection.StateAuthenticated {
			health.Status = "degraded"
		}

		for slice, info := range st.Stats() {
			health.Slices[string(slice)] = map[string]interface{}{
				"has_value":      info.HasValue,
				"source":         string(info.Source),
				"last_synced_at": info.LastSyncedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/refresh", func(w http.ResponseWriter, r *http.Request) {
		slice := model.Slice(r.URL.Query().Get("slice"))
		if slice == "" {
			http.Error(w, "missing slice parameter", http.StatusBadRequest)
			return
		}

		if err := st.ManualRefresh(r.Context(), slice); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"refreshed":%q}`, slice)
	})

	return mux
}
