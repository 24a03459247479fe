package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout      = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultMaxReconnect    = 5
	DefaultReconnectDelay  = 2 * time.Second
	DefaultPingTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultBufferSize      = 1024
	DefaultRateWindow      = 10 * time.Second
	DefaultGuardTTL        = 5 * time.Second
	DefaultRefreshDebounce = 300 * time.Millisecond
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultDBMaxConns      = 10
	DefaultDBMinConns      = 2
	DefaultBatchSize       = 500
	DefaultFlushInterval   = 1 * time.Second
	DefaultJournalBuffer   = 5000
)

func (c *SyncConfig) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	if c.Socket.MaxReconnectAttempts == 0 {
		c.Socket.MaxReconnectAttempts = DefaultMaxReconnect
	}
	if c.Socket.ReconnectDelay == 0 {
		c.Socket.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Socket.PingTimeout == 0 {
		c.Socket.PingTimeout = DefaultPingTimeout
	}
	if c.Socket.WriteTimeout == 0 {
		c.Socket.WriteTimeout = DefaultWriteTimeout
	}
	if c.Socket.BufferSize == 0 {
		c.Socket.BufferSize = DefaultBufferSize
	}

	if c.Sync.RateWindow == 0 {
		c.Sync.RateWindow = DefaultRateWindow
	}
	if c.Sync.GuardTTL == 0 {
		c.Sync.GuardTTL = DefaultGuardTTL
	}
	if c.Sync.RefreshDebounce == 0 {
		c.Sync.RefreshDebounce = DefaultRefreshDebounce
	}

	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}
	applyDBDefaults(&c.Journal.Database)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
