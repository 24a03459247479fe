// Package config loads and validates the sync daemon's YAML
// configuration, with ${ENV} substitution and defaults for every
// tunable the core exposes.
package config

import "time"

// SyncConfig is the root configuration for a sync daemon instance.
type SyncConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Socket   SocketConfig   `yaml:"socket"`
	Sync     SyncTunables   `yaml:"sync"`
	Journal  JournalConfig  `yaml:"journal"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds REST backend settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SocketConfig holds websocket session settings.
type SocketConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// SyncTunables holds the request governor settings.
type SyncTunables struct {
	RateWindow      time.Duration `yaml:"rate_window"`
	GuardTTL        time.Duration `yaml:"guard_ttl"`
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`
}

// JournalConfig holds the optional slice-update journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
