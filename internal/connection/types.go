package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNoCredential    = errors.New("no credential supplied")
)

// State is the explicit connection state machine. Valid transitions:
//
//	disconnected → connecting → connected → authenticated
//
// connected and authenticated fall back to disconnected on transport
// failure; connecting falls back to disconnected after exhausting the
// reconnect bound.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Handler receives the payload of one inbound domain event.
type Handler func(payload json.RawMessage)

// Message wraps raw frame data with its receive timestamp.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Command is an outbound frame to the server.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

// AuthParams carries the opaque credential for the auth command. The
// core never inspects the token's structure, only equality.
type AuthParams struct {
	Token string `json:"token"`
}

// Frame is an inbound frame from the server.
type Frame struct {
	Type  string          `json:"type"`  // "authenticated", "event", "error"
	Event string          `json:"event"` // domain event name for type "event"
	Msg   json.RawMessage `json:"msg"`
}

// AuthenticatedMsg is the payload of a "type":"authenticated" frame.
type AuthenticatedMsg struct {
	UserID string `json:"user_id"`
}

// ErrorMsg is the payload of a "type":"error" frame.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientConfig configures one websocket session.
type ClientConfig struct {
	URL              string        // websocket URL of the game server
	HandshakeTimeout time.Duration // dial deadline
	PingTimeout      time.Duration // max silence before the session counts as stale
	WriteTimeout     time.Duration // write deadline for sends
	BufferSize       int           // inbound message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	URL                  string        // websocket URL of the game server
	MaxReconnectAttempts int           // bound on automatic reconnects
	ReconnectDelay       time.Duration // fixed inter-attempt delay
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	BufferSize           int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       2 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1024,
	}
}

// ManagerStats is a point-in-time view of the manager.
type ManagerStats struct {
	State             State
	UserID            string
	ReconnectAttempts int
	PendingHandlers   int
	ActiveHandlers    int
}
