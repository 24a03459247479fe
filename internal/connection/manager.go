package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Manager owns the single live session. It drives the state machine
// through the transport's connect/disconnect/error events, runs the
// in-band auth handshake, replays queued subscriptions on
// authentication, and bounds automatic reconnection.
//
// Exactly one Manager exists per running client; every consumer
// interacts with the session through it.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory

	cmdID atomic.Int64

	mu         sync.Mutex
	state      State
	credential string
	userID     string
	attempts   int
	client     Client
	gen        int // connection generation; bumping it retires the running session loop

	// Subscription registries, keyed by event name then handler identity.
	pending map[string]map[uintptr]Handler
	active  map[string]map[uintptr]Handler

	// Listeners for the once-per-authentication notification.
	authListeners map[int]func(userID string)
	nextListener  int

	wg sync.WaitGroup
}

// NewManager creates a connection manager. A nil factory uses the real
// websocket client; tests substitute an in-memory one.
func NewManager(cfg ManagerConfig, factory ClientFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = NewClient
	}

	return &Manager{
		cfg:           cfg,
		logger:        logger,
		newClient:     factory,
		pending:       make(map[string]map[uintptr]Handler),
		active:        make(map[string]map[uintptr]Handler),
		authListeners: make(map[int]func(string)),
	}
}

// Connect establishes the session with the given credential. A no-op if
// the session is already live (or being established) with the same
// credential; a different credential tears down the old session first.
// Connection and authentication proceed in the background: the state
// machine, not the return value, reports progress.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrNoCredential
	}

	m.mu.Lock()

	if m.state != StateDisconnected && credential == m.credential {
		m.mu.Unlock()
		return nil
	}

	var old Client
	if m.state != StateDisconnected {
		old = m.teardownLocked(true)
	}

	m.credential = credential
	m.state = StateConnecting
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.wg.Add(1)
	go m.run(ctx, gen, credential)

	return nil
}

// Disconnect is the explicit teardown: closes the transport, clears the
// credential and counters, and drops active handlers. Pending handlers
// stay queued for a future Connect; consumers that are done for good
// call their unsubscribe functions instead.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked(false)
	m.credential = ""
	m.attempts = 0
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// teardownLocked retires the running session loop and resets state. When
// requeue is set, active handlers move back to pending so a future
// authentication restores them without caller action. Returns the client
// to close once the lock is released.
func (m *Manager) teardownLocked(requeue bool) Client {
	m.gen++
	m.state = StateDisconnected
	m.userID = ""

	old := m.client
	m.client = nil

	if requeue {
		m.requeueActiveLocked()
	} else {
		m.active = make(map[string]map[uintptr]Handler)
	}

	return old
}

// requeueActiveLocked reverts active handlers to pending.
func (m *Manager) requeueActiveLocked() {
	for event, handlers := range m.active {
		for key, h := range handlers {
			if m.pending[event] == nil {
				m.pending[event] = make(map[uintptr]Handler)
			}
			m.pending[event][key] = h
		}
		delete(m.active, event)
	}
}

// Subscribe registers a handler for an inbound domain event. If the
// session is authenticated the handler attaches immediately; otherwise
// it queues until the next authentication. Re-registering the identical
// handler for the same event is a no-op. The returned function removes
// the handler from whichever registry it currently lives in.
func (m *Manager) Subscribe(event string, h Handler) func() {
	key := reflect.ValueOf(h).Pointer()

	m.mu.Lock()
	_, inActive := m.active[event][key]
	_, inPending := m.pending[event][key]
	if !inActive && !inPending {
		reg := m.pending
		if m.state == StateAuthenticated {
			reg = m.active
		}
		if reg[event] == nil {
			reg[event] = make(map[uintptr]Handler)
		}
		reg[event][key] = h
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.active[event], key)
		delete(m.pending[event], key)
		m.mu.Unlock()
	}
}

// OnAuthenticated registers a listener for the cross-cutting
// "authenticated" notification, fired exactly once per successful
// authentication with the confirmed identity. Returns a removal
// function.
func (m *Manager) OnAuthenticated(fn func(userID string)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.authListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.authListeners, id)
		m.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the authenticated identity, or "" before authentication.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Stats returns a point-in-time view of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, active := 0, 0
	for _, hs := range m.pending {
		pending += len(hs)
	}
	for _, hs := range m.active {
		active += len(hs)
	}

	return ManagerStats{
		State:             m.state,
		UserID:            m.userID,
		ReconnectAttempts: m.attempts,
		PendingHandlers:   pending,
		ActiveHandlers:    active,
	}
}

// run is one session loop: dial, authenticate, read until failure,
// reconnect up to the bound. It exits when its generation is retired or
// the bound is exhausted.
func (m *Manager) run(ctx context.Context, gen int, credential string) {
	defer m.wg.Done()

	for {
		cli, ok := m.installClient(gen)
		if !ok {
			return
		}

		if err := cli.Connect(ctx); err != nil {
			m.logger.Warn("connect failed", "error", err)
			if !m.retryAfterFailure(ctx, gen) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			cli.Close()
			return
		}
		m.state = StateConnected
		m.attempts = 0
		m.mu.Unlock()

		m.logger.Info("transport connected", "url", m.cfg.URL)

		if err := m.sendAuth(cli, credential); err != nil {
			m.logger.Warn("auth handshake send failed", "error", err)
		}

		if !m.readSession(ctx, gen, cli) {
			return
		}
		// Session dropped; fall through to redial.
		if !m.retryAfterFailure(ctx, gen) {
			return
		}
	}
}

// installClient creates and registers a fresh client for this
// generation. Returns false when the generation is retired.
func (m *Manager) installClient(gen int) (Client, bool) {
	clientCfg := ClientConfig{
		URL:              m.cfg.URL,
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      m.cfg.PingTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return nil, false
	}

	cli := m.newClient(clientCfg, m.logger)
	m.client = cli
	m.state = StateConnecting
	return cli, true
}

// readSession consumes the session until it dies. Returns false when the
// loop should stop for good (retired generation or context done), true
// when the caller should attempt a reconnect.
func (m *Manager) readSession(ctx context.Context, gen int, cli Client) bool {
	for {
		select {
		case <-ctx.Done():
			cli.Close()
			m.mu.Lock()
			if m.gen == gen {
				m.teardownLocked(true)
				m.credential = ""
			}
			m.mu.Unlock()
			return false

		case err := <-cli.Errors():
			m.logger.Warn("transport failure", "error", err)
			cli.Close()
			if !m.markDisconnected(gen) {
				return false
			}
			return true

		case msg, ok := <-cli.Messages():
			if !ok {
				cli.Close()
				if !m.markDisconnected(gen) {
					return false
				}
				return true
			}
			m.handleFrame(gen, msg.Data)
		}
	}
}

// markDisconnected records a transport drop: state back to disconnected,
// active handlers requeued for the next authentication. Returns false
// when this generation is already retired.
func (m *Manager) markDisconnected(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return false
	}

	m.state = StateDisconnected
	m.userID = ""
	m.client = nil
	m.requeueActiveLocked()
	return true
}

// retryAfterFailure waits out the reconnect delay and charges one
// attempt against the bound. Exhausting the bound clears the credential:
// no further automatic attempts until the caller connects explicitly.
func (m *Manager) retryAfterFailure(ctx context.Context, gen int) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}

	m.attempts++
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted",
			"attempts", m.attempts,
			"max", m.cfg.MaxReconnectAttempts,
		)
		m.credential = ""
		m.state = StateDisconnected
		m.mu.Unlock()
		return false
	}
	attempt := m.attempts
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Info("reconnecting",
		"attempt", attempt,
		"max", m.cfg.MaxReconnectAttempts,
		"delay", m.cfg.ReconnectDelay,
	)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.cfg.ReconnectDelay):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// sendAuth sends the in-band auth command.
func (m *Manager) sendAuth(cli Client, credential string) error {
	cmd := Command{
		ID:     m.cmdID.Add(1),
		Cmd:    "auth",
		Params: AuthParams{Token: credential},
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return cli.Send(data)
}

// handleFrame parses one inbound frame and routes it.
func (m *Manager) handleFrame(gen int, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("unparseable frame", "error", err, "len", len(data))
		return
	}

	switch frame.Type {
	case "authenticated":
		m.handleAuthenticated(gen, frame.Msg)

	case "event":
		m.dispatch(frame.Event, frame.Msg)

	case "error":
		var errMsg ErrorMsg
		json.Unmarshal(frame.Msg, &errMsg)
		m.logger.Warn("server error frame", "code", errMsg.Code, "message", errMsg.Message)

	default:
		m.logger.Debug("unknown frame type", "type", frame.Type)
	}
}

// handleAuthenticated promotes the session to authenticated, attaches
// queued subscriptions, and fires the authenticated notification.
func (m *Manager) handleAuthenticated(gen int, msg json.RawMessage) {
	var auth AuthenticatedMsg
	if err := json.Unmarshal(msg, &auth); err != nil {
		m.logger.Warn("unparseable authenticated frame", "error", err)
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.state == StateAuthenticated {
		// Retired session, or a duplicate confirmation for one handshake.
		m.mu.Unlock()
		return
	}

	m.state = StateAuthenticated
	m.userID = auth.UserID

	// Attach pending handlers, deduplicated against already-active ones.
	for event, handlers := range m.pending {
		for key, h := range handlers {
			if m.active[event] == nil {
				m.active[event] = make(map[uintptr]Handler)
			}
			m.active[event][key] = h
		}
		delete(m.pending, event)
	}

	listeners := make([]func(string), 0, len(m.authListeners))
	for _, fn := range m.authListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("authenticated", "user_id", auth.UserID)

	for _, fn := range listeners {
		m.safeNotify(fn, auth.UserID)
	}
}

// dispatch delivers an event payload to every active handler for its
// name. A failing handler is isolated and logged, never allowed to
// prevent delivery to the rest.
func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.active[event]))
	for _, h := range m.active[event] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.safeDispatch(event, h, payload)
	}
}

func (m *Manager) safeDispatch(event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	h(payload)
}

func (m *Manager) safeNotify(fn func(string), userID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("authenticated listener panicked", "panic", r)
		}
	}()
	fn(userID)
}
