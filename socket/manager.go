// Package socket maintains the persistent control-channel websocket to the
// backend: connect/reconnect lifecycle, outbound framing, inbound dispatch,
// and app foreground/background awareness.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribsense/uplink/identity"
	"github.com/cribsense/uplink/wire"
)

// Sentinel errors for connection handling.
var (
	ErrAuthMissing  = errors.New("socket: no identity available")
	ErrNotConnected = errors.New("socket: not connected")
)

// Reconnect and transport defaults, applied by New when the corresponding
// Config field is zero.
const (
	DefaultBaseDelay    = 5 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 10
	DefaultPingInterval = 30 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// State is the connection lifecycle state. Exactly one value holds at any
// time; every transition is driven by a dial result, a socket close, or an
// explicit call.
type State int

// Connection states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler consumes one decoded inbound message. Handlers run on the read
// goroutine; a slow handler delays subsequent dispatch, never concurrent
// with it.
type Handler func(wire.Inbound)

// Config holds the configuration for a Manager.
type Config struct {
	// ServerURL is the backend base URL, e.g. "https://api.example.com".
	// http/https derive ws/wss; ws/wss are used as given.
	ServerURL string

	// Linear reconnect schedule: attempt n waits min(BaseDelay*n, MaxDelay).
	// After MaxAttempts consecutive failures the manager stays down until
	// the next explicit Connect.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// PingInterval paces keepalive pings. A peer that misses two intervals
	// fails the read deadline and follows the normal reconnect path.
	PingInterval time.Duration

	// Platform and Version are announced in the device_info message after
	// each connect. Platform defaults to runtime.GOOS, Version to "dev".
	Platform string
	Version  string
}

// Manager owns one logical websocket session to the backend. All methods
// are safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	config   Config
	provider identity.Provider
	base     *url.URL
	dialer   *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connCancel context.CancelFunc
	id         identity.Identity
	handlers   map[wire.Type]Handler
	retryTimer *time.Timer
	attempts   int
	desired    bool
	foreground bool

	// gen increments on every transition that invalidates in-flight dial
	// or read-loop work, so stale goroutines cannot corrupt newer state.
	gen int

	// writeMu serializes data writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	stats stats
}

// New creates a Manager for the given backend. It returns an error if the
// configuration is incomplete. If log is nil, slog.Default() is used.
func New(config Config, provider identity.Provider, log *slog.Logger) (*Manager, error) {
	if config.ServerURL == "" {
		return nil, errors.New("socket: ServerURL is required")
	}
	if provider == nil {
		return nil, errors.New("socket: identity provider is required")
	}
	base, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("socket: parse server URL: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("socket: unsupported scheme %q", base.Scheme)
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultBaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.Platform == "" {
		config.Platform = runtime.GOOS
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:        log.With("component", "socket"),
		config:     config,
		provider:   provider,
		base:       base,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handlers:   make(map[wire.Type]Handler),
		foreground: true,
	}, nil
}

// Handle registers the handler for one inbound message type, replacing any
// previous registration. Messages of unregistered or unknown types are
// logged and dropped.
func (m *Manager) Handle(t wire.Type, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a connection attempt. It returns ErrAuthMissing when the
// identity provider cannot supply credentials, and nil immediately when a
// connection is already open or opening. Dialing itself is asynchronous;
// ctx bounds only the identity lookup.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	id, err := m.provider.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthMissing, err)
	}

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.desired = true
	m.attempts = 0
	m.id = id
	m.stopRetryLocked()
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Info("connecting", "deviceID", id.DeviceID)
	go m.dial(gen)
	return nil
}

// Disconnect closes the session with a normal closure code and cancels any
// pending reconnect. No reconnection happens until the next Connect. It is
// idempotent.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.desired = false
	m.stopRetryLocked()
	m.gen++
	conn := m.conn
	m.conn = nil
	cancel := m.connCancel
	m.connCancel = nil
	wasDown := m.state == StateDisconnected
	m.state = StateDisconnected
	m.stats.connectedAt.Store(0)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
	}
	if !wasDown {
		m.log.Info("disconnected", "reason", reason)
	}
}

// SetForeground feeds the app lifecycle phase into the manager. In the
// background, pending reconnects are suppressed; returning to the
// foreground redials immediately if a connection is still desired.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	if m.foreground == fg {
		m.mu.Unlock()
		return
	}
	m.foreground = fg

	if !fg {
		m.stopRetryLocked()
		m.mu.Unlock()
		m.log.Debug("backgrounded, reconnect suppressed")
		return
	}

	if m.desired && (m.state == StateDisconnected || m.state == StateError) {
		m.state = StateConnecting
		m.gen++
		gen := m.gen
		m.mu.Unlock()
		m.log.Info("foregrounded, redialing")
		m.stats.reconnects.Add(1)
		go m.dial(gen)
		return
	}
	m.mu.Unlock()
}

// Send delivers one envelope on the open socket, stamping Timestamp and
// DeviceID when unset. While not Connected the envelope is dropped and
// ErrNotConnected returned; it is never queued for later delivery.
func (m *Manager) Send(env wire.Envelope) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		m.stats.messagesDropped.Add(1)
		m.log.Warn("dropping message, not connected", "type", env.Type)
		return ErrNotConnected
	}
	conn := m.conn
	deviceID := m.id.DeviceID
	m.mu.Unlock()

	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.DeviceID == "" {
		env.DeviceID = deviceID
	}
	return m.write(conn, env)
}

func (m *Manager) write(conn *websocket.Conn, env wire.Envelope) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("socket: send %s: %w", env.Type, err)
	}
	m.stats.messagesSent.Add(1)
	return nil
}

// dial resolves fresh credentials and performs the websocket handshake.
// Runs on its own goroutine; gen detects whether the result still matters.
func (m *Manager) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	id, err := m.provider.Identity(ctx)
	cancel()
	if err != nil {
		m.log.Error("identity unavailable", "error", err)
		m.failDial(gen, false)
		return
	}

	u := m.base.JoinPath("ws", id.DeviceID)
	q := u.Query()
	q.Set("token", id.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := m.dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		rejected := resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		if rejected {
			m.log.Error("authentication rejected", "status", resp.StatusCode)
		} else {
			m.log.Warn("dial failed", "error", err)
		}
		m.failDial(gen, !rejected)
		return
	}
	m.open(gen, id, conn)
}

// failDial records a failed attempt. Credential rejections surface as a
// bare Error state; everything else follows the retry schedule.
func (m *Manager) failDial(gen int, retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.state = StateError
	if retry {
		m.scheduleRetryLocked()
	}
}

func (m *Manager) open(gen int, id identity.Identity, conn *websocket.Conn) {
	m.mu.Lock()
	if gen != m.gen || !m.desired {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.id = id
	m.state = StateConnected
	m.attempts = 0
	connCtx, cancel := context.WithCancel(context.Background())
	m.connCancel = cancel
	m.mu.Unlock()

	m.stats.connectedAt.Store(time.Now().UnixMilli())
	m.log.Info("connected", "deviceID", id.DeviceID)

	env, err := wire.NewEnvelope(wire.TypeDeviceInfo, id.DeviceID, wire.DeviceInfoPayload{
		Platform: m.config.Platform,
		Version:  m.config.Version,
	})
	if err == nil {
		if err := m.write(conn, env); err != nil {
			m.log.Warn("device_info send failed", "error", err)
		}
	}

	go m.readLoop(gen, conn)
	go m.pingLoop(connCtx, conn)
}

// readLoop drains inbound frames until the socket fails or closes, then
// routes the close into the state machine.
func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	readTimeout := 2 * m.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.closed(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		m.stats.messagesReceived.Add(1)
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame []byte) {
	in, err := wire.Decode(frame)
	if err != nil {
		m.stats.protocolErrors.Add(1)
		m.log.Warn("malformed message dropped", "error", err)
		return
	}
	if !in.Known() {
		m.stats.unknownMessages.Add(1)
		m.log.Warn("unknown message type dropped", "type", in.Type)
		return
	}

	m.mu.Lock()
	h := m.handlers[in.Type]
	m.mu.Unlock()
	if h == nil {
		m.log.Debug("no handler registered", "type", in.Type)
		return
	}
	h(in)
}

// closed handles a socket teardown observed by the read loop. A normal
// closure ends the session; any other cause follows the retry schedule.
func (m *Manager) closed(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// Explicit Disconnect or a newer dial already owns the state.
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.stats.connectedAt.Store(0)

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
		// Peer ended the session cleanly; stay down.
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Info("closed by peer")
		return
	case errors.As(err, &ce):
		m.state = StateDisconnected
		m.log.Warn("abnormal closure", "code", ce.Code, "text", ce.Text)
	default:
		m.state = StateError
		m.log.Warn("connection lost", "error", err)
	}
	m.scheduleRetryLocked()
	m.mu.Unlock()
}

// scheduleRetryLocked arms the reconnect timer for the next attempt. The
// caller holds mu. Scheduling is skipped while backgrounded (the foreground
// transition redials) and stops for good once MaxAttempts consecutive
// failures accumulate.
func (m *Manager) scheduleRetryLocked() {
	if !m.desired {
		return
	}
	if !m.foreground {
		m.log.Debug("backgrounded, reconnect deferred")
		return
	}
	m.attempts++
	if m.attempts >= m.config.MaxAttempts {
		m.log.Error("reconnect attempts exhausted", "attempts", m.attempts)
		return
	}
	delay := backoffDelay(m.attempts, m.config.BaseDelay, m.config.MaxDelay)
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, m.retryFire)
	m.log.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay)
}

func (m *Manager) retryFire() {
	m.mu.Lock()
	if !m.desired || !m.foreground ||
		(m.state != StateDisconnected && m.state != StateError) {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	attempt := m.attempts
	m.mu.Unlock()

	m.stats.reconnects.Add(1)
	m.log.Info("reconnecting", "attempt", attempt)
	m.dial(gen)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// backoffDelay computes the linear reconnect delay for the given attempt
// number, clamped to max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(attempt) * base
	if d > max {
		return max
	}
	return d
}

// pingLoop emits keepalive pings until the connection context is
// cancelled. Write failures are left for the read loop to surface.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				m.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
