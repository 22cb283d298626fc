package client

import (
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/workbeam/livesync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// DisconnectReason classifies why the channel went away. Transport reasons
// are retried automatically; the others are not.
type DisconnectReason string

const (
	ReasonServerTerminated DisconnectReason = "serverTerminated"
	ReasonTransportError   DisconnectReason = "transportError"
	ReasonClientInitiated  DisconnectReason = "clientInitiated"
)

type ChannelConfig struct {
	// URL of the gateway channel endpoint, e.g. wss://host/livesync/channel
	URL string
	// MaxAttempts caps automatic reconnection attempts per outage. Default 10.
	MaxAttempts int
	// BackoffBase is the first reconnect delay, doubled per failure. Default 1s.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay. Default 10s.
	BackoffMax time.Duration
	// AttemptTimeout bounds a single connection attempt, handshake included.
	// Default 30s.
	AttemptTimeout time.Duration
	// HeartbeatInterval is how often liveness signals are emitted for each
	// joined context while connected. Default 30s.
	HeartbeatInterval time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// terminalDialError is a dial failure which must not be retried without a new
// credential, e.g. a rejected handshake.
type terminalDialError struct {
	reason string
}

func (e *terminalDialError) Error() string {
	return e.reason
}

// ChannelManager owns the one persistent authenticated channel of this
// process: connect/disconnect/reconnect lifecycle, event demux, heartbeats.
// Construct once and pass by reference to every dependent component.
type ChannelManager struct {
	cfg ChannelConfig

	mu         *sync.Mutex
	state      ConnState
	credential string
	conn       *websocket.Conn
	writeMu    *sync.Mutex
	// gen invalidates connection goroutines from superseded connect cycles
	gen            uint64
	joinedContexts map[string]struct{}

	handlers       map[string][]func(data gjson.Result)
	onConnected    []func()
	onDisconnected []func(reason DisconnectReason)
	onConnectError []func(reason string)
	onGenericError []func(err error)
}

func NewChannelManager(cfg ChannelConfig) *ChannelManager {
	cfg.defaults()
	return &ChannelManager{
		cfg:            cfg,
		mu:             &sync.Mutex{},
		writeMu:        &sync.Mutex{},
		joinedContexts: make(map[string]struct{}),
		handlers:       make(map[string][]func(data gjson.Result)),
	}
}

// Handle registers a callback for a named server->client event. Must be
// called before Connect.
func (m *ChannelManager) Handle(event string, fn func(data gjson.Result)) {
	m.handlers[event] = append(m.handlers[event], fn)
}

// OnConnected, OnDisconnected, OnConnectError and OnGenericError register
// lifecycle observers. Must be called before Connect.
func (m *ChannelManager) OnConnected(fn func()) { m.onConnected = append(m.onConnected, fn) }

func (m *ChannelManager) OnDisconnected(fn func(DisconnectReason)) {
	m.onDisconnected = append(m.onDisconnected, fn)
}

func (m *ChannelManager) OnConnectError(fn func(reason string)) {
	m.onConnectError = append(m.onConnectError, fn)
}

func (m *ChannelManager) OnGenericError(fn func(err error)) {
	m.onGenericError = append(m.onGenericError, fn)
}

func (m *ChannelManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ChannelManager) Connected() bool {
	return m.State() == StateConnected
}

func (m *ChannelManager) HasCredential() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential != ""
}

// Connect is idempotent. An empty credential tears down any existing
// connection and clears the stored credential. A credential different from
// the currently bound one forces a disconnect+reconnect cycle so the server
// re-authenticates. Otherwise, a connection is opened if there isn't one.
func (m *ChannelManager) Connect(credential string) {
	m.mu.Lock()
	if credential == "" {
		m.credential = ""
		wasUp := m.teardownLocked()
		m.mu.Unlock()
		if wasUp {
			m.emitDisconnected(ReasonClientInitiated)
		}
		return
	}
	if credential != m.credential && m.state != StateDisconnected {
		// force the server to re-authenticate with the new credential
		m.teardownLocked()
	}
	m.credential = credential
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	go m.runLoop(gen, credential)
}

// Disconnect clears the credential and closes the channel if open or opening.
func (m *ChannelManager) Disconnect() {
	m.Connect("")
}

// teardownLocked closes the current connection, if any, and stales every
// goroutine belonging to it. Returns true if a connection was up or opening.
func (m *ChannelManager) teardownLocked() bool {
	wasUp := m.state != StateDisconnected
	m.gen++
	if m.conn != nil {
		deadline := time.Now().Add(time.Second)
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	return wasUp
}

func (m *ChannelManager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// runLoop drives one connect cycle: dial, serve, reconnect with bounded
// backoff until the attempt cap, a terminal failure, or a newer cycle.
func (m *ChannelManager) runLoop(gen uint64, credential string) {
	failCount := 0
	for {
		if failCount > 0 {
			waitTime := time.Duration(math.Pow(2, float64(failCount-1))) * m.cfg.BackoffBase
			if waitTime > m.cfg.BackoffMax {
				waitTime = m.cfg.BackoffMax
			}
			logger.Warn().Str("duration", waitTime.String()).Msg("waiting before reconnect attempt")
			time.Sleep(waitTime)
		}
		if m.stale(gen) {
			return
		}
		conn, err := m.dial(credential)
		if err != nil {
			if m.stale(gen) {
				return
			}
			if terminal, ok := err.(*terminalDialError); ok {
				logger.Warn().Str("reason", terminal.reason).Msg("channel rejected, not retrying without a new credential")
				m.emitConnectError(terminal.reason)
				m.setDisconnected(gen)
				m.emitDisconnected(ReasonServerTerminated)
				return
			}
			m.emitConnectError(err.Error())
			failCount++
			if failCount >= m.cfg.MaxAttempts {
				logger.Warn().Int("attempts", failCount).Msg("reconnect attempts exhausted, channel is down")
				m.setDisconnected(gen)
				m.emitDisconnected(ReasonTransportError)
				return
			}
			continue
		}
		failCount = 0

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.state = StateConnected
		contexts := make([]string, 0, len(m.joinedContexts))
		for id := range m.joinedContexts {
			contexts = append(contexts, id)
		}
		m.mu.Unlock()

		m.emitConnected()
		// re-announce context membership after a reconnect
		for _, id := range contexts {
			m.Emit(internal.EventPresenceJoin, map[string]string{"contextId": id})
		}

		heartbeatDone := make(chan struct{})
		go m.heartbeatLoop(heartbeatDone)
		reason := m.readLoop(gen, conn)
		// every timer acquired on connect is released on disconnect
		close(heartbeatDone)

		if m.stale(gen) {
			return
		}
		// the state must reflect the drop before observers hear about it
		if reason != ReasonTransportError {
			m.setDisconnected(gen)
			m.emitDisconnected(reason)
			return
		}
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateConnecting
			m.conn = nil
		}
		m.mu.Unlock()
		m.emitDisconnected(reason)
		failCount = 1
	}
}

func (m *ChannelManager) setDisconnected(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.state = StateDisconnected
	m.conn = nil
}

// dial opens the websocket and performs the authentication handshake within
// the attempt timeout.
func (m *ChannelManager) dial(credential string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.cfg.AttemptTimeout,
	}
	conn, _, err := dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.AttemptTimeout))
	err = conn.WriteMessage(websocket.TextMessage, internal.NewFrame(internal.EventConnect, map[string]string{
		"credential": credential,
	}).JSON())
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(m.cfg.AttemptTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code >= 4000 && closeErr.Code < 5000 {
			return nil, &terminalDialError{reason: closeErr.Text}
		}
		return nil, err
	}
	parsed := gjson.ParseBytes(msg)
	switch parsed.Get("event").Str {
	case internal.EventConnect:
		conn.SetReadDeadline(time.Time{})
		return conn, nil
	case internal.EventConnectError:
		conn.Close()
		return nil, &terminalDialError{reason: parsed.Get("data.reason").Str}
	default:
		conn.Close()
		return nil, &terminalDialError{reason: "unexpected handshake response"}
	}
}

// readLoop consumes frames until the connection dies and classifies the
// disconnect reason.
func (m *ChannelManager) readLoop(gen uint64, conn *websocket.Conn) DisconnectReason {
	conn.SetPingHandler(nil) // default: reply pong
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if m.stale(gen) {
				return ReasonClientInitiated
			}
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code >= 4000 && closeErr.Code < 5000 {
				return ReasonServerTerminated
			}
			return ReasonTransportError
		}
		m.dispatch(msg)
	}
}

func (m *ChannelManager) dispatch(msg []byte) {
	parsed := gjson.ParseBytes(msg)
	event := parsed.Get("event").Str
	data := parsed.Get("data")
	fns := m.handlers[event]
	if len(fns) == 0 {
		logger.Debug().Str("event", event).Msg("no handler for channel event")
		return
	}
	for _, fn := range fns {
		fn(data)
	}
}

// heartbeatLoop emits liveness signals on a fixed interval: one per joined
// context, or a bare signal when none are joined. It is started on connect and
// stopped on disconnect, on every exit path.
func (m *ChannelManager) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			contexts := make([]string, 0, len(m.joinedContexts))
			for id := range m.joinedContexts {
				contexts = append(contexts, id)
			}
			m.mu.Unlock()
			if len(contexts) == 0 {
				// session liveness is independent of context membership: a
				// badge-only consumer still needs the server to keep its
				// session alive
				m.Emit(internal.EventPresenceHeartbeat, map[string]interface{}{
					"timestamp": time.Now().UnixMilli(),
				})
				continue
			}
			for _, id := range contexts {
				m.Emit(internal.EventPresenceHeartbeat, map[string]interface{}{
					"contextId": id,
					"timestamp": time.Now().UnixMilli(),
				})
			}
		}
	}
}

// Emit sends an event over the channel. Returns false if the channel is not
// connected; callers treat that as a delivery miss, not an error.
func (m *ChannelManager) Emit(event string, data interface{}) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	b, err := json.Marshal(internal.NewFrame(event, data))
	if err != nil {
		m.emitGenericError(err)
		return false
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		m.emitGenericError(err)
		return false
	}
	return true
}

// JoinContext announces membership of a collaborative context. Membership is
// remembered and re-announced after reconnects.
func (m *ChannelManager) JoinContext(contextID string) {
	m.mu.Lock()
	m.joinedContexts[contextID] = struct{}{}
	m.mu.Unlock()
	m.Emit(internal.EventPresenceJoin, map[string]string{"contextId": contextID})
}

func (m *ChannelManager) LeaveContext(contextID string) {
	m.mu.Lock()
	delete(m.joinedContexts, contextID)
	m.mu.Unlock()
	m.Emit(internal.EventPresenceLeave, map[string]string{"contextId": contextID})
}

func (m *ChannelManager) emitConnected() {
	for _, fn := range m.onConnected {
		fn()
	}
}

func (m *ChannelManager) emitDisconnected(reason DisconnectReason) {
	for _, fn := range m.onDisconnected {
		fn(reason)
	}
}

func (m *ChannelManager) emitConnectError(reason string) {
	for _, fn := range m.onConnectError {
		fn(reason)
	}
}

func (m *ChannelManager) emitGenericError(err error) {
	for _, fn := range m.onGenericError {
		fn(err)
	}
}
