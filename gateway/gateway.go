package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/workbeam/livesync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// PresenceHandler receives the presence-relevant lifecycle of sessions. The
// gateway owns room membership; the handler owns activity state. Implemented
// by presence.Tracker.
type PresenceHandler interface {
	OnJoinContext(id internal.Identity, sessionID, contextID string)
	OnLeaveContext(id internal.Identity, sessionID, contextID string)
	OnHeartbeat(id internal.Identity, sessionID, contextID string, ts time.Time)
	OnStatusOverride(id internal.Identity, contextID, status string, ts time.Time)
	OnSessionClosed(id internal.Identity, sessionID string, contextIDs []string)
}

type Config struct {
	Verifier CredentialVerifier
	// AllowedOrigins is the set of origins permitted to establish sessions.
	// "*" allows any. Requests without an Origin header (non-browser clients)
	// are always allowed.
	AllowedOrigins []string
	// HandshakeTimeout bounds how long an upgraded socket may sit
	// unauthenticated before it is dropped. Defaults to 10s.
	HandshakeTimeout time.Duration
	// SessionTTL is how long a session may go without any inbound frame
	// before it is reaped. Defaults to 90s, three heartbeat intervals.
	SessionTTL time.Duration
	// EnableMetrics registers prometheus collectors on the default registry.
	EnableMetrics bool
}

// Gateway authenticates inbound channels, assigns room membership and exposes
// the broadcast primitive everything else is layered on.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	rooms    *RoomTracker
	sessions *ttlcache.Cache[string, *Session]
	presence PresenceHandler

	numSessions   prometheus.Gauge
	numBroadcasts *prometheus.CounterVec
	numSlowDrops  prometheus.Counter
}

func New(cfg Config) *Gateway {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 90 * time.Second
	}
	g := &Gateway{
		cfg:   cfg,
		rooms: NewRoomTracker(),
		sessions: ttlcache.New[string, *Session](
			ttlcache.WithTTL[string, *Session](cfg.SessionTTL),
		),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	// reap sessions which have gone silent: no heartbeat, no pong, nothing
	g.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s := item.Value()
		logger.Info().Str("session", s.ID).Str("user", s.Identity.UserID).Msg("reaping expired session")
		s.terminate(internal.CloseServerTerminated, "session expired")
	})
	if cfg.EnableMetrics {
		g.numSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "gateway",
			Name:      "num_sessions",
			Help:      "Number of live authenticated sessions",
		})
		g.numBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "gateway",
			Name:      "num_broadcasts",
			Help:      "Number of room broadcasts sent",
		}, []string{"event"})
		g.numSlowDrops = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "gateway",
			Name:      "num_slow_drops",
			Help:      "Number of sessions dropped for not draining their send buffer",
		})
		prometheus.MustRegister(g.numSessions, g.numBroadcasts, g.numSlowDrops)
	}
	return g
}

// SetPresenceHandler wires the presence tracker in. Must be called before the
// gateway accepts traffic.
func (g *Gateway) SetPresenceHandler(h PresenceHandler) {
	g.presence = h
}

// Start begins background expiry of silent sessions.
func (g *Gateway) Start() {
	go g.sessions.Start()
}

// Teardown stops expiry and force-closes every live session.
func (g *Gateway) Teardown() {
	g.sessions.Stop()
	for _, item := range g.sessions.Items() {
		item.Value().terminate(internal.CloseServerTerminated, "server shutting down")
	}
}

func (g *Gateway) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logger.Warn().Str("origin", origin).Msg("rejecting channel from disallowed origin")
	return false
}

// ServeHTTP upgrades the connection and runs the authentication handshake.
// No room membership is assigned until the credential checks out.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("channel upgrade failed")
		return
	}
	go g.handshake(conn)
}

func (g *Gateway) handshake(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	parsed := gjson.ParseBytes(msg)
	if parsed.Get("event").Str != internal.EventConnect {
		g.rejectConn(conn, fmt.Sprintf("handshake expected %q event", internal.EventConnect))
		return
	}
	identity, err := g.cfg.Verifier.Verify(parsed.Get("data.credential").Str)
	if err != nil {
		g.rejectConn(conn, err.Error())
		return
	}
	if identity.UserID == "" {
		// a session may never exist unauthenticated
		internal.Assert("verified identity has a user ID", identity.UserID != "")
		g.rejectConn(conn, ErrInvalidCredential.Error())
		return
	}

	s := &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		JoinedAt: time.Now(),
		gw:       g,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}
	g.sessions.Set(s.ID, s, ttlcache.DefaultTTL)
	g.rooms.SessionJoinedRoom(s.ID, internal.UserRoom(identity.UserID))
	if g.numSessions != nil {
		g.numSessions.Inc()
	}
	// ack before the pumps start; the send channel is buffered
	s.enqueue(internal.NewFrame(internal.EventConnect, map[string]string{
		"session_id": s.ID,
	}).JSON())
	conn.SetReadDeadline(time.Now().Add(pongWait))
	go s.writePump()
	go s.readPump()
	logger.Info().Str("session", s.ID).Str("user", identity.UserID).Msg("session established")
}

func (g *Gateway) rejectConn(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	conn.WriteMessage(websocket.TextMessage, internal.NewFrame(internal.EventConnectError, map[string]string{
		"reason": reason,
	}).JSON())
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(internal.CloseAuthFailed, reason), deadline)
	conn.Close()
}

// onFrame handles one inbound frame from an authenticated session. Any
// inbound frame counts as transport liveness.
func (g *Gateway) onFrame(s *Session, msg []byte) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			logger.Error().Str("session", s.ID).Msg(string(debug.Stack()))
			internal.GetSentryHubFromContextOrDefault(context.Background()).Recover(panicErr)
		}
	}()
	g.sessions.Touch(s.ID)
	parsed := gjson.ParseBytes(msg)
	event := parsed.Get("event").Str
	data := parsed.Get("data")
	switch event {
	case internal.EventPresenceJoin:
		contextID := data.Get("contextId").Str
		if contextID == "" {
			return
		}
		newly := g.rooms.SessionJoinedRoom(s.ID, internal.ContextRoom(contextID))
		if newly && g.presence != nil {
			g.presence.OnJoinContext(s.Identity, s.ID, contextID)
		}
	case internal.EventPresenceLeave:
		contextID := data.Get("contextId").Str
		if contextID == "" {
			return
		}
		was := g.rooms.SessionLeftRoom(s.ID, internal.ContextRoom(contextID))
		if was && g.presence != nil {
			g.presence.OnLeaveContext(s.Identity, s.ID, contextID)
		}
	case internal.EventPresenceHeartbeat:
		ts := timestampOrNow(data)
		s.touchHeartbeat(ts)
		if g.presence != nil {
			g.presence.OnHeartbeat(s.Identity, s.ID, data.Get("contextId").Str, ts)
		}
	case internal.EventPresenceStatusUpdate:
		contextID := data.Get("contextId").Str
		status := data.Get("status").Str
		if contextID == "" || status == "" {
			return
		}
		if g.presence != nil {
			g.presence.OnStatusOverride(s.Identity, contextID, status, timestampOrNow(data))
		}
	default:
		logger.Debug().Str("session", s.ID).Str("event", event).Msg("ignoring unknown event")
	}
}

func timestampOrNow(data gjson.Result) time.Time {
	if ms := data.Get("timestamp").Int(); ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

// sessionClosed is the single teardown path for a session, invoked when its
// read pump exits for any reason.
func (g *Gateway) sessionClosed(s *Session) {
	s.markClosed()
	g.sessions.Delete(s.ID)
	left := g.rooms.RemoveSession(s.ID)
	if g.numSessions != nil {
		g.numSessions.Dec()
	}
	var contextIDs []string
	for _, room := range left {
		if contextID, ok := contextIDFromRoom(room); ok {
			contextIDs = append(contextIDs, contextID)
		}
	}
	if g.presence != nil {
		g.presence.OnSessionClosed(s.Identity, s.ID, contextIDs)
	}
	logger.Info().Str("session", s.ID).Str("user", s.Identity.UserID).Msg("session closed")
}

func contextIDFromRoom(room string) (string, bool) {
	const prefix = "context:"
	if len(room) > len(prefix) && room[:len(prefix)] == prefix {
		return room[len(prefix):], true
	}
	return "", false
}

// Broadcast sends the event to every session in the room. Fire-and-forget: no
// acknowledgement, no retry, no cross-room ordering. A room with zero members
// is a silent no-op. Returns the number of sessions the frame was queued for,
// which feeds metrics only.
func (g *Gateway) Broadcast(room, event string, data interface{}) int {
	ids := g.rooms.SessionsForRoom(room)
	if len(ids) == 0 {
		return 0
	}
	b := internal.NewFrame(event, data).JSON()
	sent := 0
	for _, id := range ids {
		item := g.sessions.Get(id, ttlcache.WithDisableTouchOnHit[string, *Session]())
		if item == nil {
			continue
		}
		s := item.Value()
		if s.enqueue(b) {
			sent++
			continue
		}
		// a session which cannot drain its buffer is worse than no session
		if g.numSlowDrops != nil {
			g.numSlowDrops.Inc()
		}
		s.terminate(internal.CloseServerTerminated, "send buffer overflow")
	}
	if g.numBroadcasts != nil {
		g.numBroadcasts.WithLabelValues(event).Inc()
	}
	return sent
}

// NumSessionsInRoom reports current room occupancy.
func (g *Gateway) NumSessionsInRoom(room string) int {
	return g.rooms.NumSessions(room)
}
