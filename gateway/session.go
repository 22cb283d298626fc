package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/workbeam/livesync/internal"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxFrameSize = 4096
	// Buffered outbound frames per session before the session is considered
	// too slow and dropped.
	sendBufferSize = 64
)

// Session is one accepted, authenticated channel. It only ever exists with an
// identity attached: the gateway creates it after credential verification and
// destroys it when the underlying websocket goes away.
type Session struct {
	ID       string
	Identity internal.Identity
	JoinedAt time.Time

	gw   *Gateway
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	closed        bool
	lastHeartbeat time.Time

	terminateOnce sync.Once
}

// LastHeartbeat returns the time of the most recent liveness signal from this
// session, or its join time if none has arrived yet.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHeartbeat.IsZero() {
		return s.JoinedAt
	}
	return s.lastHeartbeat
}

func (s *Session) touchHeartbeat(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = t
}

// enqueue queues a frame for delivery. Returns false if the session is closed
// or its send buffer is full; it never blocks the caller.
func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// terminate force-closes the session from the server side with the given
// close code. Safe to call multiple times and concurrently with the pumps.
func (s *Session) terminate(code int, reason string) {
	s.terminateOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.conn.Close()
	})
}

// readPump reads frames off the websocket until it dies, then tears the
// session down. There is exactly one reader per connection.
func (s *Session) readPump() {
	defer func() {
		s.gw.sessionClosed(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		// pongs count as session liveness, same as any inbound frame
		s.gw.sessions.Touch(s.ID)
		return nil
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Str("session", s.ID).Err(err).Msg("session read error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.gw.onFrame(s, msg)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
// There is exactly one writer per connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
