package internal

import "encoding/json"

// Channel event names. The same envelope is used in both directions:
//
//	{"event": "...", "data": {...}}
const (
	EventConnect          = "connect"
	EventConnectError     = "connectError"
	EventNotification     = "notification"
	EventNotificationRead = "notification:read"

	EventPresenceJoin         = "presence:join"
	EventPresenceLeave        = "presence:leave"
	EventPresenceHeartbeat    = "presence:heartbeat"
	EventPresenceStatusUpdate = "presence:status:update"
	EventPresenceUpdate       = "presence:update"
	EventUserOnline           = "user:online"
	EventUserOffline          = "user:offline"
)

// Websocket close codes in the private range. Clients treat any 4xxx close as
// a server-terminated channel which must not be retried with the same
// credential.
const (
	CloseServerTerminated = 4000
	CloseAuthFailed       = 4001
)

// Frame is the JSON envelope for every channel event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame. Marshal errors are impossible for the
// payload types we send, so they are swallowed.
func NewFrame(event string, data interface{}) Frame {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return Frame{Event: event, Data: raw}
}

func (f Frame) JSON() []byte {
	b, _ := json.Marshal(f)
	return b
}
