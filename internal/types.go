package internal

import "time"

// Identity is the authenticated principal attached to a session by the gateway.
// A session may never exist without one.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// NotificationProjection is the minimal client-safe view of a durably stored
// notification. The authoritative copy lives in the workspace store; this
// projection is all that ever travels over the live channel.
type NotificationProjection struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Excerpt    string    `json:"excerpt"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserRoom returns the name of the private per-user broadcast room.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ContextRoom returns the name of the broadcast room for a collaborative
// context (a project, a document, ...).
func ContextRoom(contextID string) string {
	return "context:" + contextID
}
