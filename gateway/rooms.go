package gateway

import (
	"sync"
)

type set map[string]struct{}

// RoomTracker tracks which sessions are members of which broadcast rooms.
// This is critical from a security perspective: events for a collaborative
// context must only reach sessions which joined that context, and private
// user rooms must only ever contain that user's own sessions. Both directions
// of the mapping are kept so that tearing down a session is O(rooms joined).
type RoomTracker struct {
	roomToSessions map[string]set
	sessionToRooms map[string]set
	mu             *sync.RWMutex
}

func NewRoomTracker() *RoomTracker {
	return &RoomTracker{
		roomToSessions: make(map[string]set),
		sessionToRooms: make(map[string]set),
		mu:             &sync.RWMutex{},
	}
}

// SessionJoinedRoom marks the session as a member of the room. Returns true
// if the session was not a member prior to this call, and false otherwise.
func (t *RoomTracker) SessionJoinedRoom(sessionID, room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := t.roomToSessions[room]
	if sessions == nil {
		sessions = make(set)
		t.roomToSessions[room] = sessions
	}
	_, exists := sessions[sessionID]
	sessions[sessionID] = struct{}{}

	rooms := t.sessionToRooms[sessionID]
	if rooms == nil {
		rooms = make(set)
		t.sessionToRooms[sessionID] = rooms
	}
	rooms[room] = struct{}{}
	return !exists
}

// SessionLeftRoom removes the session from the room. Returns true if the
// session was a member prior to this call. Leaves before joins are no-ops.
func (t *RoomTracker) SessionLeftRoom(sessionID, room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := t.roomToSessions[room]
	_, exists := sessions[sessionID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(t.roomToSessions, room)
	}
	rooms := t.sessionToRooms[sessionID]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(t.sessionToRooms, sessionID)
	}
	return exists
}

// RemoveSession removes the session from every room it joined and returns the
// rooms it was removed from.
func (t *RoomTracker) RemoveSession(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := t.sessionToRooms[sessionID]
	if len(rooms) == 0 {
		delete(t.sessionToRooms, sessionID)
		return nil
	}
	left := make([]string, 0, len(rooms))
	for room := range rooms {
		sessions := t.roomToSessions[room]
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(t.roomToSessions, room)
		}
		left = append(left, room)
	}
	delete(t.sessionToRooms, sessionID)
	return left
}

// SessionsForRoom returns the IDs of every session in the room, or nil if the
// room has no members.
func (t *RoomTracker) SessionsForRoom(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessions := t.roomToSessions[room]
	if len(sessions) == 0 {
		return nil
	}
	result := make([]string, 0, len(sessions))
	for sessionID := range sessions {
		result = append(result, sessionID)
	}
	return result
}

// RoomsForSession returns the rooms this session has joined, or nil.
func (t *RoomTracker) RoomsForSession(sessionID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rooms := t.sessionToRooms[sessionID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	return result
}

func (t *RoomTracker) NumSessions(room string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roomToSessions[room])
}
