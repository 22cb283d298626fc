package gateway

import (
	"sort"
	"testing"
)

func TestRoomTracker(t *testing.T) {
	// basic usage
	rt := NewRoomTracker()
	rt.SessionJoinedRoom("s1", "user:alice")
	rt.SessionJoinedRoom("s1", "context:doc1")
	rt.SessionJoinedRoom("s2", "context:doc1")
	rt.SessionJoinedRoom("s2", "context:doc2")
	assertEqualSlices(t, "s1 rooms", rt.RoomsForSession("s1"), []string{"context:doc1", "user:alice"})
	assertEqualSlices(t, "doc1 sessions", rt.SessionsForRoom("context:doc1"), []string{"s1", "s2"})
	rt.SessionLeftRoom("s1", "context:doc1")
	assertEqualSlices(t, "s1 rooms", rt.RoomsForSession("s1"), []string{"user:alice"})
	assertNumEquals(t, rt.NumSessions("context:doc1"), 1)

	// bogus values
	assertEqualSlices(t, "unknown session", rt.RoomsForSession("unknown"), nil)
	assertEqualSlices(t, "unknown room", rt.SessionsForRoom("unknown"), nil)

	// leaves before joins are no-ops
	if rt.SessionLeftRoom("s1", "unknown") {
		t.Errorf("SessionLeftRoom on unjoined room returned true")
	}
	assertEqualSlices(t, "s1 rooms", rt.RoomsForSession("s1"), []string{"user:alice"})
}

func TestRoomTrackerMembershipChanges(t *testing.T) {
	rt := NewRoomTracker()
	if !rt.SessionJoinedRoom("s1", "context:doc1") {
		t.Errorf("first join should report a membership change")
	}
	if rt.SessionJoinedRoom("s1", "context:doc1") {
		t.Errorf("duplicate join should not report a membership change")
	}
	if !rt.SessionLeftRoom("s1", "context:doc1") {
		t.Errorf("leave of a member should report a membership change")
	}
	if rt.SessionLeftRoom("s1", "context:doc1") {
		t.Errorf("duplicate leave should not report a membership change")
	}
}

func TestRoomTrackerRemoveSession(t *testing.T) {
	rt := NewRoomTracker()
	rt.SessionJoinedRoom("s1", "user:alice")
	rt.SessionJoinedRoom("s1", "context:doc1")
	rt.SessionJoinedRoom("s2", "context:doc1")
	left := rt.RemoveSession("s1")
	assertEqualSlices(t, "rooms left", left, []string{"context:doc1", "user:alice"})
	assertEqualSlices(t, "s1 rooms", rt.RoomsForSession("s1"), nil)
	assertEqualSlices(t, "doc1 sessions", rt.SessionsForRoom("context:doc1"), []string{"s2"})
	assertEqualSlices(t, "alice sessions", rt.SessionsForRoom("user:alice"), nil)

	// removing an unknown session is a no-op
	assertEqualSlices(t, "unknown session", rt.RemoveSession("unknown"), nil)
}

func assertNumEquals(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("wrong number: got %v want %v", got, want)
	}
}

func assertEqualSlices(t *testing.T, name string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: slices not equal, length mismatch: got %v , want %v", name, got, want)
	}
	sort.Strings(got)
	sort.Strings(want)
	for i := 0; i < len(got); i++ {
		if got[i] != want[i] {
			t.Errorf("%s: slices not equal, got %v want %v", name, got, want)
		}
	}
}
