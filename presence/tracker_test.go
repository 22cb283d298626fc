package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/workbeam/livesync/internal"
)

// manualScheduler hands out tasks which only fire when the test says so.
type manualScheduler struct {
	tasks []*manualTask
}

type manualTask struct {
	d         time.Duration
	fn        func()
	cancelled bool
}

func (t *manualTask) Cancel() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) Task {
	task := &manualTask{d: d, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// fireLast fires the most recently scheduled live task.
func (s *manualScheduler) fireLast(t *testing.T) {
	t.Helper()
	for i := len(s.tasks) - 1; i >= 0; i-- {
		if !s.tasks[i].cancelled {
			s.tasks[i].fn()
			return
		}
	}
	t.Fatalf("no live task to fire")
}

type broadcastCall struct {
	room  string
	event string
	data  interface{}
}

type broadcastRecorder struct {
	calls []broadcastCall
}

func (b *broadcastRecorder) Broadcast(room, event string, data interface{}) int {
	b.calls = append(b.calls, broadcastCall{room: room, event: event, data: data})
	return 1
}

func (b *broadcastRecorder) drain() []broadcastCall {
	calls := b.calls
	b.calls = nil
	return calls
}

func newTestTracker() (*Tracker, *broadcastRecorder, *manualScheduler) {
	rec := &broadcastRecorder{}
	sched := &manualScheduler{}
	tr := NewTracker(rec, Config{
		Scheduler: sched,
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return tr, rec, sched
}

var alice = internal.Identity{UserID: "@alice", DisplayName: "Alice"}

func assertEvents(t *testing.T, calls []broadcastCall, want []string) {
	t.Helper()
	if len(calls) != len(want) {
		t.Fatalf("wrong number of broadcasts: got %v want %v", calls, want)
	}
	for i := range want {
		if calls[i].event != want[i] {
			t.Errorf("broadcast %d: got event %s want %s", i, calls[i].event, want[i])
		}
	}
}

func TestTrackerOnlineOffline(t *testing.T) {
	tr, rec, sched := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	calls := rec.drain()
	assertEvents(t, calls, []string{internal.EventUserOnline})
	if calls[0].room != internal.ContextRoom("doc1") {
		t.Errorf("user:online went to room %s", calls[0].room)
	}
	users := tr.OnlineUsers("doc1")
	if len(users) != 1 || users[0].UserID != "@alice" || users[0].Status != StatusActive {
		t.Fatalf("wrong online users: %+v", users)
	}

	// a second session of the same user only bumps the refcount
	tr.OnJoinContext(alice, "s2", "doc1")
	assertEvents(t, rec.drain(), nil)
	if n := tr.OnlineUsers("doc1")[0].NumSessions; n != 2 {
		t.Errorf("got %d sessions want 2", n)
	}

	// losing one session keeps the user online
	tr.OnLeaveContext(alice, "s1", "doc1")
	assertEvents(t, rec.drain(), nil)
	if len(tr.OnlineUsers("doc1")) != 1 {
		t.Fatalf("user went offline with a session remaining")
	}

	// losing the last session starts the grace period, not an instant removal
	tr.OnLeaveContext(alice, "s2", "doc1")
	assertEvents(t, rec.drain(), nil)
	if got := tr.Stats("doc1").Online; got != 1 {
		t.Errorf("user left the stats during the grace period: online=%d", got)
	}
	sched.fireLast(t)
	assertEvents(t, rec.drain(), []string{internal.EventUserOffline})
	if len(tr.OnlineUsers("doc1")) != 0 {
		t.Errorf("user still online after the grace period")
	}
}

func TestTrackerGracePeriodAbsorbsReconnects(t *testing.T) {
	tr, rec, sched := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	tr.OnLeaveContext(alice, "s1", "doc1")
	rec.drain()

	// the rejoin must cancel the pending removal
	tr.OnJoinContext(alice, "s2", "doc1")
	assertEvents(t, rec.drain(), nil)
	if len(tr.OnlineUsers("doc1")) != 1 {
		t.Fatalf("user offline after rejoin")
	}
	// no live task may remove the record now
	for _, task := range sched.tasks {
		if !task.cancelled {
			task.fn()
		}
	}
	for _, call := range rec.drain() {
		if call.event == internal.EventUserOffline {
			t.Errorf("stale grace task removed a rejoined user")
		}
	}
	if len(tr.OnlineUsers("doc1")) != 1 {
		t.Errorf("stale task took the user offline")
	}
}

func TestTrackerIdleAwayTransitions(t *testing.T) {
	tr, rec, sched := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	rec.drain()

	sched.fireLast(t) // idle timer
	calls := rec.drain()
	assertEvents(t, calls, []string{internal.EventPresenceUpdate})
	if tr.OnlineUsers("doc1")[0].Status != StatusIdle {
		t.Fatalf("status not IDLE after idle timeout")
	}

	sched.fireLast(t) // away timer
	assertEvents(t, rec.drain(), []string{internal.EventPresenceUpdate})
	if tr.OnlineUsers("doc1")[0].Status != StatusAway {
		t.Fatalf("status not AWAY after away timeout")
	}

	// the user is still online throughout
	stats := tr.Stats("doc1")
	if stats.Online != 1 || stats.Away != 1 {
		t.Errorf("wrong stats: %+v", stats)
	}
}

func TestTrackerActivityResetsIdleTimer(t *testing.T) {
	tr, rec, sched := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	rec.drain()
	idleTask := sched.tasks[len(sched.tasks)-1]

	// an activity signal cancels the pending transition and restarts the timer
	tr.OnStatusOverride(alice, "doc1", string(StatusActive), time.Now())
	if !idleTask.cancelled {
		t.Errorf("activity did not cancel the pending idle transition")
	}
	if tr.OnlineUsers("doc1")[0].Status != StatusActive {
		t.Errorf("status changed on a no-op override")
	}

	// a fresh timer exists and still idles the user eventually
	sched.fireLast(t)
	if tr.OnlineUsers("doc1")[0].Status != StatusIdle {
		t.Errorf("restarted idle timer did not fire")
	}
}

func TestTrackerStatusOverride(t *testing.T) {
	tr, rec, _ := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	rec.drain()

	tr.OnStatusOverride(alice, "doc1", string(StatusAway), time.Now())
	calls := rec.drain()
	assertEvents(t, calls, []string{internal.EventPresenceUpdate})
	if tr.OnlineUsers("doc1")[0].Status != StatusAway {
		t.Fatalf("override did not apply")
	}

	// invalid statuses are dropped
	tr.OnStatusOverride(alice, "doc1", "INVISIBLE", time.Now())
	assertEvents(t, rec.drain(), nil)
	if tr.OnlineUsers("doc1")[0].Status != StatusAway {
		t.Errorf("invalid override changed the status")
	}

	// overrides for unknown users are dropped
	tr.OnStatusOverride(internal.Identity{UserID: "@nobody"}, "doc1", string(StatusIdle), time.Now())
	assertEvents(t, rec.drain(), nil)
}

func TestTrackerSessionClosedSpansContexts(t *testing.T) {
	tr, rec, sched := newTestTracker()
	tr.OnJoinContext(alice, "s1", "doc1")
	tr.OnJoinContext(alice, "s1", "doc2")
	tr.OnJoinContext(alice, "s2", "doc1")
	rec.drain()

	tr.OnSessionClosed(alice, "s1", []string{"doc1", "doc2"})
	// doc1 still has s2, doc2 is in its grace period
	if len(tr.OnlineUsers("doc1")) != 1 {
		t.Errorf("user offline in doc1 with a session remaining")
	}
	sched.fireLast(t)
	assertEvents(t, rec.drain(), []string{internal.EventUserOffline})
	if len(tr.OnlineUsers("doc2")) != 0 {
		t.Errorf("user still online in doc2")
	}
}

func TestRecordMarshalsForTheWire(t *testing.T) {
	rec := Record{
		ContextID: "doc1",
		UserID:    "@alice",
		Status:    StatusActive,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %s", err)
	}
	var back Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal failed: %s", err)
	}
	if back.ContextID != rec.ContextID || back.UserID != rec.UserID || back.Status != rec.Status {
		t.Errorf("round trip mismatch: got %+v want %+v", back, rec)
	}
}
