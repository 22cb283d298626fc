package presence

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/workbeam/livesync/internal"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusIdle   Status = "IDLE"
	StatusAway   Status = "AWAY"
)

func validStatus(s Status) bool {
	return s == StatusActive || s == StatusIdle || s == StatusAway
}

// Record is the presence state of one user within one collaborative context.
// A user with several concurrent sessions in the same context has a single
// Record with NumSessions > 1; the user is online iff NumSessions > 0.
type Record struct {
	ContextID      string    `json:"context_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	Status         Status    `json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`
	JoinedAt       time.Time `json:"joined_at"`
	NumSessions    int       `json:"num_sessions"`
}

// Stats aggregates presence per collaborative context.
type Stats struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Away   int `json:"away"`
	Online int `json:"online"`
}

// Broadcaster fans an event out to a room. Satisfied by gateway.Gateway.
type Broadcaster interface {
	Broadcast(room, event string, data interface{}) int
}

type Config struct {
	// IdleTimeout is how long without activity before ACTIVE becomes IDLE.
	// Defaults to 5 minutes.
	IdleTimeout time.Duration
	// AwayTimeout is how long beyond IdleTimeout before IDLE becomes AWAY.
	// Defaults to 10 minutes.
	AwayTimeout time.Duration
	// OfflineGrace is how long a user with zero sessions stays online, to
	// absorb short reconnect blips. Defaults to 30 seconds.
	OfflineGrace time.Duration
	// Scheduler defaults to the time.AfterFunc scheduler.
	Scheduler Scheduler
	// Now defaults to time.Now.
	Now func() time.Time
}

type key struct {
	contextID string
	userID    string
}

type record struct {
	Record
	// gen invalidates stale scheduled transitions: every activity signal or
	// refcount change bumps it, and a firing task with an old gen is a no-op.
	gen  uint64
	task Task
}

// Tracker runs the ACTIVE -> IDLE -> AWAY state machine for every
// (context, user) pair and reference-counts concurrent sessions.
type Tracker struct {
	cfg     Config
	b       Broadcaster
	mu      *sync.Mutex
	records map[key]*record
}

func NewTracker(b Broadcaster, cfg Config) *Tracker {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.AwayTimeout == 0 {
		cfg.AwayTimeout = 10 * time.Minute
	}
	if cfg.OfflineGrace == 0 {
		cfg.OfflineGrace = 30 * time.Second
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		cfg:     cfg,
		b:       b,
		mu:      &sync.Mutex{},
		records: make(map[key]*record),
	}
}

// OnJoinContext handles a session joining a collaborative context. The first
// session for a user creates the record and announces user:online; further
// sessions only increment the refcount. Joining counts as activity.
func (t *Tracker) OnJoinContext(id internal.Identity, sessionID, contextID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{contextID: contextID, userID: id.UserID}
	rec := t.records[k]
	now := t.cfg.Now()
	if rec == nil {
		rec = &record{
			Record: Record{
				ContextID:   contextID,
				UserID:      id.UserID,
				DisplayName: id.DisplayName,
				JoinedAt:    now,
			},
		}
		t.records[k] = rec
		rec.NumSessions = 1
		t.markActivity(k, rec, StatusActive, now)
		t.b.Broadcast(internal.ContextRoom(contextID), internal.EventUserOnline, rec.Record)
		return
	}
	rec.NumSessions++
	// a rejoin during the offline grace window cancels the pending removal
	t.markActivity(k, rec, StatusActive, now)
}

// OnLeaveContext decrements the user's session count for the context. The
// record is only removed after the offline grace period with zero sessions.
func (t *Tracker) OnLeaveContext(id internal.Identity, sessionID, contextID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionGone(key{contextID: contextID, userID: id.UserID})
}

// OnSessionClosed handles a channel disconnect: every context that session
// had joined loses one refcount, with the usual grace period at zero.
func (t *Tracker) OnSessionClosed(id internal.Identity, sessionID string, contextIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, contextID := range contextIDs {
		t.sessionGone(key{contextID: contextID, userID: id.UserID})
	}
}

// OnHeartbeat validates session liveness only. Heartbeats never drive status
// transitions; transport-level reaping is the gateway's job.
func (t *Tracker) OnHeartbeat(id internal.Identity, sessionID, contextID string, ts time.Time) {
	logger.Trace().Str("user", id.UserID).Str("context", contextID).Msg("heartbeat")
}

// OnStatusOverride applies a manual status. It counts as an activity signal,
// so the idle timer restarts, and later automatic transitions can still
// supersede the chosen status.
func (t *Tracker) OnStatusOverride(id internal.Identity, contextID, status string, ts time.Time) {
	if !validStatus(Status(status)) {
		logger.Warn().Str("user", id.UserID).Str("status", status).Msg("ignoring invalid status override")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{contextID: contextID, userID: id.UserID}
	rec := t.records[k]
	if rec == nil {
		return
	}
	t.markActivity(k, rec, Status(status), t.cfg.Now())
}

// markActivity applies an activity signal: cancel whatever transition or
// grace task is pending, set the status, restart the idle timer. Callers hold
// the mutex.
func (t *Tracker) markActivity(k key, rec *record, status Status, now time.Time) {
	if rec.task != nil {
		rec.task.Cancel()
	}
	rec.gen++
	gen := rec.gen
	prev := rec.Status
	rec.Status = status
	rec.LastActivityAt = now
	rec.task = t.cfg.Scheduler.Schedule(t.cfg.IdleTimeout, func() {
		t.onIdle(k, gen)
	})
	if prev != "" && prev != status {
		t.broadcastStatus(rec)
	}
}

func (t *Tracker) onIdle(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[k]
	if rec == nil || rec.gen != gen {
		return
	}
	rec.Status = StatusIdle
	t.broadcastStatus(rec)
	rec.gen++
	next := rec.gen
	rec.task = t.cfg.Scheduler.Schedule(t.cfg.AwayTimeout, func() {
		t.onAway(k, next)
	})
}

func (t *Tracker) onAway(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[k]
	if rec == nil || rec.gen != gen {
		return
	}
	rec.Status = StatusAway
	rec.task = nil
	t.broadcastStatus(rec)
}

// sessionGone decrements the refcount and, at zero, schedules removal after
// the grace period. Callers hold the mutex.
func (t *Tracker) sessionGone(k key) {
	rec := t.records[k]
	if rec == nil {
		return
	}
	rec.NumSessions--
	if rec.NumSessions > 0 {
		return
	}
	rec.NumSessions = 0
	if rec.task != nil {
		rec.task.Cancel()
	}
	rec.gen++
	gen := rec.gen
	rec.task = t.cfg.Scheduler.Schedule(t.cfg.OfflineGrace, func() {
		t.onOfflineGrace(k, gen)
	})
}

func (t *Tracker) onOfflineGrace(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[k]
	if rec == nil || rec.gen != gen || rec.NumSessions > 0 {
		return
	}
	delete(t.records, k)
	t.b.Broadcast(internal.ContextRoom(k.contextID), internal.EventUserOffline, rec.Record)
}

func (t *Tracker) broadcastStatus(rec *record) {
	t.b.Broadcast(internal.ContextRoom(rec.ContextID), internal.EventPresenceUpdate, map[string]interface{}{
		"contextId": rec.ContextID,
		"userId":    rec.UserID,
		"status":    rec.Status,
	})
}

// OnlineUsers returns the presence records for the context, sorted by user ID.
func (t *Tracker) OnlineUsers(contextID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result []Record
	for k, rec := range t.records {
		if k.contextID == contextID && rec.NumSessions > 0 {
			result = append(result, rec.Record)
		}
	}
	slices.SortFunc(result, func(a, b Record) int {
		if a.UserID < b.UserID {
			return -1
		} else if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return result
}

// Stats aggregates per-status counts for the context. Records sitting in the
// offline grace window still count as online.
func (t *Tracker) Stats(contextID string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for k, rec := range t.records {
		if k.contextID != contextID {
			continue
		}
		s.Online++
		switch rec.Status {
		case StatusActive:
			s.Active++
		case StatusIdle:
			s.Idle++
		case StatusAway:
			s.Away++
		}
	}
	return s
}

// Teardown cancels every pending task. No transitions fire afterwards.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		if rec.task != nil {
			rec.task.Cancel()
		}
		rec.gen++
	}
}
