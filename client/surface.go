package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/workbeam/livesync/internal"
	"github.com/workbeam/livesync/presence"
	"golang.org/x/exp/slices"
)

var (
	KeyNotifications = Key{Resource: "notifications"}
	KeyUnreadCount   = Key{Resource: "unread-count"}
)

type SurfaceConfig struct {
	// PollInterval is the fallback poll cadence while disconnected. Default 30s.
	PollInterval time.Duration
}

// Surface is what the UI layer talks to: connection state, live presence,
// notifications and the unread badge, backed by the channel when it is up and
// by cached/polled pulls when it is not.
type Surface struct {
	channel *ChannelManager
	cache   *FreshCache
	pull    PullClient
	poller  *FallbackPoller

	mu *sync.Mutex
	// contextID -> userID -> live presence record
	online      map[string]map[string]presence.Record
	badgeActive bool
}

func NewSurface(channel *ChannelManager, pull PullClient, cfg SurfaceConfig) *Surface {
	s := &Surface{
		channel: channel,
		pull:    pull,
		mu:      &sync.Mutex{},
		online:  make(map[string]map[string]presence.Record),
	}
	s.cache = NewFreshCache(s.doFetch, map[string]Class{
		KeyNotifications.Resource: {TTL: 20 * time.Second, Background: true},
		KeyUnreadCount.Resource:   {TTL: 10 * time.Second},
	})
	s.poller = NewFallbackPoller(cfg.PollInterval, s.pollOnce)

	channel.OnConnected(func() {
		// the live path resumes authority the instant the channel is back
		s.poller.Stop()
		// reconcile anything pushed while we were away
		s.cache.Invalidate(KeyNotifications)
		s.cache.Invalidate(KeyUnreadCount)
	})
	channel.OnDisconnected(func(reason DisconnectReason) {
		s.mu.Lock()
		engage := s.badgeActive
		s.mu.Unlock()
		if engage && channel.HasCredential() {
			s.poller.Start()
		}
	})
	channel.Handle(internal.EventNotification, s.onNotificationPush)
	channel.Handle(internal.EventNotificationRead, func(data gjson.Result) {
		s.cache.Invalidate(KeyNotifications)
		s.cache.Invalidate(KeyUnreadCount)
	})
	channel.Handle(internal.EventUserOnline, s.onUserOnline)
	channel.Handle(internal.EventUserOffline, s.onUserOffline)
	channel.Handle(internal.EventPresenceUpdate, s.onPresenceUpdate)
	return s
}

// doFetch routes cache misses to the store's pull API.
func (s *Surface) doFetch(ctx context.Context, key Key) (json.RawMessage, error) {
	switch key.Resource {
	case KeyNotifications.Resource:
		notifs, err := s.pull.ListNotifications(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(notifs)
	case KeyUnreadCount.Resource:
		count, err := s.pull.UnreadCount(ctx)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(fmt.Sprintf(`{"count":%d}`, count)), nil
	default:
		return nil, fmt.Errorf("unknown resource %q", key.Resource)
	}
}

// pollOnce is the fallback pull while the channel is down.
func (s *Surface) pollOnce(ctx context.Context) {
	if s.channel.Connected() {
		return
	}
	if _, err := s.cache.Fetch(ctx, KeyUnreadCount, FetchOpts{Priority: true}); err != nil {
		logger.Warn().Err(err).Msg("fallback poll for unread count failed")
	}
	if _, err := s.cache.Fetch(ctx, KeyNotifications, FetchOpts{Priority: true}); err != nil {
		logger.Warn().Err(err).Msg("fallback poll for notifications failed")
	}
}

// onNotificationPush applies a live-pushed notification to the cached list
// and badge without a round trip.
func (s *Surface) onNotificationPush(data gjson.Result) {
	raw := json.RawMessage(data.Raw)
	if old := s.cache.Peek(KeyNotifications); old != nil {
		var list []json.RawMessage
		if err := json.Unmarshal(old, &list); err == nil {
			list = append([]json.RawMessage{raw}, list...)
			if b, err := json.Marshal(list); err == nil {
				s.cache.Put(KeyNotifications, b)
			}
		}
	}
	if !data.Get("read").Bool() {
		if old := s.cache.Peek(KeyUnreadCount); old != nil {
			count := gjson.GetBytes(old, "count").Int()
			if b, err := sjson.SetBytes(old, "count", count+1); err == nil {
				s.cache.Put(KeyUnreadCount, b)
			}
		}
	}
}

func (s *Surface) onUserOnline(data gjson.Result) {
	var rec presence.Record
	if err := json.Unmarshal([]byte(data.Raw), &rec); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.online[rec.ContextID]
	if users == nil {
		users = make(map[string]presence.Record)
		s.online[rec.ContextID] = users
	}
	users[rec.UserID] = rec
}

func (s *Surface) onUserOffline(data gjson.Result) {
	var rec presence.Record
	if err := json.Unmarshal([]byte(data.Raw), &rec); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online[rec.ContextID], rec.UserID)
}

func (s *Surface) onPresenceUpdate(data gjson.Result) {
	contextID := data.Get("contextId").Str
	userID := data.Get("userId").Str
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.online[contextID][userID]; ok {
		rec.Status = presence.Status(data.Get("status").Str)
		s.online[contextID][userID] = rec
	}
}

// markBadgeActive records that a consumer wants live-ish notification data,
// which is one of the fallback poller's engagement conditions.
func (s *Surface) markBadgeActive() {
	s.mu.Lock()
	first := !s.badgeActive
	s.badgeActive = true
	s.mu.Unlock()
	if first && !s.channel.Connected() && s.channel.HasCredential() {
		s.poller.Start()
	}
}

func (s *Surface) Connected() bool {
	return s.channel.Connected()
}

// Notifications returns the user's notification list, served from the cache
// layer with its usual freshness rules.
func (s *Surface) Notifications(ctx context.Context) ([]internal.NotificationProjection, error) {
	s.markBadgeActive()
	data, err := s.cache.Fetch(ctx, KeyNotifications, FetchOpts{})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var notifs []internal.NotificationProjection
	if err := json.Unmarshal(data, &notifs); err != nil {
		return nil, err
	}
	return notifs, nil
}

func (s *Surface) UnreadCount(ctx context.Context) (int, error) {
	s.markBadgeActive()
	data, err := s.cache.Fetch(ctx, KeyUnreadCount, FetchOpts{})
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(data, "count").Int()), nil
}

// Refetch refreshes notification state, optionally bypassing staleness.
func (s *Surface) Refetch(ctx context.Context, forceRefresh bool) error {
	opts := FetchOpts{Force: forceRefresh, Priority: true}
	if _, err := s.cache.Fetch(ctx, KeyNotifications, opts); err != nil {
		return err
	}
	_, err := s.cache.Fetch(ctx, KeyUnreadCount, opts)
	return err
}

// MarkRead optimistically flips the notification to read and decrements the
// badge, then resolves both staged operations on the store's answer.
func (s *Surface) MarkRead(ctx context.Context, notificationID string) error {
	listOp := s.cache.StageOptimistic(KeyNotifications, func(data json.RawMessage) json.RawMessage {
		if data == nil {
			return nil
		}
		out := []byte(data)
		for i, item := range gjson.ParseBytes(data).Array() {
			if item.Get("id").Str == notificationID {
				out, _ = sjson.SetBytes(out, fmt.Sprintf("%d.read", i), true)
			}
		}
		return out
	})
	countOp := s.cache.StageOptimistic(KeyUnreadCount, func(data json.RawMessage) json.RawMessage {
		if data == nil {
			return nil
		}
		count := gjson.GetBytes(data, "count").Int()
		if count > 0 {
			count--
		}
		out, _ := sjson.SetBytes([]byte(data), "count", count)
		return out
	})
	err := s.pull.MarkRead(ctx, notificationID)
	if err != nil {
		s.cache.RollbackOptimistic(listOp)
		s.cache.RollbackOptimistic(countOp)
		return err
	}
	s.cache.CommitOptimistic(listOp)
	s.cache.CommitOptimistic(countOp)
	s.cache.Invalidate(KeyNotifications)
	s.cache.Invalidate(KeyUnreadCount)
	return nil
}

// MarkAllRead optimistically clears the badge, then resolves on the store's
// answer.
func (s *Surface) MarkAllRead(ctx context.Context) error {
	listOp := s.cache.StageOptimistic(KeyNotifications, func(data json.RawMessage) json.RawMessage {
		if data == nil {
			return nil
		}
		out := []byte(data)
		for i := range gjson.ParseBytes(data).Array() {
			out, _ = sjson.SetBytes(out, fmt.Sprintf("%d.read", i), true)
		}
		return out
	})
	countOp := s.cache.StageOptimistic(KeyUnreadCount, func(data json.RawMessage) json.RawMessage {
		return json.RawMessage(`{"count":0}`)
	})
	err := s.pull.MarkAllRead(ctx)
	if err != nil {
		s.cache.RollbackOptimistic(listOp)
		s.cache.RollbackOptimistic(countOp)
		return err
	}
	s.cache.CommitOptimistic(listOp)
	s.cache.CommitOptimistic(countOp)
	s.cache.Invalidate(KeyNotifications)
	s.cache.Invalidate(KeyUnreadCount)
	return nil
}

// JoinContext joins a collaborative context for presence purposes.
func (s *Surface) JoinContext(contextID string) {
	s.channel.JoinContext(contextID)
}

func (s *Surface) LeaveContext(contextID string) {
	s.channel.LeaveContext(contextID)
}

// SetStatus sends a manual presence override for the context. Returns false
// when the channel is down and the override could not be delivered.
func (s *Surface) SetStatus(contextID string, status presence.Status) bool {
	return s.channel.Emit(internal.EventPresenceStatusUpdate, map[string]interface{}{
		"contextId": contextID,
		"status":    string(status),
		"timestamp": time.Now().UnixMilli(),
	})
}

// OnlineUsers returns the live presence records for the context, sorted by
// user ID.
func (s *Surface) OnlineUsers(contextID string) []presence.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.online[contextID]
	result := make([]presence.Record, 0, len(users))
	for _, rec := range users {
		result = append(result, rec)
	}
	slices.SortFunc(result, func(a, b presence.Record) int {
		if a.UserID < b.UserID {
			return -1
		} else if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return result
}

// PresenceStats aggregates the live records per status for the context.
func (s *Surface) PresenceStats(contextID string) presence.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats presence.Stats
	for _, rec := range s.online[contextID] {
		stats.Online++
		switch rec.Status {
		case presence.StatusActive:
			stats.Active++
		case presence.StatusIdle:
			stats.Idle++
		case presence.StatusAway:
			stats.Away++
		}
	}
	return stats
}
