package notify

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/workbeam/livesync/internal"
	"github.com/workbeam/livesync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Broadcaster fans an event out to a room. Satisfied by gateway.Gateway.
type Broadcaster interface {
	Broadcast(room, event string, data interface{}) int
}

// ProjectionLoader resolves a notification ID to its client-safe projection.
// The authoritative row lives in the external workspace store.
type ProjectionLoader interface {
	LoadProjection(ctx context.Context, notificationID string) (*internal.NotificationProjection, error)
}

// Dispatcher pushes newly created notifications to the target user's private
// room. Delivery is at-most-once and best-effort: a user with no active
// session simply misses the push and catches up via the pull path.
type Dispatcher struct {
	b      Broadcaster
	loader ProjectionLoader

	numDelivered prometheus.Counter
	numDropped   prometheus.Counter
}

func NewDispatcher(b Broadcaster, loader ProjectionLoader, enableMetrics bool) *Dispatcher {
	d := &Dispatcher{
		b:      b,
		loader: loader,
	}
	if enableMetrics {
		d.numDelivered = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "notify",
			Name:      "num_delivered",
			Help:      "Number of notifications pushed to at least one live session",
		})
		d.numDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "notify",
			Name:      "num_dropped",
			Help:      "Number of notifications with no live session to push to",
		})
		prometheus.MustRegister(d.numDelivered, d.numDropped)
	}
	return d
}

// OnNotificationCreated implements pubsub.StoreListener.
func (d *Dispatcher) OnNotificationCreated(p *pubsub.NotificationCreated) {
	ctx, task := internal.StartTask(context.Background(), "OnNotificationCreated")
	defer task.End()
	proj, err := d.loader.LoadProjection(ctx, p.NotificationID)
	if err != nil {
		logger.Err(err).Str("notification", p.NotificationID).Msg("failed to load notification projection")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return
	}
	numSessions := d.b.Broadcast(internal.UserRoom(p.UserID), internal.EventNotification, proj)
	if numSessions == 0 {
		// not an error: the pull path reconciles the next time the user asks
		if d.numDropped != nil {
			d.numDropped.Inc()
		}
		return
	}
	if d.numDelivered != nil {
		d.numDelivered.Inc()
	}
	logger.Info().Str("notification", p.NotificationID).Str("user", p.UserID).Int("num_sessions", numSessions).Msg("pushed notification")
}

// OnNotificationsRead implements pubsub.StoreListener. Pushes a badge refresh
// hint so other live sessions of the same user drop their unread count.
func (d *Dispatcher) OnNotificationsRead(p *pubsub.NotificationsRead) {
	d.b.Broadcast(internal.UserRoom(p.UserID), internal.EventNotificationRead, map[string]string{
		"notificationId": p.NotificationID,
	})
}
