package notify

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tidwall/gjson"
	"github.com/workbeam/livesync/internal"
	"github.com/workbeam/livesync/pubsub"
)

// Postgres NOTIFY channels the workspace store publishes on. The store is an
// external collaborator: this package only subscribes and reads, it never
// writes.
const (
	pgChanNotificationCreated = "workbeam_notification_created"
	pgChanNotificationRead    = "workbeam_notification_read"
)

// excerptRunes caps the notification body excerpt carried over the channel.
const excerptRunes = 140

// StoreIngest bridges the store's durable-write signals onto the in-process
// bus. NOTIFY payloads carry identifiers only, e.g. {"id": "...", "user_id": "..."}.
type StoreIngest struct {
	pgListener *pq.Listener
	notifier   pubsub.Notifier
}

func NewStoreIngest(postgresURI string, notifier pubsub.Notifier) *StoreIngest {
	l := pq.NewListener(postgresURI, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("store listener connection event")
		}
	})
	return &StoreIngest{
		pgListener: l,
		notifier:   notifier,
	}
}

// Listen blocks, republishing store notifications onto the bus, until
// Teardown is called. lib/pq delivers a nil notification after an automatic
// reconnect; deliveries in the gap are reconciled by the client pull path, so
// it is safe to just continue.
func (i *StoreIngest) Listen() error {
	if err := i.pgListener.Listen(pgChanNotificationCreated); err != nil {
		return err
	}
	if err := i.pgListener.Listen(pgChanNotificationRead); err != nil {
		return err
	}
	for n := range i.pgListener.Notify {
		if n == nil {
			continue
		}
		payload := gjson.Parse(n.Extra)
		switch n.Channel {
		case pgChanNotificationCreated:
			i.notifier.Notify(pubsub.ChanStore, &pubsub.NotificationCreated{
				NotificationID: payload.Get("id").Str,
				UserID:         payload.Get("user_id").Str,
			})
		case pgChanNotificationRead:
			i.notifier.Notify(pubsub.ChanStore, &pubsub.NotificationsRead{
				UserID:         payload.Get("user_id").Str,
				NotificationID: payload.Get("id").Str,
			})
		}
	}
	return nil
}

func (i *StoreIngest) Teardown() {
	i.pgListener.Close()
}

// SQLProjectionLoader reads notification projections with a single SELECT per
// dispatch. Read-only access to the store's notifications table.
type SQLProjectionLoader struct {
	db *sqlx.DB
}

func NewSQLProjectionLoader(postgresURI string) (*SQLProjectionLoader, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	return &SQLProjectionLoader{db: db}, nil
}

type notificationRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	Kind       string    `db:"kind"`
	Subject    string    `db:"subject"`
	Body       string    `db:"body"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Read       bool      `db:"read"`
	CreatedAt  time.Time `db:"created_at"`
}

func (l *SQLProjectionLoader) LoadProjection(ctx context.Context, notificationID string) (*internal.NotificationProjection, error) {
	ctx, span := internal.StartSpan(ctx, "LoadProjection")
	defer span.End()
	var row notificationRow
	err := l.db.GetContext(ctx, &row, `
	SELECT id, user_id, kind, subject, body, entity_type, entity_id, read, created_at
	FROM notifications WHERE id = $1`, notificationID)
	if err != nil {
		return nil, err
	}
	return &internal.NotificationProjection{
		ID:         row.ID,
		UserID:     row.UserID,
		Kind:       row.Kind,
		Subject:    row.Subject,
		Excerpt:    excerpt(row.Body),
		EntityType: row.EntityType,
		EntityID:   row.EntityID,
		Read:       row.Read,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (l *SQLProjectionLoader) Teardown() {
	l.db.Close()
}

func excerpt(body string) string {
	runes := []rune(body)
	if len(runes) <= excerptRunes {
		return body
	}
	return string(runes[:excerptRunes]) + "…"
}
