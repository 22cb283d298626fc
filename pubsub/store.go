package pubsub

// The channel which carries payloads originating from the workspace store.
const ChanStore = "storech"

// StoreListener is implemented by components which want to react to durable
// writes made by the external workspace store.
type StoreListener interface {
	OnNotificationCreated(p *NotificationCreated)
	OnNotificationsRead(p *NotificationsRead)
}

// NotificationCreated is published when the store has durably created a
// notification. Carries identifiers only; the dispatcher loads the projection.
type NotificationCreated struct {
	NotificationID string
	UserID         string
}

func (n NotificationCreated) Type() string { return "nc" }

// NotificationsRead is published when the store marks one or all of a user's
// notifications as read, so connected clients can refresh their badge.
type NotificationsRead struct {
	UserID string
	// NotificationID is empty when every notification was marked read.
	NotificationID string
}

func (n NotificationsRead) Type() string { return "nr" }

type StoreSub struct {
	listener Listener
	receiver StoreListener
}

func NewStoreSub(l Listener, recv StoreListener) *StoreSub {
	return &StoreSub{
		listener: l,
		receiver: recv,
	}
}

func (s *StoreSub) Teardown() {
	s.listener.Close()
}

func (s *StoreSub) onMessage(p Payload) {
	switch p.Type() {
	case NotificationCreated{}.Type():
		s.receiver.OnNotificationCreated(p.(*NotificationCreated))
	case NotificationsRead{}.Type():
		s.receiver.OnNotificationsRead(p.(*NotificationsRead))
	}
}

func (s *StoreSub) Listen() error {
	return s.listener.Listen(ChanStore, s.onMessage)
}
