package sync

import (
	"context"
	"fmt"
	"time"

	"agrisync/config"
	"agrisync/models"
	"agrisync/utils"
)

// NotificationAPI is the slice of the backend API the notification
// synchronizer needs.
type NotificationAPI interface {
	FetchNotifications(ctx context.Context) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error)
}

// NotificationSynchronizer projects the current user's notification stream.
// Inserts arrive from other users' actions; the only local mutation is
// marking a notification read, applied optimistically.
type NotificationSynchronizer struct {
	syncState

	userID  string
	api     NotificationAPI
	source  Source
	store   *Store[*models.Notification]
	echo    *EchoWindow
	timeout time.Duration
	logger  *utils.Logger

	sub *Subscription
}

func NewNotificationSynchronizer(userID string, api NotificationAPI, source Source, cfg *config.Config, logger *utils.Logger) *NotificationSynchronizer {
	return &NotificationSynchronizer{
		userID:  userID,
		api:     api,
		source:  source,
		store:   NewStore[*models.Notification](),
		echo:    NewEchoWindow(cfg.EchoWindow),
		timeout: cfg.MutationTimeout,
		logger:  logger,
	}
}

// Start subscribes to the user's private stream, filtered down to
// notification events; saved-post events on the same topic belong to the
// feed synchronizer's independent subscription.
func (s *NotificationSynchronizer) Start(ctx context.Context) error {
	sub, err := s.source.Subscribe(models.UserTopic(s.userID), func(ev models.ChangeEvent) bool {
		return ev.Entity == models.EntityNotification
	}, s.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	s.sub = sub
	return s.Refresh(ctx)
}

func (s *NotificationSynchronizer) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *NotificationSynchronizer) Items(filter func(*models.Notification) bool) []*models.Notification {
	return s.store.List(filter)
}

func (s *NotificationSynchronizer) Subscribe(fn func()) func() {
	return s.store.Subscribe(fn)
}

// Unread counts notifications not yet marked read.
func (s *NotificationSynchronizer) Unread() int {
	return len(s.store.List(func(n *models.Notification) bool { return !n.Read }))
}

func (s *NotificationSynchronizer) Refresh(ctx context.Context) error {
	s.setLoading(true)
	defer s.setLoading(false)

	items, err := s.api.FetchNotifications(ctx)
	if err != nil {
		s.setErr(err)
		return err
	}
	s.store.Replace(items)
	s.setErr(nil)
	return nil
}

// MarkRead marks a notification read optimistically and reverts the read
// flag if the request fails.
func (s *NotificationSynchronizer) MarkRead(ctx context.Context, id string) error {
	n, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("unknown notification: %s", id)
	}
	if n.Read {
		return nil
	}

	key := notificationKey(id)

	updated := *n
	updated.Read = true
	s.store.Upsert(&updated)
	s.echo.Mark(key, string(models.EventUpdate))

	mctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	confirmed, err := s.api.MarkNotificationRead(mctx, id)
	if err != nil {
		s.echo.Discard(key)
		if cur, ok := s.store.Get(id); ok {
			reverted := *cur
			reverted.Read = false
			s.store.Upsert(&reverted)
		}
		s.setErr(err)
		return err
	}

	if confirmed != nil {
		s.store.Upsert(confirmed)
	}
	s.setErr(nil)
	return nil
}

func (s *NotificationSynchronizer) onEvent(ev models.ChangeEvent) {
	n := ev.Notification()
	if n == nil {
		return
	}

	switch ev.Kind {
	case models.EventInsert:
		s.store.Upsert(n)
	case models.EventUpdate:
		if s.echo.TryConsume(notificationKey(n.EntityID()), string(ev.Kind)) {
			return
		}
		s.store.Upsert(n)
	case models.EventDelete:
		s.store.Remove(n.EntityID())
	}
}

func notificationKey(id string) string {
	return "notification:" + id
}
