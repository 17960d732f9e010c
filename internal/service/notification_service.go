package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"
)

// Publisher pushes a serialized message to one user's live channel.
type Publisher interface {
	PublishUser(ctx context.Context, userID string, payload string) error
}

// NotificationMessage is the live payload sent to a receiver's sockets.
type NotificationMessage struct {
	Type         string              `json:"type"`
	Notification models.Notification `json:"notification"`
	Sender       *models.UserSummary `json:"sender,omitempty"`
}

// NotificationService turns engagement events into stored notifications and
// pushes them to connected receivers. It is the EventSink used by the other
// services.
type NotificationService struct {
	users         repository.UserRepository
	notifications repository.NotificationRepository
	prefs         repository.PreferencesRepository
	publisher     Publisher
	retry         RetryPolicy
}

// NewNotificationService returns a new NotificationService. prefs and publisher may be nil.
func NewNotificationService(
	users repository.UserRepository,
	notifications repository.NotificationRepository,
	prefs repository.PreferencesRepository,
	publisher Publisher,
	retry RetryPolicy,
) *NotificationService {
	return &NotificationService{
		users:         users,
		notifications: notifications,
		prefs:         prefs,
		publisher:     publisher,
		retry:         retry,
	}
}

// Emit stores the notification for event's target and publishes it unless
// the receiver switched notifications off.
func (s *NotificationService) Emit(ctx context.Context, event models.EngagementEvent) error {
	if event.TargetUserID == "" || event.SourceUserID == event.TargetUserID {
		return nil
	}
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	n := &models.Notification{
		ID:         newID(),
		Kind:       event.Kind,
		SenderID:   event.SourceUserID,
		ReceiverID: event.TargetUserID,
		PostID:     event.PostID,
		CreatedAt:  at.UTC().Truncate(time.Millisecond),
	}
	if err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.notifications.Create(ctx, n)
	}, nil)); err != nil {
		return err
	}

	if s.publisher == nil || !s.wantsLive(ctx, n.ReceiverID) {
		return nil
	}

	msg := NotificationMessage{Type: "notification", Notification: *n}
	if sender, err := s.users.GetByID(ctx, n.SenderID); err == nil {
		summary := sender.Summary()
		msg.Sender = &summary
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return models.NewInternalError(err)
	}
	if err := s.publisher.PublishUser(ctx, n.ReceiverID, string(payload)); err != nil {
		// Stored already; the receiver sees it on the next fetch.
		observability.GlobalLogger.WarnContext(ctx, "failed to publish notification",
			slog.String("notification_id", n.ID),
			slog.String("receiver_id", n.ReceiverID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *NotificationService) wantsLive(ctx context.Context, userID string) bool {
	if s.prefs == nil {
		return true
	}
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return true
	}
	return p.NotificationsEnabled
}

// List returns userID's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID string, limit int, cursor string) (*models.Page[models.Notification], error) {
	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}
	listing, err := retryValue(ctx, s.retry, func(ctx context.Context) (repository.Listing[models.Notification, repository.Cursor], error) {
		return s.notifications.ListByReceiver(ctx, userID, limit, after)
	})
	if err != nil {
		return nil, err
	}
	return listingPage(listing, limit), nil
}

// MarkRead marks one of userID's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) error {
	n, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.Notification, error) {
		return s.notifications.Get(ctx, notificationID)
	})
	if err != nil {
		return err
	}
	if n.ReceiverID != userID {
		return models.NewForbiddenError("Not your notification")
	}
	if n.Read {
		return nil
	}
	return unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.notifications.MarkRead(ctx, notificationID)
	}, nil))
}

// MarkAllRead marks every unread notification of userID and returns how many changed.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	unread, err := retryValue(ctx, s.retry, func(ctx context.Context) ([]models.Notification, error) {
		return s.notifications.ListUnread(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, n := range unread {
		err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
			return s.notifications.MarkRead(ctx, n.ID)
		}, nil))
		if err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	unread, err := retryValue(ctx, s.retry, func(ctx context.Context) ([]models.Notification, error) {
		return s.notifications.ListUnread(ctx, userID)
	})
	return len(unread), err
}
