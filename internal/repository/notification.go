package repository

import (
	"context"
	"errors"

	"plaza/internal/docstore"
	"plaza/internal/models"
)

// NotificationRepository defines persistence operations for notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (*models.Notification, error)
	ListByReceiver(ctx context.Context, receiverID string, limit int, after *Cursor) (Listing[models.Notification, Cursor], error)
	ListUnread(ctx context.Context, receiverID string) ([]models.Notification, error)
	MarkRead(ctx context.Context, id string) error
}

type notificationRepository struct {
	store docstore.Store
}

// NewNotificationRepository returns a new NotificationRepository implementation.
func NewNotificationRepository(store docstore.Store) NotificationRepository {
	return &notificationRepository{store: store}
}

func decodeNotification(doc docstore.Document) (*models.Notification, error) {
	n, err := decodeDocument(doc, func(n *models.Notification) error {
		if n.ReceiverID == "" || n.Kind == "" {
			return errors.New("receiverId and kind are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.ID = doc.ID
	return n, nil
}

func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	err := r.store.Create(ctx, NotificationsCollection, n.ID, map[string]any{
		"kind":       string(n.Kind),
		"senderId":   n.SenderID,
		"receiverId": n.ReceiverID,
		"postId":     n.PostID,
		"read":       n.Read,
		"createdAt":  n.CreatedAt,
	})
	return storeError(err, "Notification", n.ID)
}

func (r *notificationRepository) Get(ctx context.Context, id string) (*models.Notification, error) {
	doc, err := r.store.Get(ctx, NotificationsCollection, id)
	if err != nil {
		return nil, storeError(err, "Notification", id)
	}
	n, err := decodeNotification(*doc)
	if err != nil {
		return nil, storeError(err, "Notification", id)
	}
	return n, nil
}

func (r *notificationRepository) ListByReceiver(ctx context.Context, receiverID string, limit int, after *Cursor) (Listing[models.Notification, Cursor], error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: NotificationsCollection,
		Filters:    []docstore.Filter{docstore.Eq("receiverId", receiverID)},
		OrderBy:    newestFirst,
		StartAfter: after.startAfter(),
		Limit:      limit,
	})
	if err != nil {
		return Listing[models.Notification, Cursor]{}, storeError(err, "Notification", receiverID)
	}
	return decodeListing(ctx, NotificationsCollection, docs, decodeNotification, timePosition), nil
}

func (r *notificationRepository) ListUnread(ctx context.Context, receiverID string) ([]models.Notification, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: NotificationsCollection,
		Filters: []docstore.Filter{
			docstore.Eq("receiverId", receiverID),
			docstore.Eq("read", false),
		},
	})
	if err != nil {
		return nil, storeError(err, "Notification", receiverID)
	}
	return decodeAll(ctx, NotificationsCollection, docs, decodeNotification), nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id string) error {
	err := r.store.Update(ctx, NotificationsCollection, id, []docstore.Mutation{docstore.Set("read", true)})
	return storeError(err, "Notification", id)
}
