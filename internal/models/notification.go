package models

import "time"

// EngagementKind classifies engagement events and the notifications derived from them.
type EngagementKind string

const (
	EngagementLike    EngagementKind = "like"
	EngagementRepost  EngagementKind = "repost"
	EngagementComment EngagementKind = "comment"
	EngagementFollow  EngagementKind = "follow"
)

// EngagementEvent is emitted when one user acts on another user's content or profile.
type EngagementEvent struct {
	Kind         EngagementKind `json:"kind"`
	SourceUserID string         `json:"source_user_id"`
	TargetUserID string         `json:"target_user_id"`
	PostID       string         `json:"post_id,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Notification is the persisted, per-receiver form of an engagement event.
type Notification struct {
	ID         string         `json:"id" mapstructure:"-"`
	Kind       EngagementKind `json:"kind" mapstructure:"kind"`
	SenderID   string         `json:"sender_id" mapstructure:"senderId"`
	ReceiverID string         `json:"receiver_id" mapstructure:"receiverId"`
	PostID     string         `json:"post_id,omitempty" mapstructure:"postId"`
	Read       bool           `json:"read" mapstructure:"read"`
	CreatedAt  time.Time      `json:"created_at" mapstructure:"createdAt"`
}
