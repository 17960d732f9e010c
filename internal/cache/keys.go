package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix   = "user:%s"
	PostKeyPrefix   = "post:%s"
	HandleKeyPrefix = "handle:%s"
)

const (
	UserTTL   = 5 * time.Minute
	PostTTL   = 30 * time.Minute
	HandleTTL = 10 * time.Minute
)

func UserKey(userID string) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

func PostKey(postID string) string {
	return fmt.Sprintf(PostKeyPrefix, postID)
}

// HandleKey is keyed by the lowercased handle.
func HandleKey(handleKey string) string {
	return fmt.Sprintf(HandleKeyPrefix, handleKey)
}

func Invalidate(ctx context.Context, keys ...string) {
	if client != nil && len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

func InvalidateUser(ctx context.Context, userIDs ...string) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = UserKey(id)
	}
	Invalidate(ctx, keys...)
}

func InvalidatePost(ctx context.Context, postID string) {
	Invalidate(ctx, PostKey(postID))
}
