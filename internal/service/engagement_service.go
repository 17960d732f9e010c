package service

import (
	"context"

	"plaza/internal/cache"
	"plaza/internal/docstore"
	"plaza/internal/featureflags"
	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// EngagementService records likes, reposts and favorites. Each one is a
// single-document set mutation, so repeating a call changes nothing.
type EngagementService struct {
	users  repository.UserRepository
	posts  repository.PostRepository
	lock   *cache.PairLock
	events EventSink
	flags  *featureflags.Manager
	retry  RetryPolicy
}

// NewEngagementService returns a new EngagementService. lock, events and flags may be nil.
func NewEngagementService(
	users repository.UserRepository,
	posts repository.PostRepository,
	lock *cache.PairLock,
	events EventSink,
	flags *featureflags.Manager,
	retry RetryPolicy,
) *EngagementService {
	return &EngagementService{users: users, posts: posts, lock: lock, events: events, flags: flags, retry: retry}
}

func (s *EngagementService) Like(ctx context.Context, userID, postID string) error {
	return s.setMembership(ctx, userID, postID, repository.LikesField, true)
}

func (s *EngagementService) Unlike(ctx context.Context, userID, postID string) error {
	return s.setMembership(ctx, userID, postID, repository.LikesField, false)
}

func (s *EngagementService) Repost(ctx context.Context, userID, postID string) error {
	return s.setMembership(ctx, userID, postID, repository.RepostsField, true)
}

func (s *EngagementService) Unrepost(ctx context.Context, userID, postID string) error {
	return s.setMembership(ctx, userID, postID, repository.RepostsField, false)
}

func (s *EngagementService) setMembership(ctx context.Context, userID, postID, field string, add bool) error {
	span, ctx := observability.StartServiceSpan(ctx, "engagement", field,
		attribute.String("user.id", userID),
		attribute.String("post.id", postID),
		attribute.Bool("engagement.add", add),
	)
	defer span.End()

	if userID == "" || postID == "" {
		return models.NewValidationError("User id and post id are required")
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, userID, "post/"+postID)
		if err != nil {
			return models.NewUnavailableError(err)
		}
		defer release()
	}

	if _, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetByID(ctx, userID)
	}); err != nil {
		return err
	}
	post, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.Post, error) {
		return s.posts.GetByID(ctx, postID)
	})
	if err != nil {
		span.SetError(err)
		return err
	}

	selfEngagement := post.AuthorID == userID
	if add && selfEngagement && s.flags.Enabled(featureflags.BlockSelfEngagement, userID) {
		return models.NewForbiddenError("You cannot engage with your own post")
	}

	present := post.LikedBy(userID)
	kind := models.EngagementLike
	if field == repository.RepostsField {
		present = post.RepostedBy(userID)
		kind = models.EngagementRepost
	}

	err = unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.posts.SetMembership(ctx, postID, field, userID, add)
	}, nil))
	if err != nil {
		span.SetError(err)
		return err
	}

	if add && !present && !selfEngagement {
		emitAsync(ctx, s.events, models.EngagementEvent{
			Kind:         kind,
			SourceUserID: userID,
			TargetUserID: post.AuthorID,
			PostID:       postID,
		})
	}
	return nil
}

// Favorite bookmarks postID for userID.
func (s *EngagementService) Favorite(ctx context.Context, userID, postID string) error {
	if _, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.Post, error) {
		return s.posts.GetByID(ctx, postID)
	}); err != nil {
		return err
	}
	return unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Update(ctx, userID, docstore.ArrayUnion("favorites", postID))
	}, nil))
}

// Unfavorite removes postID from userID's favorites. The post need not still exist.
func (s *EngagementService) Unfavorite(ctx context.Context, userID, postID string) error {
	if postID == "" {
		return models.NewValidationError("Post id is required")
	}
	return unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.users.Update(ctx, userID, docstore.ArrayRemove("favorites", postID))
	}, nil))
}
