package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"plaza/internal/models"
	"plaza/internal/repository"
)

const maxCommentLen = 280

// CommentService adds and lists replies on posts.
type CommentService struct {
	posts    repository.PostRepository
	comments repository.CommentRepository
	events   EventSink
	retry    RetryPolicy
	now      func() time.Time
}

// NewCommentService returns a new CommentService. events may be nil.
func NewCommentService(posts repository.PostRepository, comments repository.CommentRepository, events EventSink, retry RetryPolicy) *CommentService {
	return &CommentService{posts: posts, comments: comments, events: events, retry: retry, now: time.Now}
}

// AddComment stores a reply and notifies the post's author.
func (s *CommentService) AddComment(ctx context.Context, actorID, postID, text string) (*models.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("Comment text is required")
	}
	if utf8.RuneCountInString(text) > maxCommentLen {
		return nil, models.NewValidationError(fmt.Sprintf("Comment too long (max %d characters)", maxCommentLen))
	}

	post, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.Post, error) {
		return s.posts.GetByID(ctx, postID)
	})
	if err != nil {
		return nil, err
	}

	comment := &models.Comment{
		ID:        newID(),
		PostID:    postID,
		AuthorID:  actorID,
		Text:      text,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := unavailable(s.comments.Create(ctx, comment)); err != nil {
		return nil, err
	}

	emitAsync(ctx, s.events, models.EngagementEvent{
		Kind:         models.EngagementComment,
		SourceUserID: actorID,
		TargetUserID: post.AuthorID,
		PostID:       postID,
	})
	return comment, nil
}

// ListComments returns a post's comments, newest first.
func (s *CommentService) ListComments(ctx context.Context, postID string, limit int, cursor string) (*models.Page[models.Comment], error) {
	limit = clampLimit(limit)
	after, err := decodeTimeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if _, err := s.posts.GetByID(ctx, postID); err != nil {
		return nil, unavailable(err)
	}
	listing, err := retryValue(ctx, s.retry, func(ctx context.Context) (repository.Listing[models.Comment, repository.Cursor], error) {
		return s.comments.ListByPost(ctx, postID, limit, after)
	})
	if err != nil {
		return nil, err
	}
	return listingPage(listing, limit), nil
}
