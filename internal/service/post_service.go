package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxPostLen    = 280
	maxPostImages = 4
)

// CreatePostInput is what an author submits.
type CreatePostInput struct {
	AuthorID  string
	Text      string
	ImageRefs []string
}

// PostService creates, reads and deletes posts while keeping the author's
// postCount in step.
type PostService struct {
	users repository.UserRepository
	posts repository.PostRepository
	retry RetryPolicy
	now   func() time.Time
}

// NewPostService returns a new PostService.
func NewPostService(users repository.UserRepository, posts repository.PostRepository, retry RetryPolicy) *PostService {
	return &PostService{users: users, posts: posts, retry: retry, now: time.Now}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	span, ctx := observability.StartServiceSpan(ctx, "post", "CreatePost", attribute.String("user.id", in.AuthorID))
	defer span.End()

	text := strings.TrimSpace(in.Text)
	images := make([]string, 0, len(in.ImageRefs))
	for _, ref := range in.ImageRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			images = append(images, ref)
		}
	}
	switch {
	case text == "" && len(images) == 0:
		return nil, models.NewValidationError("Post must have text or an image")
	case utf8.RuneCountInString(text) > maxPostLen:
		return nil, models.NewValidationError(fmt.Sprintf("Post too long (max %d characters)", maxPostLen))
	case len(images) > maxPostImages:
		return nil, models.NewValidationError(fmt.Sprintf("Too many images (max %d)", maxPostImages))
	}

	if _, err := retryValue(ctx, s.retry, func(ctx context.Context) (*models.User, error) {
		return s.users.GetByID(ctx, in.AuthorID)
	}); err != nil {
		return nil, err
	}

	post := &models.Post{
		ID:        newID(),
		AuthorID:  in.AuthorID,
		Text:      text,
		ImageRefs: images,
		Likes:     []string{},
		Reposts:   []string{},
		// Stores keep millisecond precision; truncating keeps cursors stable.
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := unavailable(s.posts.Create(ctx, post)); err != nil {
		span.SetError(err)
		return nil, err
	}
	return post, nil
}

func (s *PostService) GetPost(ctx context.Context, postID string) (*models.Post, error) {
	return retryValue(ctx, s.retry, func(ctx context.Context) (*models.Post, error) {
		return s.posts.GetByID(ctx, postID)
	})
}

// DeletePost removes postID. Only its author may delete it.
func (s *PostService) DeletePost(ctx context.Context, actorID, postID string) error {
	span, ctx := observability.StartServiceSpan(ctx, "post", "DeletePost", attribute.String("post.id", postID))
	defer span.End()

	post, err := s.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.AuthorID != actorID {
		return models.NewForbiddenError("Only the author can delete this post")
	}
	if err := unavailable(s.retry.Do(ctx, func(ctx context.Context) error {
		return s.posts.Delete(ctx, post)
	}, nil)); err != nil {
		span.SetError(err)
		return err
	}
	return nil
}
