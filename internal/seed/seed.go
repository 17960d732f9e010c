package seed

import (
	"context"
	"fmt"
	"log/slog"

	"plaza/internal/bootstrap"
	"plaza/internal/models"
	"plaza/internal/observability"
	"plaza/internal/service"
)

// Options configuration for the seeder
type Options struct {
	NumUsers        int
	FollowsPerUser  int
	PostsPerUser    int
	LikesPerPost    int
	CommentsPerPost int
	// Seed fixes the fake data sequence; 0 is random.
	Seed int64
}

// DefaultOptions is a small mesh that exercises every feed path.
func DefaultOptions() Options {
	return Options{
		NumUsers:        40,
		FollowsPerUser:  12,
		PostsPerUser:    5,
		LikesPerPost:    4,
		CommentsPerPost: 1,
	}
}

// Result counts what a seeding run wrote.
type Result struct {
	UserIDs        []string
	PostIDs        []string
	Follows        int
	PartialFollows int
	Likes          int
	Comments       int
}

// Seeder writes demo data through the services, so every write follows the
// same rules as a real request.
type Seeder struct {
	svc     bootstrap.Services
	opts    Options
	factory *Factory
}

// NewSeeder returns a Seeder bound to svc.
func NewSeeder(svc bootstrap.Services, opts Options) *Seeder {
	return &Seeder{svc: svc, opts: opts, factory: NewFactory(opts.Seed)}
}

// Run creates users, a follow mesh, posts, likes and comments.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	log := observability.GlobalLogger
	log.InfoContext(ctx, "seeding started",
		slog.Int("users", s.opts.NumUsers),
		slog.Int("posts_per_user", s.opts.PostsPerUser),
	)

	res := &Result{}
	if err := s.createUsers(ctx, res); err != nil {
		return res, fmt.Errorf("failed to create users: %w", err)
	}
	if err := s.followMesh(ctx, res); err != nil {
		return res, fmt.Errorf("failed to create follows: %w", err)
	}
	if err := s.createPosts(ctx, res); err != nil {
		return res, fmt.Errorf("failed to create posts: %w", err)
	}
	if err := s.engage(ctx, res); err != nil {
		return res, fmt.Errorf("failed to create engagement: %w", err)
	}

	log.InfoContext(ctx, "seeding completed",
		slog.Int("users", len(res.UserIDs)),
		slog.Int("follows", res.Follows),
		slog.Int("partial_follows", res.PartialFollows),
		slog.Int("posts", len(res.PostIDs)),
		slog.Int("likes", res.Likes),
		slog.Int("comments", res.Comments),
	)
	return res, nil
}

func (s *Seeder) createUsers(ctx context.Context, res *Result) error {
	for range s.opts.NumUsers {
		p := s.factory.Profile()
		u, _, err := s.svc.Directory.EnsureProfile(ctx, p.ID, p.DisplayName, p.Email, p.PhotoRef)
		if err != nil {
			return err
		}
		res.UserIDs = append(res.UserIDs, u.ID)
	}
	return nil
}

func (s *Seeder) followMesh(ctx context.Context, res *Result) error {
	n := len(res.UserIDs)
	for i, actor := range res.UserIDs {
		for _, j := range s.factory.Pick(n, s.opts.FollowsPerUser, i) {
			if err := follow(ctx, s.svc.Follow, actor, res.UserIDs[j], res); err != nil {
				return err
			}
		}
	}
	return nil
}

// follow counts a half-written edge instead of failing; the reconciler repairs it.
func follow(ctx context.Context, svc *service.FollowService, actor, target string, res *Result) error {
	err := svc.Follow(ctx, actor, target)
	switch {
	case err == nil:
		res.Follows++
	case models.IsCode(err, models.CodePartialFollowState):
		res.PartialFollows++
	default:
		return err
	}
	return nil
}

func (s *Seeder) createPosts(ctx context.Context, res *Result) error {
	for _, author := range res.UserIDs {
		for range s.opts.PostsPerUser {
			p, err := s.svc.Posts.CreatePost(ctx, service.CreatePostInput{
				AuthorID:  author,
				Text:      s.factory.PostText(),
				ImageRefs: s.factory.ImageRefs(),
			})
			if err != nil {
				return err
			}
			res.PostIDs = append(res.PostIDs, p.ID)
		}
	}
	return nil
}

func (s *Seeder) engage(ctx context.Context, res *Result) error {
	n := len(res.UserIDs)
	for _, postID := range res.PostIDs {
		for _, j := range s.factory.Pick(n, s.opts.LikesPerPost, -1) {
			err := s.svc.Engagement.Like(ctx, res.UserIDs[j], postID)
			if models.IsCode(err, models.CodeForbidden) {
				continue
			}
			if err != nil {
				return err
			}
			res.Likes++
		}
		for _, j := range s.factory.Pick(n, s.opts.CommentsPerPost, -1) {
			if _, err := s.svc.Comments.AddComment(ctx, res.UserIDs[j], postID, s.factory.CommentText()); err != nil {
				return err
			}
			res.Comments++
		}
	}
	return nil
}
