package server

import (
	"context"

	"plaza/internal/models"
	"plaza/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	post, err := s.svc.Posts.GetPost(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req struct {
		Text      string   `json:"text"`
		ImageRefs []string `json:"image_refs"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	post, err := s.svc.Posts.CreatePost(c.UserContext(), service.CreatePostInput{
		AuthorID:  currentUserID(c),
		Text:      req.Text,
		ImageRefs: req.ImageRefs,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// DeletePost handles DELETE /api/posts/:id
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := s.svc.Posts.DeletePost(c.UserContext(), currentUserID(c), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type engagementFunc func(ctx context.Context, userID, postID string) error

// engage runs one engagement toggle and reports the resulting state.
func (s *Server) engage(c *fiber.Ctx, kind string, active bool, fn engagementFunc) error {
	postID, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := fn(c.UserContext(), currentUserID(c), postID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"post_id": postID, kind: active})
}

// LikePost handles POST /api/posts/:id/like
func (s *Server) LikePost(c *fiber.Ctx) error {
	return s.engage(c, "liked", true, s.svc.Engagement.Like)
}

// UnlikePost handles DELETE /api/posts/:id/like
func (s *Server) UnlikePost(c *fiber.Ctx) error {
	return s.engage(c, "liked", false, s.svc.Engagement.Unlike)
}

func (s *Server) RepostPost(c *fiber.Ctx) error {
	return s.engage(c, "reposted", true, s.svc.Engagement.Repost)
}

func (s *Server) UnrepostPost(c *fiber.Ctx) error {
	return s.engage(c, "reposted", false, s.svc.Engagement.Unrepost)
}

func (s *Server) FavoritePost(c *fiber.Ctx) error {
	return s.engage(c, "favorited", true, s.svc.Engagement.Favorite)
}

func (s *Server) UnfavoritePost(c *fiber.Ctx) error {
	return s.engage(c, "favorited", false, s.svc.Engagement.Unfavorite)
}

// GetComments handles GET /api/posts/:id/comments
func (s *Server) GetComments(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Comments.ListComments(c.UserContext(), id, page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// CreateComment handles POST /api/posts/:id/comments
func (s *Server) CreateComment(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	comment, err := s.svc.Comments.AddComment(c.UserContext(), currentUserID(c), id, req.Text)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}
