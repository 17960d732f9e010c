package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetForYouFeed handles GET /api/feed/for-you
func (s *Server) GetForYouFeed(c *fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Feed.ComposeForYou(c.UserContext(), page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// GetFollowingFeed handles GET /api/feed/following
func (s *Server) GetFollowingFeed(c *fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Feed.ComposeFollowing(c.UserContext(), currentUserID(c), page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// GetFavoritesFeed handles GET /api/feed/favorites
func (s *Server) GetFavoritesFeed(c *fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Feed.ComposeFavorites(c.UserContext(), currentUserID(c), page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// GetUserPosts handles GET /api/users/:id/posts
func (s *Server) GetUserPosts(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Feed.ListByAuthor(c.UserContext(), id, page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}
