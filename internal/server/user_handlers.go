package server

import (
	"plaza/internal/models"

	"github.com/gofiber/fiber/v2"
)

// publicView hides the contact email from everyone but the owner.
func publicView(u *models.User, viewerID string) *models.User {
	if u == nil || u.ID == viewerID {
		return u
	}
	out := *u
	out.Email = ""
	return &out
}

// GetUserProfile handles GET /api/users/:id
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	user, err := s.svc.Directory.GetByID(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(publicView(user, currentUserID(c)))
}

// GetUserByHandle handles GET /api/users/handle/:handle
func (s *Server) GetUserByHandle(c *fiber.Ctx) error {
	handle, err := param(c, "handle")
	if err != nil {
		return respondError(c, err)
	}
	user, err := s.svc.Directory.GetByHandle(c.UserContext(), handle)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(publicView(user, currentUserID(c)))
}

// CheckHandleAvailable handles GET /api/users/handle/:handle/available
func (s *Server) CheckHandleAvailable(c *fiber.Ctx) error {
	handle, err := param(c, "handle")
	if err != nil {
		return respondError(c, err)
	}
	ok, err := s.svc.Directory.IsHandleAvailable(c.UserContext(), handle)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"handle": handle, "available": ok})
}

// SearchUsers handles GET /api/users/search?q=
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Directory.SearchByPrefix(c.UserContext(), c.Query("q"), page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	viewer := currentUserID(c)
	for i := range result.Items {
		if result.Items[i].ID != viewer {
			result.Items[i].Email = ""
		}
	}
	return c.JSON(result)
}

// GetFollowers handles GET /api/users/:id/followers
func (s *Server) GetFollowers(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Directory.ListFollowers(c.UserContext(), id, page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// GetFollowing handles GET /api/users/:id/following
func (s *Server) GetFollowing(c *fiber.Ctx) error {
	id, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	page, err := parsePage(c)
	if err != nil {
		return respondError(c, err)
	}
	result, err := s.svc.Directory.ListFollowing(c.UserContext(), id, page.Limit, page.Cursor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// EnsureMyProfile handles POST /api/users/me. It is called after every sign-in
// and creates the profile on the first one.
func (s *Server) EnsureMyProfile(c *fiber.Ctx) error {
	var req struct {
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		PhotoRef    string `json:"photo_ref"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return respondError(c, models.NewValidationError("Invalid request body"))
		}
	}
	user, created, err := s.svc.Directory.EnsureProfile(c.UserContext(), currentUserID(c), req.DisplayName, req.Email, req.PhotoRef)
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(user)
}

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.svc.Directory.GetByID(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PATCH /api/users/me
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	var patch models.ProfilePatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	user, err := s.svc.Directory.UpdateProfile(c.UserContext(), currentUserID(c), patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// RegisterMyHandle handles PUT /api/users/me/handle
func (s *Server) RegisterMyHandle(c *fiber.Ctx) error {
	var req struct {
		Handle string `json:"handle"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	user, err := s.svc.Directory.RegisterHandle(c.UserContext(), currentUserID(c), req.Handle)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// FollowUser handles POST /api/users/:id/follow
func (s *Server) FollowUser(c *fiber.Ctx) error {
	return s.changeFollow(c, true)
}

// UnfollowUser handles DELETE /api/users/:id/follow
func (s *Server) UnfollowUser(c *fiber.Ctx) error {
	return s.changeFollow(c, false)
}

// changeFollow answers 202 when only the actor's side landed; the body names
// the repair task that will finish the edge.
func (s *Server) changeFollow(c *fiber.Ctx, follow bool) error {
	targetID, err := param(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	actorID := currentUserID(c)
	ctx := c.UserContext()

	if follow {
		err = s.svc.Follow.Follow(ctx, actorID, targetID)
	} else {
		err = s.svc.Follow.Unfollow(ctx, actorID, targetID)
	}
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"actor_id":  actorID,
		"target_id": targetID,
		"following": follow,
	})
}
