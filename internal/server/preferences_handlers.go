package server

import (
	"plaza/internal/models"
	"plaza/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetPreferences handles GET /api/preferences. Users who never saved
// anything get the defaults.
func (s *Server) GetPreferences(c *fiber.Ctx) error {
	p, err := s.svc.Preferences.Get(c.UserContext(), currentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// UpdatePreferences handles PATCH /api/preferences
func (s *Server) UpdatePreferences(c *fiber.Ctx) error {
	var patch models.PreferencesPatch
	if err := c.BodyParser(&patch); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	p, err := s.svc.Preferences.UpdatePreferences(c.UserContext(), currentUserID(c), patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// ResetPreferences handles DELETE /api/preferences
func (s *Server) ResetPreferences(c *fiber.Ctx) error {
	if err := s.svc.Preferences.Reset(c.UserContext(), currentUserID(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetConsent handles POST /api/preferences/consent
func (s *Server) SetConsent(c *fiber.Ctx) error {
	var in models.ConsentInput
	if err := c.BodyParser(&in); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	p, err := s.svc.Preferences.SetConsent(c.UserContext(), currentUserID(c), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// RecordProfileVisit handles POST /api/preferences/visits
func (s *Server) RecordProfileVisit(c *fiber.Ctx) error {
	var req struct {
		ProfileID string `json:"profile_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	p, err := s.svc.Preferences.RecordProfileVisit(c.UserContext(), currentUserID(c), req.ProfileID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// RecordSearch handles POST /api/preferences/searches
func (s *Server) RecordSearch(c *fiber.Ctx) error {
	var req struct {
		Term string `json:"term"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	p, err := s.svc.Preferences.RecordSearch(c.UserContext(), currentUserID(c), req.Term)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// TrackSession handles POST /api/preferences/session
func (s *Server) TrackSession(c *fiber.Ctx) error {
	var usage service.SessionUsage
	if err := c.BodyParser(&usage); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	if err := s.svc.Preferences.TrackSession(c.UserContext(), currentUserID(c), usage); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
