package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/repository"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const defaultPageLimit = 20

// storePing is the cheapest query every backend can answer.
var storePing = docstore.Query{Collection: repository.UsersCollection, Limit: 1}

// PageQuery holds the parsed limit/cursor query parameters.
type PageQuery struct {
	Limit  int
	Cursor string
}

// parsePage reads ?limit= and ?cursor=. Out-of-range limits are clamped by
// the services, so only malformed numbers are rejected here.
func parsePage(c *fiber.Ctx) (PageQuery, error) {
	q := PageQuery{Limit: defaultPageLimit, Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, models.NewValidationError("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

// statusFor maps an application error to its HTTP status.
func statusFor(err error) int {
	switch models.ErrorCode(err) {
	case models.CodeValidation, models.CodeSelfFollow, models.CodeInvalidHandle:
		return fiber.StatusBadRequest
	case models.CodeUnauthorized:
		return fiber.StatusUnauthorized
	case models.CodeForbidden:
		return fiber.StatusForbidden
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeHandleTaken, models.CodeConcurrentModification:
		return fiber.StatusConflict
	case models.CodeUnavailable:
		return fiber.StatusServiceUnavailable
	case models.CodePartialFollowState:
		return fiber.StatusAccepted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// respondError writes err with the status its code maps to. Unclassified
// errors are wrapped so their text is only exposed as details.
func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError && models.ErrorCode(err) == "" {
		err = models.NewInternalError(err)
	}
	return models.RespondWithError(c, status, err)
}

// currentUserID returns the authenticated subject set by the auth middleware.
func currentUserID(c *fiber.Ctx) string {
	id, _ := c.Locals("userID").(string)
	return id
}

// param returns a trimmed route parameter, or a validation error naming it.
func param(c *fiber.Ctx, name string) (string, error) {
	v := strings.TrimSpace(c.Params(name))
	if v == "" {
		return "", models.NewValidationError("Missing " + name)
	}
	return v, nil
}

func (s *Server) roleOf(ctx context.Context, userID string) (models.Role, error) {
	u, err := s.svc.Directory.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

// requireUpgrade rejects plain HTTP requests on websocket routes.
func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// requireFlag answers 404 when flag is off for the current user.
func (s *Server) requireFlag(flag string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.rt.Flags.Enabled(flag, currentUserID(c)) {
			return models.RespondWithError(c, fiber.StatusNotFound,
				models.NewNotFoundError("Feature", flag))
		}
		return c.Next()
	}
}
