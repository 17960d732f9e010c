package server

import (
	"log/slog"

	"plaza/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// GetFeatureFlags returns configured feature flags and evaluated state for current user.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	userID := currentUserID(c)
	return c.JSON(fiber.Map{
		"raw":       s.rt.Flags.Raw(),
		"evaluated": s.rt.Flags.Snapshot(userID),
	})
}

// TriggerReconcile handles POST /api/admin/reconcile. It runs one full
// repair pass synchronously and returns the report.
func (s *Server) TriggerReconcile(c *fiber.Ctx) error {
	ctx := c.UserContext()
	observability.GlobalLogger.InfoContext(ctx, "reconciliation requested",
		slog.String("admin_id", currentUserID(c)))

	report, err := s.svc.Reconciler.Run(ctx)
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if !report.Clean() {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(fiber.Map{
		"clean":  report.Clean(),
		"report": report,
	})
}
