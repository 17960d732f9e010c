package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"plaza/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingMiddleware(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := observability.Tracer
	observability.Tracer = tp.Tracer("test")
	t.Cleanup(func() { observability.Tracer = prev })

	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/users/:id", func(c *fiber.Ctx) error {
		c.Locals("userID", "u1")
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusInternalServerError)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/users/42", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "GET /users/:id", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("user.id", "u1"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", 200))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
