package middleware

import (
	"strconv"

	"plaza/internal/observability"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware opens a server span per request, joining any trace in
// the incoming headers. The span is renamed to the matched route once the
// handler has run so that /users/:id spans group together.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		parent := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))
		ctx, span := observability.Tracer.Start(parent, c.Method()+" "+c.Path(),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		sc := span.SpanContext()
		if sc.HasTraceID() {
			tid := sc.TraceID().String()
			c.Locals("traceID", tid)
			c.Set("X-Trace-ID", tid)
		}
		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Method()),
			attribute.String("http.route", c.Route().Path),
			attribute.String("http.client_ip", c.IP()),
			attribute.Int("http.status_code", status),
		}
		if rid, ok := c.Locals("requestid").(string); ok {
			attrs = append(attrs, attribute.String("request.id", rid))
		}
		if uid, ok := c.Locals("userID").(string); ok {
			attrs = append(attrs, attribute.String("user.id", uid))
		}
		span.SetAttributes(attrs...)
		span.SetName(c.Method() + " " + c.Route().Path)

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= fiber.StatusInternalServerError:
			span.SetStatus(codes.Error, "status "+strconv.Itoa(status))
		}
		return err
	}
}
