package middleware

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/limit-market/internal/telemetry"
)

var tracer = otel.Tracer("github.com/nathanyu/limit-market/internal/middleware")

// Tracing opens a server span per request, continuing a trace propagated in
// the request headers. Errors attached with c.Error are recorded on the span,
// and logs written under the request carry its route.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routePath(c)
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
				semconv.URLPath(c.Request.URL.Path),
				semconv.UserAgentOriginal(c.Request.UserAgent()),
			),
		)
		defer span.End()

		ctx = telemetry.WithLogAttrs(ctx, slog.String("route", route))
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		for _, ginErr := range c.Errors {
			span.RecordError(ginErr.Err)
		}
		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
