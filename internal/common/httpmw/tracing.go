package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/reeloly/sandboxd/internal/tracing"
)

// errorCodeKey holds the public error code a handler answered with.
const errorCodeKey = "httpmw.error_code"

// SetErrorCode records the public error code of the response on the request
// span and in the access log.
func SetErrorCode(c *gin.Context, code string) {
	c.Set(errorCodeKey, code)
}

// ErrorCode returns the code set by SetErrorCode, if any.
func ErrorCode(c *gin.Context) string {
	return c.GetString(errorCodeKey)
}

// OtelTracing wraps each request in a server span tagged with the caller from
// userHeader and the projectId query parameter. No-op when tracing is disabled.
func OtelTracing(serviceName, userHeader string) gin.HandlerFunc {
	tracer := tracing.Tracer(serviceName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(route),
		)
		if userHeader != "" {
			if user := c.GetHeader(userHeader); user != "" {
				span.SetAttributes(attribute.String("user_id", user))
			}
		}
		if projectID := c.Query("projectId"); projectID != "" {
			span.SetAttributes(attribute.String("project_id", projectID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if code := ErrorCode(c); code != "" {
			span.SetAttributes(attribute.String("error_code", code))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
