package tracing

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"hookvault/pkg/logging"
)

// GinMiddleware starts a server span per request and copies its trace id into the log context.
func GinMiddleware(serviceName string) gin.HandlersChain {
	return gin.HandlersChain{
		otelgin.Middleware(serviceName),
		func(c *gin.Context) {
			sc := trace.SpanContextFromContext(c.Request.Context())
			if sc.HasTraceID() {
				c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), sc.TraceID().String()))
			}
			c.Next()
		},
	}
}
