package main

import (
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shep95/maldek-sub002/internal/cid"
)

// cidMiddleware ensures every request carries a correlation id: incoming
// values are preserved, missing ones get a fresh KSUID. The id rides the
// request context and is echoed on the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cid.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cid.WithCID(c.Request.Context(), id))
		c.Header(cid.HeaderName, id)
		c.Next()
	}
}

func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("maldek-spaces/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		if id := cid.FromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cid.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}
