// Package middleware provides gin middleware shared by loginguard services
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXRequestID carries the request correlation ID in both directions
const HeaderXRequestID = "X-Request-ID"

type contextKey string

// RequestIDKey is the key under which the request ID is stored. The gin
// context uses its string form so apperrors.HandleError can echo it.
const RequestIDKey contextKey = "request_id"

// maxRequestIDLen bounds caller-supplied IDs before they reach the logs
const maxRequestIDLen = 128

// GetRequestID retrieves the request ID from the gin context
func GetRequestID(c *gin.Context) string {
	return c.GetString(string(RequestIDKey))
}

// RequestIDFromContext retrieves the request ID from a context.Context
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// ContextWithRequestID adds a request ID to a context.Context
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestID reuses the caller's X-Request-ID or generates a UUID, and makes
// it available on the gin context, the request context and the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}

		c.Set(string(RequestIDKey), requestID)
		c.Request = c.Request.WithContext(ContextWithRequestID(c.Request.Context(), requestID))
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}
