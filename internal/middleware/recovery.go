package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginguard/internal/common/errors"
)

// Recovery turns a panicking handler into a 500 with the standard error body.
// The panic value and stack are logged, never returned to the client.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && err == http.ErrAbortHandler {
				panic(rec)
			}

			logger.Error("Panic recovered",
				zap.String("request_id", GetRequestID(c)),
				zap.String("panic", fmt.Sprintf("%v", rec)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.ByteString("stack", debug.Stack()),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperrors.HandleError(c, apperrors.Internal("An unexpected error occurred", fmt.Errorf("panic: %v", rec)))
		}()

		c.Next()
	}
}
