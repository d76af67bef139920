package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler renders every error attached by a handler into the
// standard envelope. Internal detail stays in the server log.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr, ok := err.(*api.Error); ok {
			if appErr.Log != nil {
				logger.Error("Request failed",
					zap.String("path", c.Request.URL.Path),
					zap.String("code", appErr.Code),
					zap.Error(appErr.Log),
				)
			}
			c.JSON(appErr.Status, api.Fail(appErr.Code, appErr.Message, appErr.Details))
			c.Abort()
			return
		}

		// unknown error shape, catch-all 500
		logger.Error("Unhandled error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.Fail(api.CodeInternal, "An unexpected error occurred", nil))
		c.Abort()
	}
}
