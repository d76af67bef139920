package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/ratelimit"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
)

// RateLimit applies the sliding-window limiter for one endpoint class.
// Authenticated requests are counted per user, everything else per
// client IP. Must run after HMACAuth on authenticated routes.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class, recorder audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := "ip:" + c.ClientIP()
		userID := ""
		if user, ok := CurrentUser(c); ok {
			identity = user.ID
			userID = user.ID
		}

		res := limiter.Allow(c.Request.Context(), class, identity)

		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			recorder.Record(audit.Event(model.EventRateLimitExceeded, userID, "",
				c.ClientIP(), c.Request.UserAgent(), map[string]any{
					"class": string(class),
					"path":  c.Request.URL.Path,
				}))

			_ = c.Error(api.RateLimitError(fmt.Sprintf("Rate limit exceeded, retry after %ds", retryAfter)))
			c.Abort()
			return
		}

		c.Next()
	}
}
