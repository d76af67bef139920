package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/auth"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/internal/store/model"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
)

// HMACAuth verifies the X-API-Key / X-Timestamp / X-Signature triplet
// on signed endpoints. The client sees only a generic 401; the audit
// log gets the distinction between unknown key and bad signature.
func HMACAuth(creds *auth.CredentialStore, authn *auth.Authenticator, recorder audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader(auth.HeaderAPIKey)
		timestamp := c.GetHeader(auth.HeaderTimestamp)
		signature := c.GetHeader(auth.HeaderSignature)

		if rawKey == "" {
			unauthorized(c)
			return
		}

		// The signature covers the body, and handlers still need to
		// bind it, so buffer and restore.
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			_ = c.Error(api.BadRequestError("Unable to read request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

		user, key, err := creds.Verify(c.Request.Context(), rawKey)
		if err != nil {
			if errors.Is(err, auth.ErrUnknownKey) {
				// prefix only; the full candidate key is never retained
				recorder.Record(audit.Event(model.EventInvalidAPIKey, "", auth.DisplayPrefix(rawKey),
					c.ClientIP(), c.Request.UserAgent(), nil))
			}
			unauthorized(c)
			return
		}

		if err := authn.VerifyRequest(rawKey, timestamp, signature, body); err != nil {
			recorder.Record(audit.Event(model.EventInvalidSignature, user.ID, key.KeyPrefix,
				c.ClientIP(), c.Request.UserAgent(), map[string]any{
					"reason": err.Error(),
				}))
			unauthorized(c)
			return
		}

		// Inject identity into context for downstream use
		ctx := context.WithValue(c.Request.Context(), store.ContextKeyUser, user)
		ctx = context.WithValue(ctx, store.ContextKeyAPIKey, key)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// CurrentUser returns the authenticated user set by HMACAuth.
func CurrentUser(c *gin.Context) (*model.User, bool) {
	user, ok := c.Request.Context().Value(store.ContextKeyUser).(*model.User)
	return user, ok
}

// CurrentAPIKey returns the key that authenticated this request.
func CurrentAPIKey(c *gin.Context) (*model.APIKey, bool) {
	key, ok := c.Request.Context().Value(store.ContextKeyAPIKey).(*model.APIKey)
	return key, ok
}

func unauthorized(c *gin.Context) {
	_ = c.Error(api.UnauthorizedError("Invalid authentication"))
	c.Abort()
}
