package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/auth"
	"github.com/nulzo/usage-telemetry-api/internal/server/middleware"
	"github.com/nulzo/usage-telemetry-api/internal/server/validator"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
)

type AccountHandler struct {
	accounts  *auth.AccountService
	validator *validator.Validator
}

func NewAccountHandler(accounts *auth.AccountService, v *validator.Validator) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		validator: v,
	}
}

type registerRequest struct {
	Username    string `json:"username" binding:"required,alphanum,min=3,max=30"`
	DisplayName string `json:"displayName" binding:"max=60"`
}

// Register handles POST /v1/users/register. The raw key is returned
// exactly once.
func (h *AccountHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(h.validator.ParseError(err)))
		return
	}

	user, key, err := h.accounts.Register(c.Request.Context(), req.Username, req.DisplayName)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			_ = c.Error(api.BadRequestError("Username is already taken"))
			return
		}
		_ = c.Error(api.InternalError("Failed to register user", err))
		return
	}

	c.JSON(http.StatusCreated, api.OK(gin.H{
		"user_id":    user.ID,
		"username":   user.Username,
		"api_key":    key.RawKey,
		"key_prefix": key.Prefix,
	}))
}

// RotateKey handles POST /v1/keys/rotate on a signed request. The key
// that authenticated this call is deactivated once the new one is
// stored.
func (h *AccountHandler) RotateKey(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		_ = c.Error(api.UnauthorizedError("Invalid authentication"))
		return
	}
	previous, _ := middleware.CurrentAPIKey(c)

	key, err := h.accounts.Rotate(c.Request.Context(), user, previous, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		_ = c.Error(api.InternalError("Failed to rotate key", err))
		return
	}

	c.JSON(http.StatusCreated, api.OK(api.KeyIssued{
		APIKey:    key.RawKey,
		KeyPrefix: key.Prefix,
	}))
}

// ListKeys handles GET /v1/keys. Prefixes and usage timestamps only.
func (h *AccountHandler) ListKeys(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		_ = c.Error(api.UnauthorizedError("Invalid authentication"))
		return
	}

	keys, err := h.accounts.ListKeys(c.Request.Context(), user.ID)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to list keys", err))
		return
	}

	out := make([]api.KeySummary, 0, len(keys))
	for _, k := range keys {
		summary := api.KeySummary{
			KeyPrefix: k.KeyPrefix,
			IsActive:  k.IsActive,
			CreatedAt: k.CreatedAt,
		}
		if k.LastUsedAt.Valid {
			t := k.LastUsedAt.Time
			summary.LastUsedAt = &t
		}
		out = append(out, summary)
	}

	c.JSON(http.StatusOK, api.OK(out))
}
