package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/ingest"
	"github.com/nulzo/usage-telemetry-api/internal/server/middleware"
	"github.com/nulzo/usage-telemetry-api/internal/server/validator"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
)

type SessionHandler struct {
	ingestor  *ingest.Service
	validator *validator.Validator
}

func NewSessionHandler(ingestor *ingest.Service, v *validator.Validator) *SessionHandler {
	return &SessionHandler{
		ingestor:  ingestor,
		validator: v,
	}
}

// Submit handles POST /v1/sessions, the signed ingest endpoint.
func (h *SessionHandler) Submit(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		_ = c.Error(api.UnauthorizedError("Invalid authentication"))
		return
	}

	var req ingest.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(api.ValidationError(h.validator.ParseError(err)))
		return
	}

	meta := ingest.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	sessionID, err := h.ingestor.Ingest(c.Request.Context(), user, &req, meta)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDuplicateSession):
			_ = c.Error(api.DuplicateSessionError())
		case errors.Is(err, ingest.ErrTooFrequent):
			_ = c.Error(api.TooFrequentError("Session submitted too soon after the previous one"))
		case errors.Is(err, ingest.ErrInvalid):
			_ = c.Error(api.BadRequestError(err.Error()))
		default:
			_ = c.Error(api.InternalError("Failed to record session", err))
		}
		return
	}

	c.JSON(http.StatusCreated, api.OK(api.SessionAccepted{
		SessionID: sessionID,
		Message:   "Session recorded",
	}))
}
