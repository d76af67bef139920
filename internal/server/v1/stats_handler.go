package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/stats"
	"github.com/nulzo/usage-telemetry-api/internal/store"
	"github.com/nulzo/usage-telemetry-api/pkg/api"
)

// StatsHandler serves the cache-fronted read side. No decision logic
// lives here beyond "read, optionally through cache".
type StatsHandler struct {
	service *stats.Service
}

func NewStatsHandler(service *stats.Service) *StatsHandler {
	return &StatsHandler{service: service}
}

// GetUserStats handles GET /v1/users/:username/stats.
func (h *StatsHandler) GetUserStats(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 || days > 365 {
		_ = c.Error(api.BadRequestError("Invalid 'days' parameter"))
		return
	}

	view, err := h.service.GetUserStats(c.Request.Context(), c.Param("username"), days)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = c.Error(api.NotFoundError("User not found"))
			return
		}
		_ = c.Error(api.InternalError("Failed to fetch user stats", err))
		return
	}

	c.JSON(http.StatusOK, api.OK(view))
}

// Leaderboard handles GET /v1/leaderboard?period=all|7d|30d.
func (h *StatsHandler) Leaderboard(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 100 {
		_ = c.Error(api.BadRequestError("Invalid 'limit' parameter"))
		return
	}

	rows, err := h.service.Leaderboard(c.Request.Context(), c.Query("period"), limit)
	if err != nil {
		if errors.Is(err, stats.ErrUnknownPeriod) {
			_ = c.Error(api.BadRequestError("Invalid 'period' parameter"))
			return
		}
		_ = c.Error(api.InternalError("Failed to fetch leaderboard", err))
		return
	}

	c.JSON(http.StatusOK, api.OK(gin.H{
		"object": "list",
		"data":   rows,
	}))
}
