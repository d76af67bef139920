package server

import (
	"github.com/nulzo/usage-telemetry-api/internal/ratelimit"
	"github.com/nulzo/usage-telemetry-api/internal/server/middleware"
	"github.com/nulzo/usage-telemetry-api/internal/server/validator"
	v1 "github.com/nulzo/usage-telemetry-api/internal/server/v1"
)

func (s *Server) SetupRoutes() {
	s.router.Use(middleware.ErrorHandler(s.deps.Logger))

	// Health Check (public, unlimited)
	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	val := validator.NewValidator()
	sessionHandler := v1.NewSessionHandler(s.deps.Ingestor, val)
	accountHandler := v1.NewAccountHandler(s.deps.Accounts, val)
	statsHandler := v1.NewStatsHandler(s.deps.Stats)

	apiGroup := s.router.Group("/v1")

	// Public read side: higher caps, per-IP identity.
	public := apiGroup.Group("")
	public.Use(middleware.RateLimit(s.deps.Limiter, ratelimit.ClassPublic, s.deps.Recorder))
	{
		public.GET("/leaderboard", statsHandler.Leaderboard)
		public.GET("/users/:username/stats", statsHandler.GetUserStats)
	}

	// Registration: auth-sensitive cap, per-IP identity.
	register := apiGroup.Group("")
	register.Use(middleware.RateLimit(s.deps.Limiter, ratelimit.ClassAuth, s.deps.Recorder))
	{
		register.POST("/users/register", accountHandler.Register)
	}

	// Signed endpoints: HMAC auth first so the limiter counts per user.
	signed := apiGroup.Group("")
	signed.Use(middleware.HMACAuth(s.deps.Credentials, s.deps.Authenticator, s.deps.Recorder))
	{
		submit := signed.Group("")
		submit.Use(middleware.RateLimit(s.deps.Limiter, ratelimit.ClassSubmit, s.deps.Recorder))
		submit.POST("/sessions", sessionHandler.Submit)

		keys := signed.Group("")
		keys.Use(middleware.RateLimit(s.deps.Limiter, ratelimit.ClassAuth, s.deps.Recorder))
		keys.POST("/keys/rotate", accountHandler.RotateKey)
		keys.GET("/keys", accountHandler.ListKeys)
	}
}
