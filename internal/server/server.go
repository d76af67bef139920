package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/auth"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/ingest"
	"github.com/nulzo/usage-telemetry-api/internal/ratelimit"
	"github.com/nulzo/usage-telemetry-api/internal/stats"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps collects the process-scoped singletons the HTTP layer needs.
// Everything is constructed once at startup and injected; handlers
// hold no mutable globals.
type Deps struct {
	Config        *config.Config
	Logger        *zap.Logger
	Ingestor      *ingest.Service
	Accounts      *auth.AccountService
	Stats         *stats.Service
	Credentials   *auth.CredentialStore
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Recorder      audit.Recorder
}

type Server struct {
	router *gin.Engine
	deps   Deps
}

func New(deps Deps) *Server {
	if deps.Config.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(ginzap.Ginzap(deps.Logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(deps.Logger, true))
	engine.Use(otelgin.Middleware("usage-telemetry-api"))

	s := &Server{
		router: engine,
		deps:   deps,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
