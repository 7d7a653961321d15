// Package api serves the opportunity feed and the admin surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/auth"
	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/models"
	"github.com/david/oppforge/internal/pipeline"
)

// Store is the read side of the opportunity store.
type Store interface {
	List(ctx context.Context, params db.ListParams) (*db.ListResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
	Stats(ctx context.Context) (*models.Stats, error)
	ScraperHealth(ctx context.Context, now time.Time) ([]models.ScraperHealth, error)
}

// Ingestor is the write side. *pipeline.Pipeline satisfies it.
type Ingestor interface {
	SubmitRaw(ctx context.Context, raw json.RawMessage) (pipeline.BatchReport, error)
	CreateManual(ctx context.Context, in pipeline.ManualInput) (*models.Opportunity, error)
	Verify(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Reconcile(ctx context.Context) (pipeline.ReconcileReport, error)
	Maintain(ctx context.Context) (pipeline.MaintenanceReport, error)
}

// SourceRunner triggers one connector. *sources.Runner satisfies it.
type SourceRunner interface {
	RunSource(ctx context.Context, id string) (models.ScrapeRun, error)
}

// Embedder turns a search query into a vector for semantic ordering.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Deps struct {
	Store    Store
	Ingestor Ingestor
	Auth     *auth.Service
	// Runner and Embedder are optional.
	Runner   SourceRunner
	Embedder Embedder
}

type Config struct {
	CORSOrigins []string
	// JobTimeout bounds a background reconcile job.
	JobTimeout time.Duration
}

type Server struct {
	Echo *echo.Echo

	store    Store
	ingestor Ingestor
	auth     *auth.Service
	runner   SourceRunner
	embedder Embedder
	jobs     *jobTracker
	cfg      Config
	logger   zerolog.Logger
}

func NewServer(deps Deps, cfg Config, logger zerolog.Logger) *Server {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	logger = logger.With().Str("component", "api").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	// CORS: allow frontend origins from config or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminSecretHeader},
	}))

	s := &Server{
		Echo:     e,
		store:    deps.Store,
		ingestor: deps.Ingestor,
		auth:     deps.Auth,
		runner:   deps.Runner,
		embedder: deps.Embedder,
		jobs:     newJobTracker(),
		cfg:      cfg,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/stats", s.handleGetStats)
	api.POST("/auth/login", s.handleLogin)

	admin := api.Group("", s.auth.AdminMiddleware())
	admin.POST("/ingest", s.handleIngest, middleware.BodyLimit("8M"))
	admin.POST("/admin/opportunities", s.handleCreateManual)
	admin.POST("/admin/opportunities/:id/verify", s.handleVerify)
	admin.DELETE("/admin/opportunities/:id", s.handleDelete)
	admin.GET("/admin/scrapers", s.handleScraperHealth)
	admin.POST("/admin/sources/:id/run", s.handleRunSource)
	admin.POST("/admin/reconcile", s.handleReconcile)
	admin.GET("/admin/job/:id", s.handleJobStatus)
}

// requestLogger writes one zerolog line per request.
func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Shutdown stops accepting requests and cancels running background jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobs.cancelAll()
	return s.Echo.Shutdown(ctx)
}
