package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t0ken-ai/memoryx/ingest"
	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/internal/version"
	"github.com/t0ken-ai/memoryx/retrieval"
	"github.com/t0ken-ai/memoryx/store"
)

// Flusher accepts client submissions for asynchronous ingestion.
type Flusher interface {
	FlushConversation(ctx context.Context, payload *ingest.ConversationPayload) (*ingest.FlushResult, error)
	SubmitMemory(ctx context.Context, payload *ingest.MemoryPayload) (*ingest.FlushResult, error)
}

// Searcher ranks memories for a query.
type Searcher interface {
	Search(ctx context.Context, req *retrieval.SearchRequest) (*retrieval.SearchResponse, error)
}

// QuotaReader reports search quota consumption.
type QuotaReader interface {
	Usage(ctx context.Context, userID, tier string) (*retrieval.Usage, error)
}

// Server is the HTTP front of the memory service.
type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	store   *store.Store

	flusher   Flusher
	retriever Searcher
	quota     QuotaReader
}

// New creates the Server and registers all routes.
func New(p *profile.Profile, st *store.Store, flusher Flusher, retriever Searcher, quota QuotaReader) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	s := &Server{
		echo:      e,
		profile:   p,
		store:     st,
		flusher:   flusher,
		retriever: retriever,
		quota:     quota,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/agents/auto-register", s.autoRegister)

	v1 := e.Group("/v1", s.apiKeyAuth)
	v1.POST("/memories", s.submitMemory)
	v1.POST("/memories/batch", s.submitMemoryBatch)
	v1.POST("/memories/search", s.searchMemories)
	v1.GET("/memories/list", s.listMemories)
	v1.GET("/memories/stats", s.memoryStats)
	v1.GET("/memories/task/:id", s.taskStatus)
	v1.GET("/memories/:id", s.getMemory)
	v1.DELETE("/memories/:id", s.deleteMemory)
	v1.POST("/conversations/flush", s.flushConversation)
	v1.GET("/quota", s.quotaStatus)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the context is canceled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.profile.ListenAddr())
	}()
	slog.Info("server started", "addr", s.profile.ListenAddr(), "version", version.GetCurrentVersion(s.profile.Mode))

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serve")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GetCurrentVersion(s.profile.Mode),
	})
}

type errorResponse struct {
	Message string `json:"message"`
}

func fail(c echo.Context, code int, message string) error {
	return c.JSON(code, errorResponse{Message: message})
}

// failFrom maps domain errors onto status codes. Quota exhaustion is not
// a client fault and not a server fault; it gets its own codes so SDKs
// can surface an upgrade hint.
func failFrom(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ingest.ErrMemoryQuotaExceeded):
		return fail(c, http.StatusPaymentRequired, "memory quota exceeded, upgrade to PRO for more")
	case errors.Is(err, retrieval.ErrSearchQuotaExceeded):
		return fail(c, http.StatusTooManyRequests, "daily search quota exceeded, upgrade to PRO for more")
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
		return fail(c, http.StatusInternalServerError, "internal error")
	}
}
