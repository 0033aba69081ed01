// Package server provides the HTTP API for masisd.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/docstore"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/pipeline"
	"github.com/masislabs/masis/internal/worker"
)

// QueryRunner runs the question-answering pipeline.
type QueryRunner interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// TaskPublisher enqueues ingestion tasks.
type TaskPublisher interface {
	Publish(task worker.IngestTask) error
}

// DocumentRemover deletes a document's chunks and record.
type DocumentRemover interface {
	RemoveDocument(ctx context.Context, workspaceID, documentID string) error
}

// Server provides HTTP endpoints for masisd.
type Server struct {
	echo      *echo.Echo
	pipeline  QueryRunner
	docs      *docstore.Store
	publisher TaskPublisher
	remover   DocumentRemover
	logger    *logging.Logger
	config    config.ServerConfig
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(p QueryRunner, docs *docstore.Store, publisher TaskPublisher, remover DocumentRemover, gatherer prometheus.Gatherer, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if docs == nil {
		return nil, fmt.Errorf("docstore is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			ctx := logging.ContextWithRequestID(c.Request().Context(),
				c.Response().Header().Get(echo.HeaderXRequestID))
			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		pipeline:  p,
		docs:      docs,
		publisher: publisher,
		remover:   remover,
		logger:    logger.Named("server"),
		config:    cfg,
	}

	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)

	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")

	v1.POST("/workspaces", s.handleCreateWorkspace)
	v1.GET("/workspaces", s.handleListWorkspaces)
	v1.DELETE("/workspaces/:workspace_id", s.handleDeleteWorkspace)

	v1.POST("/workspaces/:workspace_id/query", s.handleQuery)

	v1.POST("/workspaces/:workspace_id/documents", s.handleUploadDocument)
	v1.GET("/workspaces/:workspace_id/documents", s.handleListDocuments)
	v1.GET("/workspaces/:workspace_id/documents/:document_id/progress", s.handleDocumentProgress)
	v1.DELETE("/workspaces/:workspace_id/documents/:document_id", s.handleDeleteDocument)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
