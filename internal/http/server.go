// Package http exposes the task orchestrator over a JSON API with an
// event stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/scaffoldd/internal/events"
	"github.com/fyrsmithlabs/scaffoldd/internal/interaction"
	"github.com/fyrsmithlabs/scaffoldd/internal/logging"
	"github.com/fyrsmithlabs/scaffoldd/internal/orchestrator"
	"github.com/fyrsmithlabs/scaffoldd/internal/secrets"
)

// TaskService is the orchestrator surface the API serves.
// *orchestrator.Orchestrator satisfies it.
type TaskService interface {
	CreatePersistentTask(ctx context.Context, req orchestrator.CreateRequest) orchestrator.Result
	ListTasks(ctx context.Context, userID string) orchestrator.Result
	GetTaskStatistics(ctx context.Context) orchestrator.Result
	CleanupCompletedTasks(ctx context.Context) orchestrator.Result
	GetTaskStatus(ctx context.Context, id string) orchestrator.Result
	GetTaskSummary(ctx context.Context, id string) orchestrator.Result
	ExecuteTask(ctx context.Context, id string) orchestrator.Result
	PauseTask(ctx context.Context, id string) orchestrator.Result
	ResumeTask(ctx context.Context, id string) orchestrator.Result
	CompleteTask(ctx context.Context, id string) orchestrator.Result
	DeleteTask(ctx context.Context, id string) orchestrator.Result
	InteractWithTask(ctx context.Context, id string, req interaction.Request) orchestrator.Result
	GetDownload(ctx context.Context, taskID, downloadID string) orchestrator.Result
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// ShutdownTimeout bounds graceful shutdown in Start.
	ShutdownTimeout time.Duration

	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// Server serves the task API.
type Server struct {
	echo     *echo.Echo
	tasks    TaskService
	bus      *events.Bus
	scrubber *secrets.Scrubber
	logger   *zap.Logger
	config   *Config

	// runs tracks executions started by async execute requests.
	runs sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithScrubber enables POST /api/v1/scrub.
func WithScrubber(s *secrets.Scrubber) Option { return func(srv *Server) { srv.scrubber = s } }

// WithMetrics records OpenTelemetry request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(srv *Server) { srv.echo.Use(m.MetricsMiddleware()) }
}

// NewServer creates a new HTTP server.
func NewServer(tasks TaskService, bus *events.Bus, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task service cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9191}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:   e,
		tasks:  tasks,
		bus:    bus,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logging.For(ctx, logger).Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// errorHandler renders framework errors (unknown routes, bad bodies) in the
// same shape as orchestrator results.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := http.StatusInternalServerError, err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if code >= http.StatusInternalServerError {
			logger.Error("http handler failed", zap.String("path", c.Path()), zap.Error(err))
		}
		res := orchestrator.Result{Error: msg, Code: codeFor(code)}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, res)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/events", s.handleEvents)
	if s.scrubber != nil {
		v1.POST("/scrub", s.handleScrub)
	}

	tasks := v1.Group("/tasks")
	tasks.POST("", s.handleCreate)
	tasks.GET("", s.handleList)
	tasks.GET("/stats", s.handleStats)
	tasks.POST("/cleanup", s.handleCleanup)
	tasks.GET("/:id", s.handleStatus)
	tasks.DELETE("/:id", s.handleDelete)
	tasks.GET("/:id/summary", s.handleSummary)
	tasks.POST("/:id/execute", s.handleExecute)
	tasks.POST("/:id/pause", s.handlePause)
	tasks.POST("/:id/resume", s.handleResume)
	tasks.POST("/:id/complete", s.handleComplete)
	tasks.POST("/:id/interact", s.handleInteract)
	tasks.GET("/:id/downloads/:download", s.handleDownload)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests and waits for in-flight requests and
// async executions, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("async executions still running at shutdown")
	}
	return err
}
