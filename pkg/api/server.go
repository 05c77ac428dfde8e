package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"zkelect/pkg/api/middleware"
	"zkelect/pkg/election"
	tracing "zkelect/pkg/observability"
	"zkelect/pkg/storage"
	"zkelect/pkg/watch"
)

// Elector is the read-only view of a participant served by the API.
type Elector interface {
	Status() election.Leadership
	Candidates(ctx context.Context) ([]string, error)
	Namespace() string
	Connected() bool
}

// Watcher exposes the latest snapshot of a watched node.
type Watcher interface {
	Snapshot() watch.Snapshot
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	elector Elector
	watcher Watcher
	events  storage.EventLog
}

// Config holds API server configuration. Any of Elector, Watcher and Events
// may be nil; their routes then answer 503.
type Config struct {
	Port        string
	ServiceName string
	Elector     Elector
	Watcher     Watcher
	Events      storage.EventLog
	RateLimit   middleware.RateLimiterConfig
	Log         *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "zkelect"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(log))
	router.Use(middleware.RateLimitMiddlewareWithConfig(cfg.RateLimit))

	s := &Server{
		router:  router,
		log:     log.Named("api"),
		elector: cfg.Elector,
		watcher: cfg.Watcher,
		events:  cfg.Events,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		elections := v1.Group("/election")
		{
			elections.GET("", s.getLeadership)
			elections.GET("/candidates", s.listCandidates)
		}
		v1.GET("/events", s.listEvents)
		v1.GET("/watch", s.getSnapshot)
	}
}

// requestLogger logs each request once it has been served.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		}
		if traceID := tracing.TraceID(c.Request.Context()); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}
		log.Debug("request", fields...)
	}
}

// healthCheck reports unhealthy while an election session is lost.
func (s *Server) healthCheck(c *gin.Context) {
	components := make(map[string]bool)
	if s.elector != nil {
		components["election_session"] = s.elector.Connected()
	}
	if s.watcher != nil {
		components["watch"] = true
	}
	if s.events != nil {
		components["events"] = true
	}

	healthy := true
	for _, ok := range components {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}
