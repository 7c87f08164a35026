package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hedge-grid-bot/config"
	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/logging"
)

// HealthCheck probes a dependency; a nil error means healthy
type HealthCheck func(ctx context.Context) error

// RateLimitReporter is satisfied by binance.FuturesClient
type RateLimitReporter interface {
	RateLimitStatus() binance.RateLimitStatus
}

// Options carries everything the ops server reads from
type Options struct {
	Symbol     string
	DryRun     bool
	Tracker    *TickTracker
	RateLimits RateLimitReporter
	Gatherer   prometheus.Gatherer
	// StaleAfter is how long without a successful tick before /healthz fails
	StaleAfter time.Duration
	Checks     map[string]HealthCheck
}

// Server is the read-only operations HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     config.ServerConfig
	opts       Options
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer creates the ops server and registers its routes
func NewServer(cfg config.ServerConfig, opts Options, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	s := &Server{
		router:    router,
		config:    cfg,
		opts:      opts,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/api/status", s.handleStatus)
	s.router.GET("/api/rate-limit", s.handleRateLimit)

	if s.opts.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start() error {
	addr := s.config.Addr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  secondsOr(s.config.ReadTimeout, 15),
		WriteTimeout: secondsOr(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	components := gin.H{}

	if s.opts.Tracker != nil {
		ok := s.opts.Tracker.Healthy(s.opts.StaleAfter)
		if !ok {
			healthy = false
		}
		components["reconciler"] = statusWord(ok)
	}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			healthy = false
			components[name] = err.Error()
			continue
		}
		components[name] = "healthy"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     statusWord(healthy),
		"components": components,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"time":       time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"symbol":  s.opts.Symbol,
		"dry_run": s.opts.DryRun,
	}
	if s.opts.Tracker != nil {
		resp["reconciler"] = s.opts.Tracker.Status()
	}
	if s.opts.RateLimits != nil {
		resp["rate_limit"] = s.opts.RateLimits.RateLimitStatus()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRateLimit(c *gin.Context) {
	if s.opts.RateLimits == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rate limit status not available in paper mode"})
		return
	}
	c.JSON(http.StatusOK, s.opts.RateLimits.RateLimitStatus())
}

func statusWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
