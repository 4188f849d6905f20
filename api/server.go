// Package api exposes the remediation service over HTTP: signal
// submission, issue inspection, the approval surface, and audit chain
// verification. Reads are open; everything that mutates requires a JWT.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/storefront-ops/remedy/approval"
	"github.com/storefront-ops/remedy/breaker"
	"github.com/storefront-ops/remedy/bus"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/store"
)

// Config holds the HTTP server settings.
type Config struct {
	Host            string
	Port            int
	Debug           bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RateLimit is requests per second per client (0 = no limit).
	RateLimit float64
	// JWTSecret signs and verifies API tokens.
	JWTSecret string
	// ServiceName and Version show up in health responses.
	ServiceName string
	Version     string
}

// Server wires the HTTP surface to the service internals.
type Server struct {
	echo      *echo.Echo
	config    Config
	store     *store.Store
	approvals *approval.Coordinator
	publisher bus.SignalPublisher
	consumer  *bus.Consumer
	breakers  *breaker.Set
	verifier  ChainVerifier
	logger    *common.ContextLogger
}

// NewServer builds the echo server with the standard middleware stack and
// registers all routes.
func NewServer(
	config Config,
	st *store.Store,
	approvals *approval.Coordinator,
	publisher bus.SignalPublisher,
	consumer *bus.Consumer,
	breakers *breaker.Set,
	verifier ChainVerifier,
	logger *common.ContextLogger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestID())
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	s := &Server{
		echo:      e,
		config:    config,
		store:     st,
		approvals: approvals,
		publisher: publisher,
		consumer:  consumer,
		breakers:  breakers,
		verifier:  verifier,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.Health)
	e.POST("/auth/token", s.GenerateToken)

	v1 := e.Group("/v1")
	v1.GET("/issues", s.ListIssues)
	v1.GET("/issues/:id", s.GetIssue)
	v1.GET("/issues/:id/audit", s.GetAuditChain)
	v1.GET("/issues/:id/audit/verify", s.VerifyAuditChain)
	v1.GET("/approvals", s.ListApprovals)
	v1.GET("/approvals/stream", s.StreamApprovals)

	protected := e.Group("/v1", s.jwtMiddleware())
	protected.POST("/signals", s.SubmitSignal)
	protected.POST("/actions/:id/decision", s.DecideAction)
	protected.GET("/deadletters", s.ListDeadLetters)
}

// Health reports liveness plus the state of every circuit breaker.
func (s *Server) Health(c echo.Context) error {
	details := map[string]interface{}{}
	if s.breakers != nil {
		details["breakers"] = s.breakers.States()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": s.config.ServiceName,
		"version": s.config.Version,
		"details": details,
	})
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.WithField("addr", addr).Info("http server listening")
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying echo instance, for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
