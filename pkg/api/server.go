package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dbreader/pkg/api/middleware"
	"dbreader/pkg/coordination"
	"dbreader/pkg/election"
	"dbreader/pkg/resilience"
	"dbreader/pkg/storage"
)

// Leadership is the engine view the API reports on.
type Leadership interface {
	IsLeader() bool
	State() election.State
	Token() (coordination.Node, bool)
	InstanceID() string
	Leader(ctx context.Context) (string, error)
	Candidates(ctx context.Context) ([]election.Candidate, error)
}

// Server is the status HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	logger     *zap.Logger

	election Leadership
	store    storage.RecordStore
}

// Config holds API server configuration.
type Config struct {
	Port        string
	ServiceName string
	Election    Leadership
	Store       storage.RecordStore
	RateLimit   middleware.RateLimiterConfig
	Logger      *zap.Logger
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(cfg.Logger))

	s := &Server{
		router:   router,
		limiter:  middleware.NewRateLimiter(cfg.RateLimit),
		logger:   cfg.Logger,
		election: cfg.Election,
		store:    cfg.Store,
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

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. ctx bounds the rate limiter's
// housekeeping.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	go s.limiter.RunCleanup(ctx)

	s.logger.Info("status API listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/leadership", s.getLeadership)

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
			cluster.GET("/candidates", s.listCandidates)
		}

		records := v1.Group("/records")
		{
			records.GET("/pending", s.countPending)
			records.POST("",
				s.limiter.Middleware(),
				middleware.BodySizeLimitMiddleware(64<<10),
				s.createRecord)
		}
	}
}

// healthCheck reports 503 while the instance is outside the election or the
// store is unreachable.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]bool{
		"election": s.election != nil && s.election.State() != election.NotRegistered,
	}
	body := gin.H{"dependencies": deps}
	if s.store != nil {
		deps["store"] = s.pingStore(ctx) == nil
		if g, ok := s.store.(breakerReporter); ok {
			body["store_breaker"] = g.Breaker().Snapshot()
		}
	}

	healthy := true
	for _, ok := range deps {
		healthy = healthy && ok
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body["status"] = status
	body["timestamp"] = time.Now().UTC()
	c.JSON(code, body)
}

type breakerReporter interface {
	Breaker() *resilience.CircuitBreaker
}

func (s *Server) pingStore(ctx context.Context) error {
	if p, ok := s.store.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := s.store.CountPending(ctx)
	return err
}
