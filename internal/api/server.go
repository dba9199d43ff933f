// Package api exposes the operator HTTP surface: signal intake, user and
// credential management, position views, and the emergency close-all switch.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/auth"
	"signal-trading-bot/internal/database"
	"signal-trading-bot/internal/events"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/vault"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// EmergencyCloser force-closes every open position. *monitor.Monitor
// satisfies it.
type EmergencyCloser interface {
	CloseAllOpenPositions(ctx context.Context) (closed, failed int, err error)
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	repo        *database.Repository
	sessions    *database.SessionStore
	vault       *vault.Vault
	registry    *exchange.Registry
	closer      EmergencyCloser
	bus         *events.Bus
	hub         *WSHub
	jwtManager  *auth.JWTManager
	rateLimiter *RateLimiter
	trading     config.TradingConfig
	logger      zerolog.Logger

	port int
}

// NewServer creates the API server and wires its routes.
func NewServer(
	cfg config.ServerConfig,
	trading config.TradingConfig,
	repo *database.Repository,
	sessions *database.SessionStore,
	v *vault.Vault,
	registry *exchange.Registry,
	closer EmergencyCloser,
	bus *events.Bus,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		repo:        repo,
		sessions:    sessions,
		vault:       v,
		registry:    registry,
		closer:      closer,
		bus:         bus,
		hub:         NewWSHub(logger),
		jwtManager:  auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour),
		rateLimiter: NewRateLimiter(120, time.Minute),
		trading:     trading,
		logger:      logger,
		port:        cfg.Port,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/positions", s.handlePositionStream)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	api.Use(auth.Middleware(s.jwtManager))
	{
		api.POST("/signals", s.handleCreateSignal)
		api.GET("/signals/pending", s.handleListPendingSignals)

		api.GET("/positions", s.handleGetPositions)
		api.GET("/positions/user/:chat_id", s.handleGetUserPositions)
		api.GET("/pnl/summary", s.handleGetPnLSummary)

		api.POST("/users", s.handleUpsertUser)
		api.PUT("/users/:chat_id/subscription", s.handleSetSubscription)
		api.PUT("/users/:chat_id/auto-trade", s.handleSetAutoTrade)

		api.GET("/exchanges", s.handleListExchanges)
		api.POST("/credentials/connect", s.handleStartConnect)
		api.POST("/credentials", s.handleCompleteConnect)
		api.DELETE("/credentials/:id", s.handleDeactivateCredential)

		admin := api.Group("/admin")
		admin.Use(auth.RequireAdmin())
		{
			admin.POST("/close-all", s.handleCloseAll)
		}
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests to this endpoint",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

// Start runs the event fan-out hub and then serves HTTP until Shutdown.
func (s *Server) Start() error {
	go s.hub.Run()
	if s.bus != nil {
		go s.pumpEvents()
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("HTTP server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) pumpEvents() {
	ch := s.bus.Subscribe()
	for event := range ch {
		s.hub.BroadcastEvent(event)
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
