// Package server wires the coordinator's components and serves the local
// API.
package server

import (
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/api/http"
	"github.com/nymai/scand/internal/api/middleware"
	"github.com/nymai/scand/internal/api/ws"
	"github.com/nymai/scand/internal/identity"
	"github.com/nymai/scand/internal/infrastructure/config"
	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/scan"
	"github.com/nymai/scand/internal/scan/executor"
	"github.com/nymai/scand/internal/scan/keepalive"
	"github.com/nymai/scand/internal/session"
	"github.com/nymai/scand/internal/store"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	router      *gin.Engine
	httpServer  *nethttp.Server
	store       *store.Store
	coordinator *scan.Coordinator
	logger      *logging.Logger
	config      *config.Config
	metrics     *monitoring.Metrics
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			logger = logging.NewDefault()
		}
	}

	logger.Info("Initializing scan coordinator",
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Backend.BaseURL),
	)

	metrics := monitoring.NewMetrics()

	st, err := store.Open(cfg.Store.Dir, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	st.WithMetrics(metrics)

	var identityClient *identity.Client
	if cfg.Identity.BaseURL != "" {
		identityClient = identity.New(identity.Config{
			BaseURL: cfg.Identity.BaseURL,
			APIKey:  cfg.Identity.APIKey,
		}, logger)
		logger.Info("Identity provider configured", zap.String("url", cfg.Identity.BaseURL))
	} else {
		logger.Warn("No identity provider configured; stored sessions are trusted as-is")
	}

	gate := session.New(st, identityClient, cfg.Auth.AllowedOrigins, logger)

	exec := executor.New(executor.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Timeout:      cfg.Scan.Timeout,
		MediaTimeout: cfg.Scan.MediaTimeout,
	}, logger)

	keeper := keepalive.New(st, logger.Named("keepalive"), cfg.KeepAlive.Interval, metrics)

	coordinator := scan.New(st, gate, exec, keeper, cfg.Scan, metrics, logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSConfig{
		AllowOriginPatterns: cfg.Auth.AllowedOrigins,
		AllowMethods:        middleware.DefaultCORSConfig().AllowMethods,
		AllowHeaders:        middleware.DefaultCORSConfig().AllowHeaders,
		AllowCredentials:    true,
		MaxAge:              12 * time.Hour,
	}))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := http.NewHandlers(coordinator, gate, st, metrics, cfg.Backend.BaseURL, logger)
	wsHandler := ws.NewHandler(st, coordinator, metrics, logger)

	router.GET("/health", handlers.Health)

	v1 := router.Group("/v1")
	{
		v1.POST("/scan", handlers.SubmitScan)
		v1.POST("/scan/cancel", handlers.CancelScan)
		v1.GET("/scan/result", handlers.ScanResult)
		v1.GET("/scan/status", handlers.ScanStatus)

		v1.POST("/extract", handlers.Extract)

		v1.POST("/session/login", handlers.Login)
		v1.GET("/session", handlers.SessionInfo)
		v1.DELETE("/session", handlers.SignOut)
		v1.POST("/session/external", handlers.AcceptExternalSession)

		v1.POST("/billing/checkout", handlers.CreateCheckout)

		v1.GET("/history", handlers.History)
		v1.GET("/history/export", handlers.ExportHistory)
	}

	router.GET("/stream", wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully")

	return &Server{
		router:      router,
		store:       st,
		coordinator: coordinator,
		logger:      logger,
		config:      cfg,
		metrics:     metrics,
	}, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	s.httpServer = &nethttp.Server{
		Addr:    addr,
		Handler: s.router,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the server. An in-flight scan is cancelled so
// the store is left consistent rather than with a stuck scanning flag.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	s.coordinator.Cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to stop HTTP server", zap.Error(err))
			return err
		}
	}

	s.logger.Info("Shutdown complete")
	return s.logger.Sync()
}
