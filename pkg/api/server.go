// Package api provides the HTTP control API of a mesh node
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/krol69/MeshLink/pkg/network"
	"github.com/krol69/MeshLink/pkg/storage"
)

// Server represents the HTTP API server of a mesh node
type Server struct {
	node       *network.Node
	history    *storage.Recorder // nil when history is disabled
	router     *gin.Engine
	registry   *prometheus.Registry
	logger     *zap.Logger
	config     *Config
	httpServer *http.Server
	startedAt  time.Time
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	EnableCORS     bool
	RateLimit      int // Requests per minute, 0 disables limiting
	MaxBodySizeKB  int
	HistoryLimit   int // Default page size of GET /messages
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // How long a handler waits for the node
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8080,
		EnableCORS:     true,
		RateLimit:      300,
		MaxBodySizeKB:  128,
		HistoryLimit:   50,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// NewServer creates the API for node. history may be nil.
func NewServer(node *network.Node, history *storage.Recorder, config *Config, logger *zap.Logger) (*Server, error) {
	if node == nil {
		return nil, errors.New("api: nil node")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(node.Metrics()); err != nil {
		return nil, fmt.Errorf("register node metrics: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go metrics: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		node:      node,
		history:   history,
		router:    gin.New(),
		registry:  registry,
		logger:    logger.Named("api"),
		config:    config,
		startedAt: time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// Handler exposes the router, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	if s.config.MaxBodySizeKB > 0 {
		s.router.Use(BodyLimitMiddleware(int64(s.config.MaxBodySizeKB) << 10))
	}

	s.router.Use(LoggingMiddleware(s.logger))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
			node.GET("/stats", s.handleNodeStats)
			node.GET("/logs", s.handleLogs)
		}

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.GET("/known", s.handleKnownPeers)
			peers.GET("/:id", s.handlePeer)
			peers.POST("/:id/connect", s.handleConnect)
			peers.POST("/:id/disconnect", s.handleDisconnect)
		}

		messages := v1.Group("/messages")
		{
			messages.GET("", s.handleHistory)
			messages.POST("", s.handleSendText)
			messages.POST("/image", s.handleSendImage)
			messages.GET("/:id/status", s.handleMessageStatus)
		}

		typing := v1.Group("/typing")
		{
			typing.GET("", s.handleTyping)
			typing.POST("", s.handleNotifyTyping)
		}
	}

	// Outside versioning
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// requestContext bounds how long a handler waits on the node's event loop
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.config.RequestTimeout)
}
