// Package rest is the optional HTTP facade. It wraps the same port
// service and session store as the tool dispatcher without adding
// behaviour of its own.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/api/websocket"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

type Server struct {
	router *gin.Engine
	svc    *service.PortService
	store  session.Store
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
}

func NewServer(httpPort int, svc *service.PortService, store session.Store, logger *zap.Logger, wsHub *websocket.Hub) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		svc:    svc,
		store:  store,
		logger: logger,
		wsHub:  wsHub,
	}

	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(logger))
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", httpPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api")
	{
		api.GET("/ports", s.listPorts)
		api.GET("/status", s.status)
		api.GET("/metrics", s.metrics)
		api.POST("/open", s.openPort)
		api.POST("/write", s.write)
		api.POST("/read", s.read)
		api.POST("/close", s.closePort)
		api.POST("/reconfigure", s.reconfigure)

		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id/export", s.exportSession)
	}

	// WebSocket upgrade for port lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(s.wsHub, c.Writer, c.Request)
	})
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
