// Package http exposes the REST control surface: session lifecycle, paper
// account state, signal history and the scheduler's cycle log.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tradecouncil/tradecouncil/internal/application"
	"github.com/tradecouncil/tradecouncil/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Server HTTP 服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP 服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer 创建 HTTP 服务器
func NewServer(cfg Config, app *application.App, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	hub := websocket.NewHub(logger)
	wsHandler := websocket.NewHandler(app, hub, logger)
	sessionHandler := newSessionHandler(app, logger)

	setupRoutes(router, wsHandler, sessionHandler)

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, ws *websocket.Handler, sessions *sessionHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	router.GET("/ws", func(c *gin.Context) {
		ws.ServeWS(c.Writer, c.Request)
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", sessions.create)
		v1.GET("/sessions", sessions.list)
		v1.GET("/sessions/:id", sessions.get)
		v1.POST("/sessions/:id/hitl", sessions.hitl)
		v1.DELETE("/sessions/:id", sessions.cancel)

		v1.GET("/account", sessions.account)
		v1.GET("/signals", sessions.signals)
		v1.GET("/snapshots", sessions.snapshots)
		v1.GET("/scheduler/cycles", sessions.cycles)
		v1.GET("/debug/config", sessions.configDump)
	}
}

// ginLogger Gin 日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
