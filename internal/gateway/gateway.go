// Package gateway exposes the orchestrator over HTTP.
//
// Warm-up status and answers are plain JSON endpoints. A message session is
// streamed either as Server-Sent Events or over a WebSocket; both transports
// carry the same envelopes.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reeloly/sandboxd/internal/common/config"
	"github.com/reeloly/sandboxd/internal/common/constants"
	"github.com/reeloly/sandboxd/internal/common/httpmw"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/history"
	"github.com/reeloly/sandboxd/internal/orchestrator"
	"github.com/reeloly/sandboxd/internal/relay"
)

const serverName = "sandboxd"

// Service is the part of the orchestrator the gateway serves.
type Service interface {
	EnsureWarm(ctx context.Context, userID, projectID string) (orchestrator.WarmStatus, error)
	SendMessage(ctx context.Context, userID, projectID string, req orchestrator.MessageRequest, sink relay.Sink) error
	SubmitAnswers(ctx context.Context, userID, projectID, toolUseID string, answers map[string]string) (string, error)
	ListRuns(ctx context.Context, userID, projectID string, limit int) ([]history.Run, error)
}

// Options configures the router.
type Options struct {
	Server config.ServerConfig
	Auth   config.AuthConfig
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// WarmTimeout bounds a warm-up once started, even if the polling client
	// goes away. Defaults to the lock lease.
	WarmTimeout time.Duration
}

// NewRouter builds the HTTP handler with middleware, health, metrics and API routes.
func NewRouter(svc Service, opts Options, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName, opts.Auth.UserHeader))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(corsMiddleware(opts.Server.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serverName,
		})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	RegisterRoutes(router, svc, opts, log)
	return router
}

// RegisterRoutes mounts the authenticated API under /api/v1.
func RegisterRoutes(router *gin.Engine, svc Service, opts Options, log *logger.Logger) {
	if opts.WarmTimeout <= 0 {
		opts.WarmTimeout = constants.LockLease
	}
	h := newHandlers(svc, opts, log)

	api := router.Group("/api/v1")
	api.Use(authMiddleware(opts.Auth))
	api.GET("/sandbox/status", h.httpSandboxStatus)
	api.GET("/sandbox/runs", h.httpListRuns)
	api.POST("/messages", h.httpSendMessage)
	api.GET("/messages/ws", h.wsSendMessage)
	api.POST("/answers", h.httpSubmitAnswers)
}
