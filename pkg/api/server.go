// Package api exposes the HTTP surface: REST handlers for entities,
// pipelines, and chat sessions, SSE streams for pipeline runs and chat
// turns, and the WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/loom/pkg/chat"
	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/pipeline"
	"github.com/storyloom/loom/pkg/version"
)

const healthCheckTimeout = 5 * time.Second

// Server wires the HTTP routes to the core services.
type Server struct {
	db           *database.Client
	graph        *graph.Service
	engine       *pipeline.Engine
	sessions     *chat.Store
	orchestrator *chat.Orchestrator
	connManager  *events.ConnectionManager

	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(db *database.Client, g *graph.Service, engine *pipeline.Engine, sessions *chat.Store, orchestrator *chat.Orchestrator, connManager *events.ConnectionManager) *Server {
	s := &Server{
		db:           db,
		graph:        g,
		engine:       engine,
		sessions:     sessions,
		orchestrator: orchestrator,
		connManager:  connManager,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/healthz", s.healthHandler)
	router.GET("/ws", s.wsHandler)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/version", s.versionHandler)

		v1.POST("/entities", s.createEntityHandler)
		v1.GET("/entities/:id", s.getEntityHandler)
		v1.PATCH("/entities/:id", s.updateEntityHandler)
		v1.DELETE("/entities/:id", s.deleteEntityHandler)
		v1.GET("/entities/:id/children", s.entityChildrenHandler)
		v1.GET("/tree", s.treeHandler)
		v1.GET("/search", s.searchHandler)

		v1.POST("/pipelines", s.createPipelineHandler)
		v1.POST("/pipelines/generate", s.generatePipelineHandler)
		v1.POST("/pipelines/distill", s.distillPipelineHandler)
		v1.POST("/pipelines/runs", s.startRunHandler)
		v1.GET("/pipelines/runs", s.listRunsHandler)
		v1.GET("/pipelines/runs/:id", s.getRunHandler)
		v1.POST("/pipelines/runs/:id/resume", s.resumeRunHandler)
		v1.POST("/pipelines/runs/:id/model-override", s.modelOverrideHandler)
		v1.DELETE("/pipelines/runs/:id", s.cancelRunHandler)
		v1.GET("/pipelines/runs/:id/stream", s.streamRunHandler)

		v1.POST("/chat/sessions", s.createChatSessionHandler)
		v1.GET("/chat/sessions", s.listChatSessionsHandler)
		v1.GET("/chat/sessions/:id", s.getChatSessionHandler)
		v1.DELETE("/chat/sessions/:id", s.deleteChatSessionHandler)
		v1.GET("/chat/sessions/:id/messages", s.listChatMessagesHandler)
		v1.POST("/chat/sessions/:id/messages", s.sendChatMessageHandler)
	}

	s.router = router
	return s
}

// Router returns the underlying handler, used by tests and embedding servers.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server on addr, blocking until shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an already-bound listener, which lets tests
// run against an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	health, err := s.db.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": health,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": health,
	})
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"commit":  version.GitCommit,
		"version": version.Full(),
	})
}

// beginEventStream switches the response to a server-sent event stream and
// returns a send function that frames one JSON document per event, each
// terminated by a blank line. Send reports false once the client is gone.
func beginEventStream(c *gin.Context) func(v any) bool {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	return func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("Failed to encode stream event", "error", err)
			return false
		}
		if _, err := c.Writer.Write(append(data, '\n', '\n')); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
}
