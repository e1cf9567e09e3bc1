// ABOUTME: HTTP surface for visitors, agents and operators, served with gin
// ABOUTME: Exposes message intake, agent status, transfers, conversation queries and websocket sessions

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/realtime"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/routing"
)

// Router is the routing surface the API drives.
type Router interface {
	HandleInbound(ctx context.Context, in *message.Inbound) error
	HandleAgentMessage(ctx context.Context, in *message.Inbound) error
	RequestTransfer(ctx context.Context, req routing.TransferRequest) (*conversation.Conversation, error)
	UpdateAgentStatus(ctx context.Context, upd registry.StatusUpdate) (*registry.Status, error)
	AgentOffline(ctx context.Context, agentID string) (*registry.Status, error)
	EndConversation(ctx context.Context, convID string) error
	AvailableAgents(ctx context.Context, skill string) ([]string, error)
	AgentAssignments(ctx context.Context, agentID string) (*registry.Status, error)
	Conversation(ctx context.Context, convID string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, filter routing.ConversationFilter) ([]*conversation.Conversation, error)
	TransferCandidates(ctx context.Context, skill, excludeAgentID string) ([]*registry.Status, error)
}

// Config holds HTTP server settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
	ShutdownGrace  time.Duration

	// Verifier authenticates agent and operator routes. Nil disables
	// authentication.
	Verifier auth.TokenVerifier
}

// Server is the HTTP API.
type Server struct {
	cfg      Config
	router   Router
	hub      realtime.Subscriber
	upgrader *websocket.Upgrader
	engine   *gin.Engine
	logger   *slog.Logger
}

// New builds the server and registers its routes. Pass nil logger for default.
func New(cfg Config, router Router, hub realtime.Subscriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		router:   router,
		hub:      hub,
		upgrader: realtime.NewUpgrader(cfg.AllowedOrigins),
		engine:   gin.New(),
		logger:   logger.With("component", "api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	// Visitors arrive unauthenticated.
	s.engine.POST("/api/v1/messages", s.handleVisitorMessage)
	s.engine.GET("/ws/visitor/:id", s.handleVisitorSocket)

	v1 := s.engine.Group("/api/v1")
	ws := s.engine.Group("/ws")
	if s.cfg.Verifier != nil {
		v1.Use(auth.Middleware(s.cfg.Verifier))
		ws.Use(auth.Middleware(s.cfg.Verifier))
	}

	v1.POST("/agent-messages", s.handleAgentMessage)
	v1.POST("/transfers", s.handleTransfer)

	v1.PUT("/agents/:id/status", s.handleAgentStatus)
	v1.DELETE("/agents/:id", s.handleAgentOffline)
	v1.GET("/agents/:id", s.handleGetAgent)
	v1.GET("/skills/:skill/available", s.handleAvailable)
	v1.GET("/skills/:skill/agents", s.handleTransferCandidates)

	v1.GET("/conversations", s.handleListConversations)
	v1.GET("/conversations/:id", s.handleGetConversation)
	v1.POST("/conversations/:id/end", s.handleEndConversation)

	ws.GET("/agent/:id", s.handleAgentSocket)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// requestContext bounds a handler's routing work.
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}
