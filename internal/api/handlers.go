// ABOUTME: Request handlers and the mapping from routing errors to HTTP statuses
// ABOUTME: Bodies are JSON; errors are returned as {"error": "..."}

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/chatbot"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/realtime"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/state"
)

// AgentStatusRequest is the body of PUT /api/v1/agents/:id/status.
type AgentStatusRequest struct {
	Name         string                `json:"name"`
	Skills       []string              `json:"skills"`
	Availability registry.Availability `json:"availability"`
	Capacity     int                   `json:"capacity"`
}

// AvailableResponse is the body of GET /api/v1/skills/:skill/available.
type AvailableResponse struct {
	Skill  string   `json:"skill"`
	Agents []string `json:"agents"`
}

// CandidatesResponse is the body of GET /api/v1/skills/:skill/agents.
type CandidatesResponse struct {
	Skill  string             `json:"skill"`
	Agents []*registry.Status `json:"agents"`
}

// ConversationsResponse is the body of GET /api/v1/conversations.
type ConversationsResponse struct {
	Conversations []*conversation.Conversation `json:"conversations"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVisitorMessage(c *gin.Context) {
	var in message.Inbound
	if err := c.ShouldBindJSON(&in); err != nil {
		s.writeError(c, errors.Join(message.ErrMalformedPayload, err))
		return
	}
	in.AgentID = ""
	stamp(&in)

	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.router.HandleInbound(ctx, &in); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation_id": in.ConversationID})
}

func (s *Server) handleAgentMessage(c *gin.Context) {
	var in message.Inbound
	if err := c.ShouldBindJSON(&in); err != nil {
		s.writeError(c, errors.Join(message.ErrMalformedPayload, err))
		return
	}
	stamp(&in)
	if !auth.CanActAs(c, in.AgentID) {
		forbid(c)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	if err := s.router.HandleAgentMessage(ctx, &in); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation_id": in.ConversationID})
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req routing.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Join(routing.ErrInvalidRequest, err))
		return
	}
	if !auth.CanActAs(c, req.SourceAgentID) {
		forbid(c)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	conv, err := s.router.RequestTransfer(ctx, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	if !auth.CanActAs(c, c.Param("id")) {
		forbid(c)
		return
	}
	var req AgentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Join(routing.ErrInvalidRequest, err))
		return
	}
	if req.Availability != "" && !req.Availability.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid availability " + string(req.Availability)})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	st, err := s.router.UpdateAgentStatus(ctx, registry.StatusUpdate{
		AgentID:      c.Param("id"),
		Name:         req.Name,
		Skills:       req.Skills,
		Availability: req.Availability,
		Capacity:     req.Capacity,
	})
	if err != nil && st == nil {
		s.writeError(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("agent offline with re-routing failures", "agent_id", c.Param("id"), "error", err)
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleAgentOffline(c *gin.Context) {
	if !auth.CanActAs(c, c.Param("id")) {
		forbid(c)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	st, err := s.router.AgentOffline(ctx, c.Param("id"))
	if err != nil && st == nil {
		s.writeError(c, err)
		return
	}
	if err != nil {
		s.logger.Warn("agent offline with re-routing failures", "agent_id", c.Param("id"), "error", err)
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	if !auth.CanActAs(c, c.Param("id")) {
		forbid(c)
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	st, err := s.router.AgentAssignments(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleAvailable(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	skill := c.Param("skill")
	agents, err := s.router.AvailableAgents(ctx, skill)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if agents == nil {
		agents = []string{}
	}
	c.JSON(http.StatusOK, AvailableResponse{Skill: skill, Agents: agents})
}

func (s *Server) handleTransferCandidates(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	skill := c.Param("skill")
	agents, err := s.router.TransferCandidates(ctx, skill, c.Query("exclude"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CandidatesResponse{Skill: skill, Agents: agents})
}

// handleListConversations is the supervisor view. Agents only see their own
// conversations; operators may filter by any agent.
func (s *Server) handleListConversations(c *gin.Context) {
	filter := routing.ConversationFilter{
		Skill:   c.Query("skill"),
		AgentID: c.Query("agent"),
		Status:  conversation.Status(c.Query("status")),
	}
	if p := auth.FromContext(c); p != nil && p.Role == auth.RoleAgent {
		if filter.AgentID == "" {
			filter.AgentID = p.ID
		}
		if !auth.CanActAs(c, filter.AgentID) {
			forbid(c)
			return
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	convs, err := s.router.ListConversations(ctx, filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	conv, err := s.router.Conversation(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !auth.CanActAs(c, conv.AgentID) {
		forbid(c)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleEndConversation(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	if auth.FromContext(c) != nil {
		conv, err := s.router.Conversation(ctx, c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		if !auth.CanActAs(c, conv.AgentID) {
			forbid(c)
			return
		}
	}
	if err := s.router.EndConversation(ctx, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleVisitorSocket(c *gin.Context) {
	target := delivery.Visitor(c.Query("channel"), c.Param("id"))
	s.serveSocket(c, target, s.router.HandleInbound)
}

func (s *Server) handleAgentSocket(c *gin.Context) {
	if !auth.CanActAs(c, c.Param("id")) {
		forbid(c)
		return
	}
	if _, err := s.router.AgentAssignments(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	s.serveSocket(c, delivery.Agent(c.Param("id")), s.router.HandleAgentMessage)
}

func (s *Server) serveSocket(c *gin.Context, target delivery.Target, inbox realtime.InboxFunc) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.logger.Debug("websocket upgrade failed", "address", target.Address(), "error", err)
		return
	}

	bounded := func(ctx context.Context, in *message.Inbound) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		return inbox(ctx, in)
	}
	session := realtime.NewSession(conn, target, s.hub, bounded, s.logger)
	if err := session.Serve(c.Request.Context()); err != nil {
		s.logger.Warn("websocket session ended with error", "address", target.Address(), "error", err)
	}
}

func forbid(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not permitted to act for this agent"})
}

func stamp(in *message.Inbound) {
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	if in.MsgType == "" {
		in.MsgType = message.TypeText
	}
}

// statusFor maps a routing error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, message.ErrMalformedPayload),
		errors.Is(err, routing.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidCapacity),
		errors.Is(err, conversation.ErrInvalidDelta):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConversationEnded):
		return http.StatusGone
	case errors.Is(err, routing.ErrTargetUnavailable),
		errors.Is(err, routing.ErrNotAssigned),
		errors.Is(err, conversation.ErrNotInService),
		errors.Is(err, conversation.ErrNoPendingTransfer),
		errors.Is(err, conversation.ErrTransferInFlight),
		errors.Is(err, conversation.ErrDuplicateActive),
		errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, chatbot.ErrChatbotUnavailable),
		errors.Is(err, state.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
