// ABOUTME: Tests for the HTTP API against a real routing engine on in-memory state
// ABOUTME: Covers every route and the error to status mapping

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/chatbot"
	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/state"
)

type countingPublisher struct {
	mu    sync.Mutex
	kinds []delivery.Kind
}

func (p *countingPublisher) Publish(_ string, kind delivery.Kind, _ *message.Outbound, _ ...delivery.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	return nil
}

func newTestServer(t *testing.T) (*Server, *countingPublisher) {
	t.Helper()
	return newTestServerWith(t, Config{})
}

func newTestServerWith(t *testing.T, cfg Config) (*Server, *countingPublisher) {
	t.Helper()
	backend := state.NewMemoryBackend()
	locks := state.NewLocalLocker()
	pub := &countingPublisher{}
	engine := routing.NewEngine(
		registry.New(backend, locks, nil),
		conversation.NewStore(backend, locks, nil, nil),
		locks, pub, routing.Options{}, nil)
	return New(cfg, engine, delivery.NewHub(nil), nil), pub
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, s, "", method, path, body)
}

func doAs(t *testing.T, s *Server, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func login(t *testing.T, s *Server, agentID string, capacity int) {
	t.Helper()
	rec := do(t, s, http.MethodPut, "/api/v1/agents/"+agentID+"/status", AgentStatusRequest{
		Name:     "Agent " + agentID,
		Skills:   []string{"sales"},
		Capacity: capacity,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func visitorMessage(convID, msgID string) map[string]string {
	return map[string]string{
		"message_id":      msgID,
		"conversation_id": convID,
		"visitor_id":      "v-" + convID,
		"org_id":          "org1",
		"skill_group":     "sales",
		"channel":         "webim",
		"text":            "hello",
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAgentStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/api/v1/agents/X/status", AgentStatusRequest{
		Name: "Xavier", Skills: []string{"sales", "support"}, Capacity: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[registry.Status](t, rec)
	assert.Equal(t, "X", st.AgentID)
	assert.Equal(t, registry.Ready, st.Availability)
	assert.Equal(t, 2, st.Capacity)

	rec = do(t, s, http.MethodGet, "/api/v1/agents/X", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Xavier", decode[registry.Status](t, rec).Name)

	rec = do(t, s, http.MethodGet, "/api/v1/skills/support/available", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AvailableResponse{Skill: "support", Agents: []string{"X"}}, decode[AvailableResponse](t, rec))

	rec = do(t, s, http.MethodGet, "/api/v1/skills/billing/available", nil)
	assert.JSONEq(t, `{"skill":"billing","agents":[]}`, rec.Body.String())
}

func TestAgentStatus_Rejections(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/api/v1/agents/X/status", map[string]any{"availability": "SLEEPING", "capacity": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/agents/X/status", map[string]any{"capacity": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/agents/X/status", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVisitorMessage_AssignsAgent(t *testing.T) {
	s, pub := newTestServer(t)
	login(t, s, "X", 2)

	rec := do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"conversation_id":"c1"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/conversations/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[conversation.Conversation](t, rec)
	assert.Equal(t, "X", conv.AgentID)
	assert.Equal(t, conversation.StatusInService, conv.Status)

	rec = do(t, s, http.MethodGet, "/api/v1/agents/X", nil)
	assert.Equal(t, []string{"c1"}, decode[registry.Status](t, rec).Conversations)

	assert.Contains(t, pub.kinds, delivery.KindNew)
}

func TestVisitorMessage_Malformed(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/messages", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/messages", map[string]string{"text": "hi"}).Code)
}

func TestAgentMessage(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s, "X", 2)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)

	rec := do(t, s, http.MethodPost, "/api/v1/agent-messages", map[string]string{
		"conversation_id": "c1", "agent_id": "X", "text": "how can I help?",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/agent-messages", map[string]string{
		"conversation_id": "c1", "agent_id": "Y", "text": "me too",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/agent-messages", map[string]string{
		"conversation_id": "missing", "agent_id": "X", "text": "hello?",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransfer(t *testing.T) {
	s, pub := newTestServer(t)
	login(t, s, "X", 1)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)
	login(t, s, "Y", 1)

	rec := do(t, s, http.MethodPost, "/api/v1/transfers", routing.TransferRequest{
		VisitorID: "v-c1", ConversationID: "c1", SourceAgentID: "X", TargetAgentID: "nobody",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/transfers", routing.TransferRequest{
		VisitorID: "v-c1", ConversationID: "c1", SourceAgentID: "X", TargetAgentID: "Y", Memo: "billing question",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decode[conversation.Conversation](t, rec)
	assert.Equal(t, "Y", conv.AgentID)
	assert.True(t, conv.Transferred)
	assert.Contains(t, pub.kinds, delivery.KindTransfer)

	rec = do(t, s, http.MethodPost, "/api/v1/transfers", map[string]string{"conversation_id": "c1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndConversation(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s, "X", 1)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/conversations/c1/end", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/conversations/c1/end", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/conversations/nope/end", nil).Code)

	rec := do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m2"))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/agents/X", nil)
	assert.Empty(t, decode[registry.Status](t, rec).Conversations)
}

func TestAgentOffline(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s, "X", 1)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)

	rec := do(t, s, http.MethodDelete, "/api/v1/agents/X", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1"}, decode[registry.Status](t, rec).Conversations)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/v1/agents/X", nil).Code)

	// No chatbot is configured, so the conversation waits for the next agent.
	rec = do(t, s, http.MethodGet, "/api/v1/conversations/c1", nil)
	conv := decode[conversation.Conversation](t, rec)
	assert.Empty(t, conv.AgentID)
	assert.True(t, conv.AwaitingAgent)
	assert.False(t, conv.WithChatbot())
}

func TestListConversations(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s, "X", 2)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c2", "m2")).Code)
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/conversations/c2/end", nil).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/conversations?skill=sales&agent=X", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	convs := decode[ConversationsResponse](t, rec).Conversations
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/conversations?status=END", nil)
	convs = decode[ConversationsResponse](t, rec).Conversations
	require.Len(t, convs, 1)
	assert.Equal(t, "c2", convs[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/conversations?skill=support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/conversations?status=OPEN", nil).Code)
}

func TestTransferCandidates(t *testing.T) {
	s, _ := newTestServer(t)
	login(t, s, "X", 1)
	login(t, s, "Y", 2)
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/skills/sales/agents?exclude=X", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CandidatesResponse](t, rec)
	assert.Equal(t, "sales", resp.Skill)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "Y", resp.Agents[0].AgentID)

	rec = do(t, s, http.MethodGet, "/api/v1/skills/support/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"skill":"support","agents":[]}`, rec.Body.String())
}

func TestAgentSocket_UnknownAgent(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/ws/agent/nobody", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{message.ErrMalformedPayload, http.StatusBadRequest},
		{fmt.Errorf("x: %w", routing.ErrInvalidRequest), http.StatusBadRequest},
		{registry.ErrInvalidCapacity, http.StatusBadRequest},
		{conversation.ErrNotFound, http.StatusNotFound},
		{registry.ErrUnknownAgent, http.StatusNotFound},
		{conversation.ErrConversationEnded, http.StatusGone},
		{routing.ErrTargetUnavailable, http.StatusConflict},
		{conversation.ErrNotInService, http.StatusConflict},
		{registry.ErrCapacityExceeded, http.StatusConflict},
		{chatbot.ErrChatbotUnavailable, http.StatusServiceUnavailable},
		{state.ErrLockTimeout, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

func TestAuthentication(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	s, _ := newTestServerWith(t, Config{Verifier: verifier})

	token := func(id string, role auth.Role) string {
		tok, err := verifier.Generate(auth.Principal{ID: id, Role: role}, time.Hour)
		require.NoError(t, err)
		return tok
	}
	agentX := token("X", auth.RoleAgent)
	agentY := token("Y", auth.RoleAgent)
	ops := token("ops", auth.RoleOperator)
	status := AgentStatusRequest{Skills: []string{"sales"}, Capacity: 1}

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPut, "/api/v1/agents/X/status", status).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodPut, "/api/v1/agents/X/status", status).Code)
	require.Equal(t, http.StatusOK, doAs(t, s, agentX, http.MethodPut, "/api/v1/agents/X/status", status).Code)

	// Visitors need no token.
	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/messages", visitorMessage("c1", "m1")).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)

	reply := map[string]string{"conversation_id": "c1", "agent_id": "X", "text": "hi"}
	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodPost, "/api/v1/agent-messages", reply).Code)
	assert.Equal(t, http.StatusAccepted, doAs(t, s, agentX, http.MethodPost, "/api/v1/agent-messages", reply).Code)

	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodGet, "/api/v1/conversations/c1", nil).Code)
	assert.Equal(t, http.StatusOK, doAs(t, s, agentX, http.MethodGet, "/api/v1/conversations/c1", nil).Code)

	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodPost, "/api/v1/conversations/c1/end", nil).Code)
	assert.Equal(t, http.StatusNoContent, doAs(t, s, ops, http.MethodPost, "/api/v1/conversations/c1/end", nil).Code)

	assert.Equal(t, http.StatusOK, doAs(t, s, agentX, http.MethodGet, "/api/v1/conversations", nil).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodGet, "/api/v1/conversations?agent=X", nil).Code)
	assert.Equal(t, http.StatusOK, doAs(t, s, ops, http.MethodGet, "/api/v1/conversations?agent=X", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/v1/skills/sales/agents", nil).Code)
	assert.Equal(t, http.StatusOK, doAs(t, s, agentY, http.MethodGet, "/api/v1/skills/sales/agents?exclude=Y", nil).Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/ws/agent/X", nil).Code)
	assert.Equal(t, http.StatusForbidden, doAs(t, s, agentY, http.MethodGet, "/ws/agent/X", nil).Code)
}
