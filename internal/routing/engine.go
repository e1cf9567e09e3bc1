// ABOUTME: Routing engine: initial assignment, transfers, agent offline re-routing and conversation end
// ABOUTME: Coordinates the registry, the conversation store, the chatbot bridge and the delivery fan-out

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/dedupe"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/message"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/state"
)

var (
	// ErrTargetUnavailable indicates the transfer target is unknown, not
	// READY, the source itself, or lost a reservation race.
	ErrTargetUnavailable = errors.New("transfer target unavailable")

	// ErrInvalidRequest indicates a request missing required fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotAssigned indicates an agent acted on a conversation it does not serve.
	ErrNotAssigned = errors.New("agent not assigned to conversation")
)

// Transfer outcomes reported to the Journal.
const (
	TransferCompleted  = "completed"
	TransferRolledBack = "rolled_back"
)

// Publisher is what the engine needs from the delivery fan-out.
type Publisher interface {
	Publish(conversationID string, kind delivery.Kind, payload *message.Outbound, targets ...delivery.Target) error
}

// ChatbotSubmitter hands visitor messages to the chatbot bridge.
type ChatbotSubmitter interface {
	Submit(in *message.Inbound) bool
}

// Journal records routing history outside the routing state. Implementations
// must not block.
type Journal interface {
	RecordAgentStatus(st *registry.Status, removed bool)
	RecordTransfer(rec *conversation.TransferRecord, outcome string)
}

// Options configures an Engine. Zero values are usable.
type Options struct {
	// Chatbot receives visitor messages for chatbot-held conversations.
	// When nil, a conversation no agent can take waits for one and is
	// retried against the agent pool on every visitor message.
	Chatbot ChatbotSubmitter

	// Seen suppresses redelivered inbound messages. Optional.
	Seen *dedupe.Window

	// Journal records agent status changes and transfers. Optional.
	Journal Journal

	// LockTimeout bounds waiting for conversation and agent exclusivity, default 5s.
	LockTimeout time.Duration
}

// TransferRequest asks to move a conversation from one agent to another.
type TransferRequest struct {
	VisitorID      string `json:"visitor_id"`
	ConversationID string `json:"conversation_id"`
	SourceAgentID  string `json:"source_agent_id"`
	TargetAgentID  string `json:"target_agent_id"`
	Memo           string `json:"memo,omitempty"`
}

// Engine makes routing decisions. Cross-entity operations take the
// conversation's exclusivity first and then agent exclusivity in ascending
// agent id order, so two operations never wait on each other in a cycle.
type Engine struct {
	registry  *registry.Registry
	store     *conversation.Store
	locks     state.Locker
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. Pass nil logger for default.
func NewEngine(reg *registry.Registry, store *conversation.Store, locks state.Locker, publisher Publisher, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	return &Engine{
		registry:  reg,
		store:     store,
		locks:     locks,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "routing"),
		now:       time.Now,
	}
}

// HandleInbound routes one visitor message. A new conversation is created
// and assigned; later messages go to whoever serves the conversation.
// Redelivered messages are ignored.
func (e *Engine) HandleInbound(ctx context.Context, in *message.Inbound) error {
	if err := in.Validate(); err != nil {
		return err
	}
	key := in.DedupeKey()
	if e.opts.Seen != nil && e.opts.Seen.Seen(key) {
		e.logger.Debug("duplicate inbound message ignored",
			"conversation_id", in.ConversationID,
			"message_id", in.MessageID)
		return nil
	}

	err := e.routeInbound(ctx, in)
	if err != nil && e.opts.Seen != nil {
		e.opts.Seen.Forget(key)
	}
	return err
}

func (e *Engine) routeInbound(ctx context.Context, in *message.Inbound) error {
	conv, created, err := e.store.GetOrCreate(ctx, conversation.NewConversation{
		ID:         in.ConversationID,
		OrgID:      in.OrgID,
		VisitorID:  in.VisitorID,
		Channel:    in.Channel,
		SkillGroup: in.SkillGroup,
	})
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	if created {
		e.logger.Info("=== NEW CONVERSATION ===",
			"conversation_id", conv.ID,
			"visitor_id", conv.VisitorID,
			"skill_group", conv.SkillGroup,
			"channel", conv.Channel)
	}

	unlock, err := e.lock(ctx, convLockKey(in.ConversationID))
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under exclusivity: a concurrent message may have assigned it.
	conv, err = e.mustLookup(ctx, in.ConversationID)
	if err != nil {
		return err
	}

	switch {
	case conv.Status == conversation.StatusEnd:
		return fmt.Errorf("%w: %s", conversation.ErrConversationEnded, conv.ID)

	case conv.NeedsAgent(), conv.WithChatbot() && e.opts.Chatbot == nil:
		// The second case covers chatbot-held state left behind by a
		// deployment that had the chatbot enabled.
		_, err := e.assign(ctx, conv, in, "")
		return err

	case conv.WithChatbot():
		if err := e.store.Touch(ctx, conv.ID); err != nil {
			return err
		}
		if !e.opts.Chatbot.Submit(in) {
			return fmt.Errorf("chatbot bridge closed")
		}
		return nil

	default:
		// INSERVICE, or TRANSFERRING while the source agent still serves it.
		if err := e.store.Touch(ctx, conv.ID); err != nil {
			return err
		}
		name := e.agentName(ctx, conv.AgentID)
		return e.publisher.Publish(conv.ID, delivery.KindMessage,
			message.Forward(in, conv.AgentID, name),
			delivery.Agent(conv.AgentID))
	}
}

// assign runs the initial-assignment policy for a conversation whose
// exclusivity the caller holds: the least loaded available agent in the
// skill group, else the chatbot, else nobody until an agent frees up. in is
// the triggering visitor message, or nil when re-routing. exclude skips one
// agent id. Returns the chosen agent id, empty when no agent took it.
func (e *Engine) assign(ctx context.Context, conv *conversation.Conversation, in *message.Inbound, exclude string) (string, error) {
	candidates, err := e.registry.ListAvailable(ctx, conv.SkillGroup)
	if err != nil {
		return "", fmt.Errorf("listing available agents: %w", err)
	}

	for _, agentID := range candidates {
		if agentID == exclude {
			continue
		}
		st, ok, err := e.tryAgent(ctx, conv, agentID)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}

		e.logger.Info("conversation assigned",
			"conversation_id", conv.ID,
			"agent_id", agentID,
			"load", st.Load()+1,
			"capacity", st.Capacity)
		e.publishAssignment(conv, in, st)
		return agentID, nil
	}

	if e.opts.Chatbot == nil {
		return "", e.awaitAgent(ctx, conv)
	}
	return "", e.assignChatbot(ctx, conv, in)
}

// tryAgent reserves agentID and assigns the conversation to it. A false
// result with nil error means the agent could not take it and the caller
// should try the next candidate.
func (e *Engine) tryAgent(ctx context.Context, conv *conversation.Conversation, agentID string) (*registry.Status, bool, error) {
	unlock, err := e.lock(ctx, agentLockKey(agentID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	st, ok, err := e.registry.Get(ctx, agentID)
	if err != nil {
		return nil, false, err
	}
	if !ok || !st.Accepting() {
		return nil, false, nil
	}
	if err := e.registry.Reserve(ctx, agentID, conv.ID); err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) || errors.Is(err, registry.ErrUnknownAgent) {
			e.logger.Debug("candidate lost reservation race",
				"conversation_id", conv.ID,
				"agent_id", agentID,
				"error", err)
			return nil, false, nil
		}
		return nil, false, err
	}

	if _, err := e.store.Assign(ctx, conv.ID, agentID); err != nil {
		if relErr := e.registry.Release(ctx, agentID, conv.ID); relErr != nil {
			e.logger.Error("failed to release reservation after assign failure",
				"conversation_id", conv.ID,
				"agent_id", agentID,
				"error", relErr)
		}
		if errors.Is(err, conversation.ErrDuplicateActive) {
			e.logger.Warn("visitor already talking to candidate",
				"conversation_id", conv.ID,
				"agent_id", agentID)
			return nil, false, nil
		}
		return nil, false, err
	}
	return st, true, nil
}

// awaitAgent leaves the conversation without a serving agent and tells the
// visitor to wait. A PENDING conversation stays PENDING; one whose agent
// left is detached from it.
func (e *Engine) awaitAgent(ctx context.Context, conv *conversation.Conversation) error {
	if conv.Status == conversation.StatusPending {
		if err := e.store.Touch(ctx, conv.ID); err != nil {
			return err
		}
	} else if _, err := e.store.Unassign(ctx, conv.ID); err != nil {
		return fmt.Errorf("detaching agent: %w", err)
	}

	e.logger.Warn("no agent available and no chatbot configured",
		"conversation_id", conv.ID,
		"skill_group", conv.SkillGroup)
	about := aboutConversation(conv)
	about.AgentID = ""
	return e.publisher.Publish(conv.ID, delivery.KindStatus,
		message.Notice(about, conv.VisitorID, "", "All agents are busy, please wait.", e.now()),
		delivery.Visitor(conv.Channel, conv.VisitorID))
}

func (e *Engine) assignChatbot(ctx context.Context, conv *conversation.Conversation, in *message.Inbound) error {
	if _, err := e.store.Assign(ctx, conv.ID, ""); err != nil {
		return fmt.Errorf("assigning chatbot: %w", err)
	}

	e.logger.Info("conversation routed to chatbot",
		"conversation_id", conv.ID,
		"skill_group", conv.SkillGroup)
	if in != nil && !e.opts.Chatbot.Submit(in) {
		return fmt.Errorf("chatbot bridge closed")
	}
	return nil
}

// publishAssignment tells the visitor who serves them and gives the agent
// the new conversation.
func (e *Engine) publishAssignment(conv *conversation.Conversation, in *message.Inbound, st *registry.Status) {
	about := aboutConversation(conv)
	about.AgentID = st.AgentID
	now := e.now()

	visitorNotice := message.Notice(about, conv.VisitorID, st.Name, "You are now connected to "+displayName(st), now)
	if err := e.publisher.Publish(conv.ID, delivery.KindStatus, visitorNotice,
		delivery.Visitor(conv.Channel, conv.VisitorID)); err != nil {
		e.logger.Error("failed to publish status notice", "conversation_id", conv.ID, "error", err)
	}

	agentNotice := message.Notice(about, st.AgentID, st.Name, "New conversation", now)
	if in != nil {
		agentNotice = message.Forward(in, st.AgentID, st.Name)
	}
	if err := e.publisher.Publish(conv.ID, delivery.KindNew, agentNotice,
		delivery.Agent(st.AgentID)); err != nil {
		e.logger.Error("failed to publish new conversation", "conversation_id", conv.ID, "error", err)
	}
}

// HandleAgentMessage delivers an agent's reply to the visitor. The agent
// must be the one serving the conversation.
func (e *Engine) HandleAgentMessage(ctx context.Context, in *message.Inbound) error {
	// The visitor side is filled in from the conversation.
	if in.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", message.ErrMalformedPayload)
	}
	if in.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	key := in.DedupeKey()
	if e.opts.Seen != nil && e.opts.Seen.Seen(key) {
		return nil
	}

	err := e.routeAgentMessage(ctx, in)
	if err != nil && e.opts.Seen != nil {
		e.opts.Seen.Forget(key)
	}
	return err
}

func (e *Engine) routeAgentMessage(ctx context.Context, in *message.Inbound) error {
	unlock, err := e.lock(ctx, convLockKey(in.ConversationID))
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := e.mustLookup(ctx, in.ConversationID)
	if err != nil {
		return err
	}
	if conv.Status == conversation.StatusEnd {
		return fmt.Errorf("%w: %s", conversation.ErrConversationEnded, conv.ID)
	}
	if conv.AgentID != in.AgentID {
		return fmt.Errorf("%w: %s is served by %q", ErrNotAssigned, conv.ID, conv.AgentID)
	}
	if err := e.store.Touch(ctx, conv.ID); err != nil {
		return err
	}

	msg := *in
	msg.VisitorID = conv.VisitorID
	msg.OrgID = conv.OrgID
	msg.Channel = conv.Channel
	reply := message.Reply(&msg, in.Text, e.agentName(ctx, in.AgentID), e.now())
	return e.publisher.Publish(conv.ID, delivery.KindMessage, reply,
		delivery.Visitor(conv.Channel, conv.VisitorID))
}

// RequestTransfer moves a conversation from its source agent to a READY
// target. If the target cannot be reserved the conversation stays with the
// source and ErrTargetUnavailable is returned.
func (e *Engine) RequestTransfer(ctx context.Context, req TransferRequest) (*conversation.Conversation, error) {
	switch {
	case req.VisitorID == "":
		return nil, fmt.Errorf("%w: visitor_id is required", ErrInvalidRequest)
	case req.TargetAgentID == "":
		return nil, fmt.Errorf("%w: target_agent_id is required", ErrInvalidRequest)
	case req.ConversationID == "":
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	case req.TargetAgentID == req.SourceAgentID:
		return nil, fmt.Errorf("%w: target is the source agent", ErrTargetUnavailable)
	}

	unlockConv, err := e.lock(ctx, convLockKey(req.ConversationID))
	if err != nil {
		return nil, err
	}
	defer unlockConv()
	unlockAgents, err := e.lock(ctx, agentLockKey(req.SourceAgentID), agentLockKey(req.TargetAgentID))
	if err != nil {
		return nil, err
	}
	defer unlockAgents()

	conv, err := e.mustLookup(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.VisitorID != req.VisitorID {
		return nil, fmt.Errorf("%w: conversation %s does not belong to visitor %s", ErrInvalidRequest, conv.ID, req.VisitorID)
	}

	target, ok, err := e.registry.Get(ctx, req.TargetAgentID)
	if err != nil {
		return nil, err
	}
	if !ok || target.Availability != registry.Ready {
		return nil, fmt.Errorf("%w: %s is not ready", ErrTargetUnavailable, req.TargetAgentID)
	}

	rec, err := e.store.BeginTransfer(ctx, conv.ID, req.SourceAgentID, req.TargetAgentID, req.Memo)
	if err != nil {
		return nil, err
	}

	if err := e.registry.Release(ctx, req.SourceAgentID, conv.ID); err != nil {
		e.rollbackTransfer(ctx, rec, false)
		return nil, fmt.Errorf("releasing source agent: %w", err)
	}
	if err := e.registry.Reserve(ctx, req.TargetAgentID, conv.ID); err != nil {
		e.rollbackTransfer(ctx, rec, true)
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}

	done, err := e.store.CompleteTransfer(ctx, conv.ID)
	if err != nil {
		if relErr := e.registry.Release(ctx, req.TargetAgentID, conv.ID); relErr != nil {
			e.logger.Error("failed to release target after completion failure",
				"conversation_id", conv.ID,
				"agent_id", req.TargetAgentID,
				"error", relErr)
		}
		e.rollbackTransfer(ctx, rec, true)
		return nil, fmt.Errorf("completing transfer: %w", err)
	}
	if e.opts.Journal != nil {
		e.opts.Journal.RecordTransfer(rec, TransferCompleted)
	}

	e.logger.Info("=== CONVERSATION TRANSFERRED ===",
		"conversation_id", conv.ID,
		"source_agent_id", req.SourceAgentID,
		"target_agent_id", req.TargetAgentID)

	about := aboutConversation(done)
	now := e.now()
	visitorNotice := message.Notice(about, done.VisitorID, target.Name, "You have been transferred to "+displayName(target), now)
	if err := e.publisher.Publish(done.ID, delivery.KindTransfer, visitorNotice,
		delivery.Visitor(done.Channel, done.VisitorID)); err != nil {
		e.logger.Error("failed to publish transfer notice", "conversation_id", done.ID, "error", err)
	}
	agentNotice := message.Notice(about, target.AgentID, target.Name, transferText(req, e.agentName(ctx, req.SourceAgentID)), now)
	if err := e.publisher.Publish(done.ID, delivery.KindTransfer, agentNotice,
		delivery.Agent(target.AgentID)); err != nil {
		e.logger.Error("failed to publish transfer notice", "conversation_id", done.ID, "error", err)
	}
	return done, nil
}

// rollbackTransfer returns the conversation to its source agent. When
// sourceReleased is set the source's reservation is restored too.
func (e *Engine) rollbackTransfer(ctx context.Context, rec *conversation.TransferRecord, sourceReleased bool) {
	if _, err := e.store.CancelTransfer(ctx, rec.ConversationID); err != nil {
		e.logger.Error("failed to cancel transfer",
			"conversation_id", rec.ConversationID,
			"error", err)
	}
	if sourceReleased {
		if err := e.registry.Reserve(ctx, rec.SourceAgentID, rec.ConversationID); err != nil {
			e.logger.Error("failed to restore source reservation",
				"conversation_id", rec.ConversationID,
				"agent_id", rec.SourceAgentID,
				"error", err)
		}
	}
	if e.opts.Journal != nil {
		e.opts.Journal.RecordTransfer(rec, TransferRolledBack)
	}
	e.logger.Warn("transfer rolled back",
		"conversation_id", rec.ConversationID,
		"source_agent_id", rec.SourceAgentID,
		"target_agent_id", rec.TargetAgentID)
}

// UpdateAgentStatus applies a login or heartbeat. Reporting OFFLINE removes
// the agent and re-routes its conversations.
func (e *Engine) UpdateAgentStatus(ctx context.Context, upd registry.StatusUpdate) (*registry.Status, error) {
	if upd.Availability == registry.Offline {
		return e.AgentOffline(ctx, upd.AgentID)
	}
	st, err := e.registry.Upsert(ctx, upd)
	if err != nil {
		return nil, err
	}
	if e.opts.Journal != nil {
		e.opts.Journal.RecordAgentStatus(st, false)
	}
	return st, nil
}

// AgentOffline removes the agent and sends each of its conversations back
// through initial assignment, falling back to the chatbot. It returns the
// removed entry. Re-routing is best effort: failures are joined and
// returned after every conversation was attempted.
func (e *Engine) AgentOffline(ctx context.Context, agentID string) (*registry.Status, error) {
	st, err := e.registry.Remove(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if e.opts.Journal != nil {
		e.opts.Journal.RecordAgentStatus(st, true)
	}

	var errs []error
	for _, convID := range st.Conversations {
		if err := e.reroute(ctx, convID, agentID); err != nil {
			e.logger.Error("failed to re-route conversation",
				"conversation_id", convID,
				"agent_id", agentID,
				"error", err)
			errs = append(errs, fmt.Errorf("re-routing %s: %w", convID, err))
		}
	}
	return st, errors.Join(errs...)
}

func (e *Engine) reroute(ctx context.Context, convID, goneAgentID string) error {
	unlock, err := e.lock(ctx, convLockKey(convID))
	if err != nil {
		return err
	}
	defer unlock()

	conv, found, err := e.store.Lookup(ctx, convID)
	if err != nil {
		return err
	}
	if !found || !conv.Active() {
		return nil
	}
	if conv.Status == conversation.StatusTransferring {
		if conv, err = e.store.CancelTransfer(ctx, convID); err != nil {
			return err
		}
	}
	if conv.AgentID != goneAgentID {
		return nil
	}

	to, err := e.assign(ctx, conv, nil, goneAgentID)
	if err != nil {
		return err
	}
	e.logger.Info("conversation re-routed",
		"conversation_id", convID,
		"from_agent_id", goneAgentID,
		"to_agent_id", to)
	return nil
}

// EndConversation ends the conversation, frees its agent and notifies both
// sides. Ending an ended conversation does nothing.
func (e *Engine) EndConversation(ctx context.Context, convID string) error {
	unlock, err := e.lock(ctx, convLockKey(convID))
	if err != nil {
		return err
	}
	defer unlock()

	before, err := e.mustLookup(ctx, convID)
	if err != nil {
		return err
	}
	if before.Status == conversation.StatusEnd {
		return nil
	}

	ended, err := e.store.End(ctx, convID)
	if err != nil {
		return err
	}
	for _, agentID := range servingAgents(before) {
		if err := e.registry.Release(ctx, agentID, convID); err != nil {
			e.logger.Error("failed to release agent on end",
				"conversation_id", convID,
				"agent_id", agentID,
				"error", err)
		}
	}

	targets := []delivery.Target{delivery.Visitor(ended.Channel, ended.VisitorID)}
	if ended.AgentID != "" {
		targets = append(targets, delivery.Agent(ended.AgentID))
	}
	notice := message.Notice(aboutConversation(ended), ended.VisitorID, "", "Conversation ended", e.now())
	return e.publisher.Publish(convID, delivery.KindEnd, notice, targets...)
}

// SweepIdle ends active conversations untouched for longer than maxIdle and
// returns how many it ended.
func (e *Engine) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	idle, err := e.store.ListIdle(ctx, e.now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}

	ended := 0
	var errs []error
	for _, c := range idle {
		if err := e.EndConversation(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("ending %s: %w", c.ID, err))
			continue
		}
		ended++
	}
	if ended > 0 {
		e.logger.Info("idle conversations ended", "count", ended, "max_idle", maxIdle)
	}
	return ended, errors.Join(errs...)
}

// AvailableAgents lists agents that can take a new conversation in skill.
func (e *Engine) AvailableAgents(ctx context.Context, skill string) ([]string, error) {
	return e.registry.ListAvailable(ctx, skill)
}

// AgentAssignments returns the agent's current status including its
// assigned conversations.
func (e *Engine) AgentAssignments(ctx context.Context, agentID string) (*registry.Status, error) {
	st, ok, err := e.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, agentID)
	}
	return st, nil
}

// ConversationFilter narrows ListConversations. Empty fields match
// everything except Status, which defaults to INSERVICE.
type ConversationFilter struct {
	Skill   string
	AgentID string
	Status  conversation.Status
}

// ListConversations returns conversations matching the filter, most
// recently active first.
func (e *Engine) ListConversations(ctx context.Context, filter ConversationFilter) ([]*conversation.Conversation, error) {
	status := filter.Status
	switch status {
	case "":
		status = conversation.StatusInService
	case conversation.StatusPending, conversation.StatusInService,
		conversation.StatusTransferring, conversation.StatusEnd:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}

	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*conversation.Conversation, 0, len(all))
	for _, c := range all {
		if c.Status != status {
			continue
		}
		if filter.Skill != "" && c.SkillGroup != filter.Skill {
			continue
		}
		if filter.AgentID != "" && c.AgentID != filter.AgentID {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// TransferCandidates lists the agents of a skill group a conversation could
// be handed to, leaving out excludeAgentID (normally the current agent).
// Agents able to take it right now come first, least loaded first.
func (e *Engine) TransferCandidates(ctx context.Context, skill, excludeAgentID string) ([]*registry.Status, error) {
	if skill == "" {
		return nil, fmt.Errorf("%w: skill is required", ErrInvalidRequest)
	}
	agents, err := e.registry.ListBySkill(ctx, skill)
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Status, 0, len(agents))
	for _, st := range agents {
		if st.AgentID != excludeAgentID {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Accepting() != b.Accepting() {
			return a.Accepting()
		}
		if a.Load() != b.Load() {
			return a.Load() < b.Load()
		}
		return a.AgentID < b.AgentID
	})
	return out, nil
}

// Conversation returns the conversation's current routing state.
func (e *Engine) Conversation(ctx context.Context, convID string) (*conversation.Conversation, error) {
	return e.mustLookup(ctx, convID)
}

func (e *Engine) mustLookup(ctx context.Context, convID string) (*conversation.Conversation, error) {
	conv, found, err := e.store.Lookup(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, convID)
	}
	return conv, nil
}

func (e *Engine) agentName(ctx context.Context, agentID string) string {
	st, ok, err := e.registry.Get(ctx, agentID)
	if err != nil || !ok {
		return ""
	}
	return st.Name
}

func (e *Engine) lock(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.opts.LockTimeout)
	defer cancel()

	unlock, err := e.locks.Lock(lockCtx, keys...)
	if err != nil {
		return nil, fmt.Errorf("acquiring %v: %w", keys, err)
	}
	return unlock, nil
}

// servingAgents lists agents holding a reservation for the conversation.
func servingAgents(c *conversation.Conversation) []string {
	var ids []string
	if c.AgentID != "" {
		ids = append(ids, c.AgentID)
	}
	if c.Transfer != nil && c.Transfer.TargetAgentID != c.AgentID {
		ids = append(ids, c.Transfer.TargetAgentID)
	}
	return ids
}

func aboutConversation(c *conversation.Conversation) message.Inbound {
	return message.Inbound{
		ConversationID: c.ID,
		VisitorID:      c.VisitorID,
		OrgID:          c.OrgID,
		AgentID:        c.AgentID,
		SkillGroup:     c.SkillGroup,
		Channel:        c.Channel,
	}
}

// transferText is what the target agent sees: the memo when one was given.
func transferText(req TransferRequest, sourceName string) string {
	if req.Memo != "" {
		return req.Memo
	}
	if sourceName == "" {
		sourceName = req.SourceAgentID
	}
	return "Conversation transferred from " + sourceName
}

func displayName(st *registry.Status) string {
	if st.Name != "" {
		return st.Name
	}
	return st.AgentID
}

func convLockKey(id string) string { return "route/conv/" + id }
func agentLockKey(id string) string { return "route/agent/" + id }
