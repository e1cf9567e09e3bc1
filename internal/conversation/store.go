// ABOUTME: Conversation store: get-or-create, assignment, transfer lifecycle and chatbot counters
// ABOUTME: Mutations on one conversation are linearized through a per-conversation lock on the shared backend

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/state"
)

const (
	keyPrefix  = "conv/"
	pairPrefix = "pair/"
)

// Mirror receives a copy of every committed conversation state, in commit
// order for each conversation. Implementations must not block.
type Mirror interface {
	MirrorConversation(c *Conversation)
}

// Store owns conversation state for routing decisions.
type Store struct {
	backend state.Backend
	locks   state.Locker
	mirror  Mirror
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a Store. Pass nil logger for default and nil mirror for none.
func NewStore(backend state.Backend, locks state.Locker, mirror Mirror, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		locks:   locks,
		mirror:  mirror,
		logger:  logger.With("component", "conversation_store"),
		now:     time.Now,
	}
}

// GetOrCreate returns the conversation, creating it as PENDING if absent.
// The boolean reports whether this call created it. When two callers race
// on first touch exactly one creates; the other observes the winner's record.
func (s *Store) GetOrCreate(ctx context.Context, nc NewConversation) (*Conversation, bool, error) {
	if nc.ID == "" {
		return nil, false, fmt.Errorf("conversation id is required")
	}

	unlock, err := s.locks.Lock(ctx, lockKey(nc.ID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.read(ctx, nc.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	c := &Conversation{
		ID:         nc.ID,
		OrgID:      nc.OrgID,
		VisitorID:  nc.VisitorID,
		Channel:    nc.Channel,
		SkillGroup: nc.SkillGroup,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, false, fmt.Errorf("encoding conversation %s: %w", c.ID, err)
	}
	created, err := s.backend.PutIfAbsent(ctx, keyPrefix+c.ID, raw)
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation %s: %w", c.ID, err)
	}
	if !created {
		// Another node won the race without holding our lock.
		winner, err := s.read(ctx, nc.ID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Debug("found existing conversation after race", "conversation_id", nc.ID)
		return winner, false, nil
	}

	s.logger.Debug("conversation created",
		"conversation_id", c.ID,
		"visitor_id", c.VisitorID,
		"skill_group", c.SkillGroup)
	s.publishMirror(c)
	return c, true, nil
}

// Lookup returns the conversation. The boolean is false when it does not exist.
func (s *Store) Lookup(ctx context.Context, id string) (*Conversation, bool, error) {
	c, err := s.read(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Assign sets the serving agent and moves the conversation to INSERVICE.
// An empty agentID assigns the chatbot. It returns the previous agent so
// the caller can release it from the registry.
func (s *Store) Assign(ctx context.Context, id, agentID string) (string, error) {
	var previous string
	_, err := s.mutate(ctx, id, func(c *Conversation) error {
		switch c.Status {
		case StatusEnd:
			return ErrConversationEnded
		case StatusTransferring:
			return ErrTransferInFlight
		}

		previous = c.AgentID
		if agentID != previous {
			if err := s.claimPair(ctx, c, agentID); err != nil {
				return err
			}
			if err := s.releasePair(ctx, c, previous); err != nil {
				return err
			}
		}
		c.AgentID = agentID
		c.Status = StatusInService
		c.AwaitingAgent = false
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("conversation assigned",
		"conversation_id", id,
		"agent_id", agentID,
		"previous_agent_id", previous)
	return previous, nil
}

// Unassign detaches the serving agent from an INSERVICE conversation that
// nobody can take over. The conversation stays INSERVICE, marked as
// awaiting an agent, until the next Assign. A PENDING conversation is left
// as it is. It returns the previous agent.
func (s *Store) Unassign(ctx context.Context, id string) (string, error) {
	var previous string
	_, err := s.mutate(ctx, id, func(c *Conversation) error {
		switch c.Status {
		case StatusEnd:
			return ErrConversationEnded
		case StatusTransferring:
			return ErrTransferInFlight
		case StatusPending:
			return nil
		}
		previous = c.AgentID
		if err := s.releasePair(ctx, c, previous); err != nil {
			return err
		}
		c.AgentID = ""
		c.AwaitingAgent = true
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("conversation awaiting agent",
		"conversation_id", id,
		"previous_agent_id", previous)
	return previous, nil
}

// BeginTransfer records an in-flight transfer and moves the conversation to
// TRANSFERRING. Returns ErrNotInService unless the conversation is
// INSERVICE under sourceAgentID.
func (s *Store) BeginTransfer(ctx context.Context, id, sourceAgentID, targetAgentID, memo string) (*TransferRecord, error) {
	var record *TransferRecord
	_, err := s.mutate(ctx, id, func(c *Conversation) error {
		if c.Status != StatusInService || c.AgentID == "" || c.AgentID != sourceAgentID {
			return fmt.Errorf("%w: status %s, agent %q", ErrNotInService, c.Status, c.AgentID)
		}
		if err := s.claimPair(ctx, c, targetAgentID); err != nil {
			return err
		}
		record = &TransferRecord{
			ConversationID: id,
			SourceAgentID:  sourceAgentID,
			TargetAgentID:  targetAgentID,
			Memo:           memo,
			RequestedAt:    s.now(),
		}
		c.Transfer = record
		c.Status = StatusTransferring
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer started",
		"conversation_id", id,
		"source_agent_id", sourceAgentID,
		"target_agent_id", targetAgentID)
	return record, nil
}

// CompleteTransfer hands the conversation to the transfer's target agent
// and returns it to INSERVICE.
func (s *Store) CompleteTransfer(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.mutate(ctx, id, func(c *Conversation) error {
		if c.Status != StatusTransferring || c.Transfer == nil {
			return ErrNoPendingTransfer
		}
		tr := c.Transfer
		if err := s.releasePair(ctx, c, tr.SourceAgentID); err != nil {
			return err
		}
		c.AgentID = tr.TargetAgentID
		c.Status = StatusInService
		c.Transferred = true
		c.TransferMemo = tr.Memo
		c.Transfer = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer completed",
		"conversation_id", id,
		"agent_id", c.AgentID)
	return c, nil
}

// CancelTransfer rolls a TRANSFERRING conversation back to INSERVICE under
// its source agent.
func (s *Store) CancelTransfer(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.mutate(ctx, id, func(c *Conversation) error {
		if c.Status != StatusTransferring || c.Transfer == nil {
			return ErrNoPendingTransfer
		}
		tr := c.Transfer
		if tr.TargetAgentID != tr.SourceAgentID {
			if err := s.releasePair(ctx, c, tr.TargetAgentID); err != nil {
				return err
			}
		}
		c.AgentID = tr.SourceAgentID
		c.Status = StatusInService
		c.Transfer = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("transfer cancelled",
		"conversation_id", id,
		"agent_id", c.AgentID)
	return c, nil
}

// IncrementCounters atomically adds to the chatbot turn and error counters.
// Both deltas must be non-negative and errorDelta may not exceed turnDelta.
// Ended conversations are rejected with ErrConversationEnded.
func (s *Store) IncrementCounters(ctx context.Context, id string, turnDelta, errorDelta int64) (*Conversation, error) {
	return s.IncrementCountersIf(ctx, id, turnDelta, errorDelta, nil, nil)
}

// IncrementCountersIf is IncrementCounters with a guard. check runs under the
// conversation's lock before the update and can veto it by returning an
// error. committed runs after the update is persisted, still under the lock,
// so anything it publishes is ordered before any later change to the
// conversation. Either may be nil.
func (s *Store) IncrementCountersIf(ctx context.Context, id string, turnDelta, errorDelta int64, check func(c *Conversation) error, committed func(c *Conversation)) (*Conversation, error) {
	if turnDelta < 0 || errorDelta < 0 || errorDelta > turnDelta {
		return nil, fmt.Errorf("%w: turns %+d, errors %+d", ErrInvalidDelta, turnDelta, errorDelta)
	}
	return s.mutateThen(ctx, id, func(c *Conversation) error {
		if c.Status == StatusEnd {
			return fmt.Errorf("%w: %s", ErrConversationEnded, id)
		}
		if check != nil {
			if err := check(c); err != nil {
				return err
			}
		}
		c.ChatbotTurns += turnDelta
		c.ChatbotErrors += errorDelta
		return nil
	}, committed)
}

// Touch refreshes the last-update timestamp, used by idle detection.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(c *Conversation) error { return nil })
	return err
}

// End moves the conversation to END. Ending an ended conversation is a no-op.
func (s *Store) End(ctx context.Context, id string) (*Conversation, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusEnd {
		return c, nil
	}

	if err := s.releasePair(ctx, c, c.AgentID); err != nil {
		return nil, err
	}
	if c.Transfer != nil {
		if err := s.releasePair(ctx, c, c.Transfer.TargetAgentID); err != nil {
			return nil, err
		}
		c.Transfer = nil
	}
	c.Status = StatusEnd
	c.UpdatedAt = s.now()
	if err := s.write(ctx, c); err != nil {
		return nil, err
	}
	s.publishMirror(c)

	s.logger.Info("conversation ended",
		"conversation_id", id,
		"agent_id", c.AgentID,
		"chatbot_turns", c.ChatbotTurns)
	return c, nil
}

// List returns every conversation ordered by id.
func (s *Store) List(ctx context.Context) ([]*Conversation, error) {
	keys, err := s.backend.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]*Conversation, 0, len(keys))
	for _, key := range keys {
		c, err := s.read(ctx, strings.TrimPrefix(key, keyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListIdle returns active conversations not updated since before.
func (s *Store) ListIdle(ctx context.Context, before time.Time) ([]*Conversation, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0)
	for _, c := range all {
		if c.Active() && c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

// mutate applies fn to the conversation under its lock and persists the
// result. If fn fails nothing is written.
func (s *Store) mutate(ctx context.Context, id string, fn func(c *Conversation) error) (*Conversation, error) {
	return s.mutateThen(ctx, id, fn, nil)
}

func (s *Store) mutateThen(ctx context.Context, id string, fn func(c *Conversation) error, committed func(c *Conversation)) (*Conversation, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.write(ctx, c); err != nil {
		return nil, err
	}
	s.publishMirror(c)
	if committed != nil {
		committed(c.Clone())
	}
	return c.Clone(), nil
}

// claimPair reserves the (org, visitor, agent) slot for this conversation.
// The chatbot is not an agent and holds no slot.
func (s *Store) claimPair(ctx context.Context, c *Conversation, agentID string) error {
	if agentID == "" {
		return nil
	}
	key := pairKey(c, agentID)
	ok, err := s.backend.PutIfAbsent(ctx, key, []byte(c.ID))
	if err != nil {
		return fmt.Errorf("claiming visitor/agent pair: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := s.backend.Get(ctx, key)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("reading visitor/agent pair: %w", err)
	}
	if string(holder) == c.ID {
		return nil
	}
	return fmt.Errorf("%w: conversation %s", ErrDuplicateActive, holder)
}

func (s *Store) releasePair(ctx context.Context, c *Conversation, agentID string) error {
	if agentID == "" {
		return nil
	}
	key := pairKey(c, agentID)
	holder, err := s.backend.Get(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading visitor/agent pair: %w", err)
	}
	if string(holder) != c.ID {
		return nil
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("releasing visitor/agent pair: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, id string) (*Conversation, error) {
	raw, err := s.backend.Get(ctx, keyPrefix+id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) write(ctx context.Context, c *Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", c.ID, err)
	}
	if err := s.backend.Put(ctx, keyPrefix+c.ID, raw); err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) publishMirror(c *Conversation) {
	if s.mirror != nil {
		s.mirror.MirrorConversation(c.Clone())
	}
}

func lockKey(id string) string { return "store/conv/" + id }

func pairKey(c *Conversation, agentID string) string {
	return pairPrefix + c.OrgID + "/" + c.VisitorID + "/" + agentID
}
