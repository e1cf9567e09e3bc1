// ABOUTME: Agent status registry: availability, skill groups and active conversations per agent
// ABOUTME: Every mutation on one agent is linearized through a per-agent lock on the shared backend

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/state"
)

var (
	// ErrUnknownAgent indicates the agent has no registry entry (it is OFFLINE).
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrCapacityExceeded indicates a reservation would push load past capacity.
	ErrCapacityExceeded = errors.New("agent capacity exceeded")

	// ErrInvalidCapacity indicates a capacity below the agent's current load.
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// Availability is an agent's routing availability.
type Availability string

const (
	Ready   Availability = "READY"
	Busy    Availability = "BUSY"
	Offline Availability = "OFFLINE"
)

// Valid reports whether a is a known availability value.
func (a Availability) Valid() bool {
	switch a {
	case Ready, Busy, Offline:
		return true
	}
	return false
}

// Status is one agent's registry entry.
type Status struct {
	AgentID       string       `json:"agent_id"`
	Name          string       `json:"name"`
	Skills        []string     `json:"skills"`
	Availability  Availability `json:"availability"`
	Conversations []string     `json:"conversations"`
	Capacity      int          `json:"capacity"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Load is the number of conversations currently assigned to the agent.
func (s *Status) Load() int { return len(s.Conversations) }

// HasSkill reports whether the agent belongs to the given skill group.
func (s *Status) HasSkill(skill string) bool {
	return slices.Contains(s.Skills, skill)
}

// Holds reports whether the agent is serving the conversation.
func (s *Status) Holds(conversationID string) bool {
	return slices.Contains(s.Conversations, conversationID)
}

// Accepting reports whether the agent can take a new conversation.
func (s *Status) Accepting() bool {
	return s.Availability == Ready && s.Load() < s.Capacity
}

// StatusUpdate carries the externally-owned part of an agent's status,
// reported on login and on every heartbeat.
type StatusUpdate struct {
	AgentID      string
	Name         string
	Skills       []string
	Availability Availability
	Capacity     int
}

const keyPrefix = "agent/"

// Registry tracks agent statuses on a shared backend.
type Registry struct {
	backend state.Backend
	locks   state.Locker
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Registry. Pass nil logger for default.
func New(backend state.Backend, locks state.Locker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		locks:   locks,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
	}
}

// Upsert creates or overwrites an agent's status. The active conversation
// set is preserved across updates. Returns ErrInvalidCapacity if the new
// capacity is below the current load.
func (r *Registry) Upsert(ctx context.Context, upd StatusUpdate) (*Status, error) {
	if upd.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if upd.Availability == "" {
		upd.Availability = Ready
	}
	if !upd.Availability.Valid() {
		return nil, fmt.Errorf("invalid availability %q", upd.Availability)
	}

	var result *Status
	err := r.withAgent(ctx, upd.AgentID, func(current *Status) (*Status, error) {
		load := 0
		var conversations []string
		if current != nil {
			load = current.Load()
			conversations = current.Conversations
		}
		if upd.Capacity < 0 || upd.Capacity < load {
			return nil, fmt.Errorf("%w: capacity %d below load %d", ErrInvalidCapacity, upd.Capacity, load)
		}

		result = &Status{
			AgentID:       upd.AgentID,
			Name:          upd.Name,
			Skills:        normalizeSet(upd.Skills),
			Availability:  upd.Availability,
			Conversations: conversations,
			Capacity:      upd.Capacity,
			UpdatedAt:     r.now(),
		}
		if result.Conversations == nil {
			result.Conversations = []string{}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("agent status updated",
		"agent_id", result.AgentID,
		"availability", result.Availability,
		"load", result.Load(),
		"capacity", result.Capacity)
	return result, nil
}

// Get returns the agent's status. The boolean is false when the agent is
// not registered, which callers must treat as OFFLINE.
func (r *Registry) Get(ctx context.Context, agentID string) (*Status, bool, error) {
	st, err := r.read(ctx, agentID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// List returns every registered agent ordered by agent id.
func (r *Registry) List(ctx context.Context) ([]*Status, error) {
	keys, err := r.backend.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	out := make([]*Status, 0, len(keys))
	for _, key := range keys {
		st, err := r.read(ctx, strings.TrimPrefix(key, keyPrefix))
		if errors.Is(err, state.ErrNotFound) {
			// removed between Keys and Get
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ListBySkill returns every registered agent in the skill group, regardless
// of availability.
func (r *Registry) ListBySkill(ctx context.Context, skill string) ([]*Status, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(all))
	for _, st := range all {
		if st.HasSkill(skill) {
			out = append(out, st)
		}
	}
	return out, nil
}

// ListAvailable returns the ids of READY agents in the skill group that have
// spare capacity, least loaded first with ties broken by agent id.
func (r *Registry) ListAvailable(ctx context.Context, skill string) ([]string, error) {
	all, err := r.ListBySkill(ctx, skill)
	if err != nil {
		return nil, err
	}

	candidates := make([]*Status, 0, len(all))
	for _, st := range all {
		if st.Accepting() {
			candidates = append(candidates, st)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load() != candidates[j].Load() {
			return candidates[i].Load() < candidates[j].Load()
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})

	ids := make([]string, len(candidates))
	for i, st := range candidates {
		ids[i] = st.AgentID
	}
	return ids, nil
}

// Reserve adds the conversation to the agent's active set. Reserving a
// conversation the agent already holds is a no-op.
func (r *Registry) Reserve(ctx context.Context, agentID, conversationID string) error {
	err := r.withAgent(ctx, agentID, func(current *Status) (*Status, error) {
		if current == nil {
			return nil, ErrUnknownAgent
		}
		if current.Holds(conversationID) {
			return nil, nil
		}
		if current.Load()+1 > current.Capacity {
			return nil, fmt.Errorf("%w: agent %s at %d/%d", ErrCapacityExceeded, agentID, current.Load(), current.Capacity)
		}
		current.Conversations = append(current.Conversations, conversationID)
		sort.Strings(current.Conversations)
		current.UpdatedAt = r.now()
		return current, nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("conversation reserved",
		"agent_id", agentID,
		"conversation_id", conversationID)
	return nil
}

// Release removes the conversation from the agent's active set. Releasing
// an absent conversation or an unknown agent is a no-op so duplicate release
// signals are harmless.
func (r *Registry) Release(ctx context.Context, agentID, conversationID string) error {
	return r.withAgent(ctx, agentID, func(current *Status) (*Status, error) {
		if current == nil || !current.Holds(conversationID) {
			return nil, nil
		}
		current.Conversations = slices.DeleteFunc(current.Conversations, func(id string) bool {
			return id == conversationID
		})
		current.UpdatedAt = r.now()
		r.logger.Debug("conversation released",
			"agent_id", agentID,
			"conversation_id", conversationID)
		return current, nil
	})
}

// Remove evicts the agent (logout) and returns the evicted entry so the
// caller can re-route its conversations.
func (r *Registry) Remove(ctx context.Context, agentID string) (*Status, error) {
	unlock, err := r.locks.Lock(ctx, lockKey(agentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := r.read(ctx, agentID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, err
	}
	if err := r.backend.Delete(ctx, keyPrefix+agentID); err != nil {
		return nil, fmt.Errorf("removing agent: %w", err)
	}

	r.logger.Info("=== AGENT OFFLINE ===",
		"agent_id", agentID,
		"name", current.Name,
		"active_conversations", current.Load())
	return current, nil
}

// withAgent runs fn under the agent's lock with its current status (nil if
// absent). A nil result from fn means "no change".
func (r *Registry) withAgent(ctx context.Context, agentID string, fn func(current *Status) (*Status, error)) error {
	unlock, err := r.locks.Lock(ctx, lockKey(agentID))
	if err != nil {
		return err
	}
	defer unlock()

	current, err := r.read(ctx, agentID)
	if errors.Is(err, state.ErrNotFound) {
		current = nil
	} else if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	return r.write(ctx, next)
}

func (r *Registry) read(ctx context.Context, agentID string) (*Status, error) {
	raw, err := r.backend.Get(ctx, keyPrefix+agentID)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding agent %s: %w", agentID, err)
	}
	if st.Conversations == nil {
		st.Conversations = []string{}
	}
	return &st, nil
}

func (r *Registry) write(ctx context.Context, st *Status) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding agent %s: %w", st.AgentID, err)
	}
	if err := r.backend.Put(ctx, keyPrefix+st.AgentID, raw); err != nil {
		return fmt.Errorf("saving agent %s: %w", st.AgentID, err)
	}
	return nil
}

func lockKey(agentID string) string { return "registry/agent/" + agentID }

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}
