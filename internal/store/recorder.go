// ABOUTME: Asynchronous recorder feeding routing activity into the SQLite history
// ABOUTME: Writes for one conversation or agent land in the order they were committed

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/serial"
)

var (
	_ conversation.Mirror = (*Recorder)(nil)
	_ routing.Journal     = (*Recorder)(nil)
)

// Recorder queues history writes off the routing path. It satisfies the
// conversation store's Mirror hook, the routing engine's Journal and the
// fan-out's drop handler.
type Recorder struct {
	db      *SQLiteStore
	queue   *serial.Queue
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder writing to db. Pass nil logger for default.
func NewRecorder(db *SQLiteStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:      db,
		queue:   serial.New(),
		timeout: 5 * time.Second,
		logger:  logger.With("component", "recorder"),
		now:     time.Now,
	}
}

// MirrorConversation records a committed conversation state.
func (r *Recorder) MirrorConversation(c *conversation.Conversation) {
	rec := &ConversationRecord{
		ID:            c.ID,
		OrgID:         c.OrgID,
		VisitorID:     c.VisitorID,
		Channel:       c.Channel,
		SkillGroup:    c.SkillGroup,
		AgentID:       c.AgentID,
		Status:        string(c.Status),
		ChatbotTurns:  c.ChatbotTurns,
		ChatbotErrors: c.ChatbotErrors,
		Transferred:   c.Transferred,
		TransferMemo:  c.TransferMemo,
		AwaitingAgent: c.AwaitingAgent,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	r.submit("conv/"+c.ID, "conversation", func(ctx context.Context) error {
		return r.db.SaveConversation(ctx, rec)
	})
}

// RecordAgentStatus records an agent's status, or its removal.
func (r *Recorder) RecordAgentStatus(st *registry.Status, removed bool) {
	rec := &AgentStatusRecord{
		AgentID:      st.AgentID,
		Name:         st.Name,
		Skills:       append([]string(nil), st.Skills...),
		Availability: string(st.Availability),
		Load:         st.Load(),
		Capacity:     st.Capacity,
		Removed:      removed,
		UpdatedAt:    r.now(),
	}
	if removed {
		rec.Availability = string(registry.Offline)
		rec.Load = 0
	}
	r.submit("agent/"+st.AgentID, "agent status", func(ctx context.Context) error {
		return r.db.SaveAgentStatus(ctx, rec)
	})
}

// RecordTransfer records a finished transfer attempt.
func (r *Recorder) RecordTransfer(tr *conversation.TransferRecord, outcome string) {
	entry := &TransferEntry{
		ConversationID: tr.ConversationID,
		SourceAgentID:  tr.SourceAgentID,
		TargetAgentID:  tr.TargetAgentID,
		Memo:           tr.Memo,
		Outcome:        outcome,
		RequestedAt:    tr.RequestedAt,
		RecordedAt:     r.now(),
	}
	r.submit("conv/"+tr.ConversationID, "transfer", func(ctx context.Context) error {
		return r.db.AppendTransfer(ctx, entry)
	})
}

// RecordDrop records an event the fan-out gave up on. Its signature
// matches delivery.DropHandler.
func (r *Recorder) RecordDrop(ev *delivery.Event, attempts int, err error) {
	d := &DroppedDelivery{
		EventID:        ev.ID,
		ConversationID: ev.ConversationID,
		Kind:           string(ev.Kind),
		Target:         ev.Target.Address(),
		Attempts:       attempts,
		DroppedAt:      r.now(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	r.submit("conv/"+ev.ConversationID, "dropped delivery", func(ctx context.Context) error {
		return r.db.RecordDroppedDelivery(ctx, d)
	})
}

// Flush waits for queued writes to finish.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.queue.Flush(ctx)
}

// Close stops accepting writes and drains queued ones, bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	return r.queue.Close(ctx)
}

func (r *Recorder) submit(key, what string, write func(ctx context.Context) error) {
	ok := r.queue.Submit(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := write(ctx); err != nil {
			r.logger.Error("failed to record "+what, "key", key, "error", err)
		}
	})
	if !ok {
		r.logger.Warn("recorder closed, dropping "+what, "key", key)
	}
}
