// ABOUTME: Tests for the asynchronous history recorder
// ABOUTME: Drives it through the conversation store, the routing journal and fan-out drops

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/conversation"
	"github.com/2389/coven-desk/internal/delivery"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/state"
)

func flushRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func TestRecorder_MirrorsConversationStore(t *testing.T) {
	db := newTestStore(t)
	rec := NewRecorder(db, nil)
	convs := conversation.NewStore(state.NewMemoryBackend(), state.NewLocalLocker(), rec, nil)
	ctx := context.Background()

	_, _, err := convs.GetOrCreate(ctx, conversation.NewConversation{ID: "c1", OrgID: "o1", VisitorID: "v1", Channel: "webim", SkillGroup: "sales"})
	require.NoError(t, err)
	_, err = convs.Assign(ctx, "c1", "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = convs.IncrementCounters(ctx, "c1", 1, int64(i%2))
		require.NoError(t, err)
	}
	_, err = convs.End(ctx, "c1")
	require.NoError(t, err)
	flushRecorder(t, rec)

	got, err := db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "END", got.Status)
	assert.Equal(t, int64(5), got.ChatbotTurns)
	assert.Equal(t, int64(2), got.ChatbotErrors)
}

func TestRecorder_JournalAndDrops(t *testing.T) {
	db := newTestStore(t)
	rec := NewRecorder(db, nil)
	ctx := context.Background()

	rec.RecordAgentStatus(&registry.Status{AgentID: "X", Name: "Xena", Skills: []string{"sales"}, Availability: registry.Ready, Capacity: 3, Conversations: []string{"c1"}}, false)
	rec.RecordTransfer(&conversation.TransferRecord{ConversationID: "c1", SourceAgentID: "X", TargetAgentID: "Y", RequestedAt: time.Now()}, "completed")
	rec.RecordDrop(&delivery.Event{ID: "e1", ConversationID: "c1", Kind: delivery.KindEnd, Target: delivery.Agent("X")}, 3, errors.New("unreachable"))
	rec.RecordAgentStatus(&registry.Status{AgentID: "X", Name: "Xena", Availability: registry.Ready, Capacity: 3, Conversations: []string{"c1"}}, true)
	flushRecorder(t, rec)

	agent, err := db.GetAgentStatus(ctx, "X")
	require.NoError(t, err)
	assert.True(t, agent.Removed)
	assert.Equal(t, "OFFLINE", agent.Availability)
	assert.Equal(t, 0, agent.Load)

	transfers, err := db.ListTransfers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "completed", transfers[0].Outcome)

	drops, err := db.ListDroppedDeliveries(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, "agent/X", drops[0].Target)
	assert.Equal(t, "unreachable", drops[0].Error)
}

func TestRecorder_CloseDrains(t *testing.T) {
	db := newTestStore(t)
	rec := NewRecorder(db, nil)

	rec.RecordAgentStatus(&registry.Status{AgentID: "X", Availability: registry.Busy, Capacity: 1}, false)
	require.NoError(t, rec.Close(context.Background()))

	got, err := db.GetAgentStatus(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, "BUSY", got.Availability)
	assert.Equal(t, []string(nil), got.Skills)

	// Writes after close are dropped, not panics.
	rec.RecordAgentStatus(&registry.Status{AgentID: "Y"}, false)
}
