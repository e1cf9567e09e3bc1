// ABOUTME: Tests for the agent status registry
// ABOUTME: Covers upsert, least-loaded ordering, reserve/release bounds and concurrent reservations

package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/state"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(state.NewMemoryBackend(), state.NewLocalLocker(), nil)
}

func mustUpsert(t *testing.T, r *Registry, id string, capacity int, skills ...string) {
	t.Helper()
	_, err := r.Upsert(context.Background(), StatusUpdate{
		AgentID:      id,
		Name:         "Agent " + id,
		Skills:       skills,
		Availability: Ready,
		Capacity:     capacity,
	})
	require.NoError(t, err)
}

func reserveN(t *testing.T, r *Registry, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.Reserve(context.Background(), id, fmt.Sprintf("%s-conv-%d", id, i)))
	}
}

func TestRegistry_ListAvailable_LeastLoadedFirst(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "A", 5, "sales")
	mustUpsert(t, r, "B", 5, "sales")
	mustUpsert(t, r, "C", 3, "sales")
	reserveN(t, r, "A", 2)

	ids, err := r.ListAvailable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, ids)
}

func TestRegistry_ListAvailable_Filters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "full", 1, "sales")
	reserveN(t, r, "full", 1)
	mustUpsert(t, r, "other-skill", 3, "support")
	_, err := r.Upsert(ctx, StatusUpdate{AgentID: "busy", Skills: []string{"sales"}, Availability: Busy, Capacity: 3})
	require.NoError(t, err)
	mustUpsert(t, r, "ok", 2, "sales", "support")

	ids, err := r.ListAvailable(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids)

	ids, err = r.ListAvailable(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRegistry_Upsert_PreservesActiveSet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "A", 3, "sales")
	require.NoError(t, r.Reserve(ctx, "A", "conv-1"))

	st, err := r.Upsert(ctx, StatusUpdate{AgentID: "A", Skills: []string{"support", "sales", "sales"}, Availability: Busy, Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1"}, st.Conversations)
	assert.Equal(t, []string{"sales", "support"}, st.Skills)
	assert.Equal(t, Busy, st.Availability)
}

func TestRegistry_Upsert_InvalidCapacity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "A", 3, "sales")
	reserveN(t, r, "A", 2)

	_, err := r.Upsert(ctx, StatusUpdate{AgentID: "A", Availability: Ready, Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	st, ok, err := r.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, st.Capacity, "failed upsert must not change the entry")

	_, err = r.Upsert(ctx, StatusUpdate{AgentID: "new", Capacity: -1})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestRegistry_Reserve_Errors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.Reserve(ctx, "ghost", "conv-1"), ErrUnknownAgent)

	mustUpsert(t, r, "A", 1, "sales")
	require.NoError(t, r.Reserve(ctx, "A", "conv-1"))
	assert.ErrorIs(t, r.Reserve(ctx, "A", "conv-2"), ErrCapacityExceeded)

	// Re-reserving a held conversation is idempotent.
	assert.NoError(t, r.Reserve(ctx, "A", "conv-1"))
	st, _, err := r.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Load())
}

func TestRegistry_Release_IsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "A", 2, "sales")
	require.NoError(t, r.Reserve(ctx, "A", "conv-1"))

	require.NoError(t, r.Release(ctx, "A", "conv-1"))
	require.NoError(t, r.Release(ctx, "A", "conv-1"))
	require.NoError(t, r.Release(ctx, "ghost", "conv-1"))

	st, _, err := r.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Load())
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustUpsert(t, r, "A", 2, "sales")
	require.NoError(t, r.Reserve(ctx, "A", "conv-1"))

	removed, err := r.Remove(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1"}, removed.Conversations)

	_, ok, err := r.Get(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok, "removed agent is treated as offline")

	_, err = r.Remove(ctx, "A")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_RandomReserveRelease_StaysWithinBounds(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustUpsert(t, r, "A", 3, "sales")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		conv := fmt.Sprintf("conv-%d", rng.Intn(6))
		if rng.Intn(2) == 0 {
			err := r.Reserve(ctx, "A", conv)
			if err != nil {
				assert.ErrorIs(t, err, ErrCapacityExceeded)
			}
		} else {
			require.NoError(t, r.Release(ctx, "A", conv))
		}

		st, _, err := r.Get(ctx, "A")
		require.NoError(t, err)
		require.GreaterOrEqual(t, st.Load(), 0)
		require.LessOrEqual(t, st.Load(), st.Capacity)
	}
}

func TestRegistry_ConcurrentReserve_NeverExceedsCapacity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	mustUpsert(t, r, "A", 5, "sales")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Reserve(ctx, "A", fmt.Sprintf("conv-%d", i)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	st, _, err := r.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, st.Load())
}
