// ABOUTME: Tests for the state backends and lockers
// ABOUTME: Runs the same contract against the in-memory and miniredis-backed implementations

package state

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackend(newMiniredisClient(t), "test:"),
	}
}

func lockers(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"local": NewLocalLocker(),
		"redis": NewRedisLocker(newMiniredisClient(t), "lock:", time.Second),
	}
}

func TestBackend_Contract(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := b.Get(ctx, "conv/1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Put(ctx, "conv/1", []byte("a")))
			got, err := b.Get(ctx, "conv/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), got)

			ok, err := b.PutIfAbsent(ctx, "conv/1", []byte("b"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.PutIfAbsent(ctx, "conv/2", []byte("c"))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, b.Put(ctx, "agent/x", []byte("d")))

			keys, err := b.Keys(ctx, "conv/")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"conv/1", "conv/2"}, keys)

			require.NoError(t, b.Delete(ctx, "conv/1"))
			_, err = b.Get(ctx, "conv/1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_KeysTreatsPrefixLiterally(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"conv/a*b/1", "conv/axb/1", "conv/a?/1", "conv/ab/1", "conv/[x]/1", "conv/x/1"} {
				require.NoError(t, b.Put(ctx, key, []byte("v")))
			}

			for prefix, want := range map[string][]string{
				"conv/a*":  {"conv/a*b/1"},
				"conv/a?":  {"conv/a?/1"},
				"conv/[x]": {"conv/[x]/1"},
			} {
				keys, err := b.Keys(ctx, prefix)
				require.NoError(t, err)
				assert.Equal(t, want, keys, prefix)
			}
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `desk:conv/a\*b\?\[c\]\\d`, escapeGlob(`desk:conv/a*b?[c]\d`))
	assert.Equal(t, "plain/key", escapeGlob("plain/key"))
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	val := []byte("abc")
	require.NoError(t, b.Put(ctx, "k", val))
	val[0] = 'z'

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			counter := 0
			var wg sync.WaitGroup

			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(ctx, "conv/1")
					if !assert.NoError(t, err) {
						return
					}
					v := counter
					time.Sleep(time.Millisecond)
					counter = v + 1
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, 20, counter)
		})
	}
}

func TestLocker_TimesOutWhenHeld(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "agent/a")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "agent/a")
			assert.ErrorIs(t, err, ErrLockTimeout)
		})
	}
}

func TestLocker_OverlappingSetsDoNotDeadlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(ctx, "agent/a", "agent/b")
					if assert.NoError(t, err) {
						unlock()
					}
				}()
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(ctx, "agent/b", "agent/a")
					if assert.NoError(t, err) {
						unlock()
					}
				}()
			}
			wg.Wait()
		})
	}
}

func TestLocalLocker_UnlockIsIdempotentAndCleansUp(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k1", "k2", "k1")
	require.NoError(t, err)
	unlock()
	unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

func TestOrderKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, orderKeys([]string{"c", "a", "b", "a"}))
}
