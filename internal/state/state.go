// ABOUTME: Ports for the shared routing state: a key/value backend and a keyed locker
// ABOUTME: Registry and conversation store are written against these so they can run in-process or on Redis

package state

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned by Backend.Get when the key does not exist.
var ErrNotFound = errors.New("state: key not found")

// ErrLockTimeout is returned when a lock could not be acquired before the context ended.
var ErrLockTimeout = errors.New("state: lock not acquired")

// Backend is the consistency-providing key/value store behind the registry
// and the conversation store. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only if key does not exist and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Locker provides per-key mutual exclusion. Lock acquires every key in
// ascending order and returns a function that releases all of them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// orderKeys sorts and de-duplicates keys so that every caller acquires
// overlapping key sets in the same global order.
func orderKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
