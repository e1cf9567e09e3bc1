// ABOUTME: Bounded, time-limited seen-set of inbound message keys
// ABOUTME: Redeliveries within the window are reported as duplicates; oldest keys are evicted first

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window is a thread-safe seen-set with a TTL and a size bound.
// Keys are kept in first-seen order so both expiry and eviction pop from
// the front of the list.
type Window struct {
	mu      sync.Mutex
	keys    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Window. A background goroutine prunes expired keys every
// sweep interval until Close is called.
func New(ttl time.Duration, maxSize int) *Window {
	return newWindow(ttl, maxSize, time.Now)
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 10000
	}
	w := &Window{
		keys:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop(sweepInterval(ttl))
	return w
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Seen reports whether key was already recorded inside the window and
// records it if not. The check and the record happen atomically. An empty
// key is never a duplicate.
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if _, ok := w.keys[key]; ok {
		return true
	}
	if w.order.Len() >= w.maxSize {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.keys, oldest.Value.(*entry).key)
	}
	w.keys[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Forget drops key so a later redelivery is processed again. Callers use it
// when handling a message failed after Seen recorded it.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.keys[key]; ok {
		w.order.Remove(el)
		delete(w.keys, key)
	}
}

// Len returns the number of keys currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Close stops the background sweep. Safe to call more than once.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Window) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.pruneLocked(w.now())
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

// pruneLocked removes expired keys from the front. Must be called with mu held.
func (w *Window) pruneLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(el)
		delete(w.keys, e.key)
	}
}
