// internal/sync/optimistic.go
package sync

import (
	stdsync "sync"
	"time"

	"go.uber.org/zap"
)

// Intent tags a pending optimistic mutation.
type Intent int

const (
	IntentAdd Intent = iota
	IntentRemove
)

func (i Intent) String() string {
	if i == IntentRemove {
		return "remove"
	}
	return "add"
}

type optimisticEntry[T any] struct {
	intent  Intent
	payload T
	timer   *time.Timer
}

// OptimisticCache holds pending local mutations keyed by item id.
// Each entry owns its expiry handle; the cache stops every timer on
// Clear/ClearAll so no timer fires against torn-down state.
//
// An add entry masks write latency until the reconciled snapshot
// confirms it; a remove entry is a deletion marker so a concurrently
// arriving stale snapshot does not resurrect the item. Expiry is not
// an error: it force-clears the optimistic flag if confirmation never
// arrives, via the onExpire callback.
type OptimisticCache[T any] struct {
	mu       stdsync.Mutex
	entries  map[string]*optimisticEntry[T]
	onExpire func(id string, intent Intent)
}

// NewOptimisticCache builds a cache. onExpire may be nil; when set it
// is invoked outside the cache lock after an entry expires.
func NewOptimisticCache[T any](onExpire func(id string, intent Intent)) *OptimisticCache[T] {
	return &OptimisticCache[T]{
		entries:  map[string]*optimisticEntry[T]{},
		onExpire: onExpire,
	}
}

// PutAdd records a pending add. Any prior entry for id is cleared
// first (its timer stopped).
func (c *OptimisticCache[T]) PutAdd(id string, payload T, ttl time.Duration) {
	c.put(id, IntentAdd, payload, ttl)
}

// PutRemove records a deletion marker.
func (c *OptimisticCache[T]) PutRemove(id string, ttl time.Duration) {
	var zero T
	c.put(id, IntentRemove, zero, ttl)
}

func (c *OptimisticCache[T]) put(id string, intent Intent, payload T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[id]; ok {
		prev.timer.Stop()
	}

	e := &optimisticEntry[T]{intent: intent, payload: payload}
	e.timer = time.AfterFunc(ttl, func() { c.expire(id, e) })
	c.entries[id] = e
}

// expire drops the entry if it is still the one the timer was armed
// for; a re-put entry keeps its own newer timer.
func (c *OptimisticCache[T]) expire(id string, armed *optimisticEntry[T]) {
	c.mu.Lock()
	cur, ok := c.entries[id]
	if !ok || cur != armed {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	c.mu.Unlock()

	zap.S().Debugf("optimistic entry expired id=%s intent=%s", id, armed.intent)
	if c.onExpire != nil {
		c.onExpire(id, armed.intent)
	}
}

// Get returns the pending entry for id, if any.
func (c *OptimisticCache[T]) Get(id string) (payload T, intent Intent, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[id]
	if !found {
		var zero T
		return zero, IntentAdd, false
	}
	return e.payload, e.intent, true
}

// Clear removes the entry for id and stops its timer.
// Returns true when an entry was present.
func (c *OptimisticCache[T]) Clear(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.entries, id)
	return true
}

// ClearAll removes every entry and stops every timer.
// Called on engine teardown and explicit cache clears.
func (c *OptimisticCache[T]) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, id)
	}
}

// Len reports the number of pending entries.
func (c *OptimisticCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
