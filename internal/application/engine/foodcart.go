// internal/application/engine/foodcart.go
package engine

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	fooddom "marketsync/internal/domain/foodcart"
	syncer "marketsync/internal/sync"
)

// AddOutcome distinguishes the results of a food-cart add. A
// cross-restaurant conflict is a result value requiring an explicit
// caller decision, not an error path.
type AddOutcome int

const (
	OutcomeAdded AddOutcome = iota
	OutcomeRestaurantConflict
	OutcomeRateLimited
	OutcomeBusy
	OutcomeFailed
)

func (o AddOutcome) String() string {
	switch o {
	case OutcomeRestaurantConflict:
		return "restaurant_conflict"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	default:
		return "added"
	}
}

// FoodItemDecoder converts a flat remote document into a food line.
type FoodItemDecoder func(data map[string]any) (fooddom.Item, error)

// FoodCartConfig carries the per-engine tuning constants.
type FoodCartConfig struct {
	OwnerID       string
	AddTimeout    time.Duration
	RemoveTimeout time.Duration
	Cooldown      time.Duration
	Clock         syncer.Clock
}

func (c *FoodCartConfig) normalize() {
	if c.AddTimeout <= 0 {
		c.AddTimeout = 3 * time.Second
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 5 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	if c.Clock == nil {
		c.Clock = syncer.SystemClock()
	}
}

// FoodCartEngine synchronizes the food-delivery cart. All lines must
// belong to one restaurant; lines are keyed by the composite
// food+extras key, so the same food with different extras is a
// distinct line.
type FoodCartEngine struct {
	cfg     FoodCartConfig
	repo    fooddom.Repository
	watcher FoodCartWatcher
	decode  FoodItemDecoder

	limiter    *syncer.RateLimiter
	optimistic *syncer.OptimisticCache[fooddom.Item]
	locks      *syncer.KeyedLock
	flight     syncer.Flight

	mu     stdsync.Mutex
	lines  map[string]fooddom.Item
	closed bool

	sub *syncer.Subscription
}

func NewFoodCartEngine(
	cfg FoodCartConfig,
	repo fooddom.Repository,
	watcher FoodCartWatcher,
	decode FoodItemDecoder,
) *FoodCartEngine {
	cfg.normalize()

	e := &FoodCartEngine{
		cfg:     cfg,
		repo:    repo,
		watcher: watcher,
		decode:  decode,
		limiter: syncer.NewRateLimiterWithClock(cfg.Cooldown, cfg.Clock),
		locks:   syncer.NewKeyedLock(),
		lines:   map[string]fooddom.Item{},
	}
	e.optimistic = syncer.NewOptimisticCache[fooddom.Item](e.onOptimisticExpire)
	return e
}

func (e *FoodCartEngine) onOptimisticExpire(key string, intent syncer.Intent) {
	if intent != syncer.IntentAdd {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if it, ok := e.lines[key]; ok && it.Optimistic {
		it.Optimistic = false
		e.lines[key] = it
	}
}

// Restaurant returns the id of the restaurant currently owning the
// cart, or "" when the cart is empty.
func (e *FoodCartEngine) Restaurant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restaurantLocked()
}

func (e *FoodCartEngine) restaurantLocked() string {
	for _, it := range e.lines {
		return it.RestaurantID
	}
	return ""
}

// AddItem adds a food line. Adding from a different restaurant than
// the cart's current one returns OutcomeRestaurantConflict without
// mutating state; the caller must decide to clear first.
// Adding the same line key again increases its quantity.
func (e *FoodCartEngine) AddItem(ctx context.Context, item fooddom.Item) AddOutcome {
	if item.Quantity < 1 {
		item.Quantity = 1
	}
	if err := item.Validate(); err != nil {
		return OutcomeFailed
	}
	key := item.LineKey()

	if !e.limiter.CanProceed("food:" + key) {
		return OutcomeRateLimited
	}

	now := e.cfg.Clock.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return OutcomeFailed
	}
	if current := e.restaurantLocked(); current != "" && current != item.RestaurantID {
		e.mu.Unlock()
		return OutcomeRestaurantConflict
	}
	prev, existed := e.lines[key]
	next := item
	if existed {
		next = prev
		next.Quantity += item.Quantity
	}
	if next.AddedAt.IsZero() {
		next.AddedAt = now
	}
	next.UpdatedAt = now
	next.Optimistic = true
	e.lines[key] = next
	e.mu.Unlock()

	e.optimistic.PutAdd(key, next, e.cfg.AddTimeout)

	if !e.locks.TryLock(key) {
		e.rollbackAdd(key, prev, existed)
		return OutcomeBusy
	}
	defer e.locks.Unlock(key)

	if err := e.repo.Set(ctx, e.cfg.OwnerID, next); err != nil {
		zap.S().Warnf("food cart add failed owner=%s line=%s err=%v", e.cfg.OwnerID, key, err)
		e.rollbackAdd(key, prev, existed)
		return OutcomeFailed
	}
	return OutcomeAdded
}

func (e *FoodCartEngine) rollbackAdd(key string, prev fooddom.Item, existed bool) {
	e.optimistic.Clear(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existed {
		e.lines[key] = prev
	} else {
		delete(e.lines, key)
	}
}

// ClearAndAddFromNewRestaurant atomically wipes the cart and seeds it
// with the new restaurant's line. The explicit follow-up to a
// restaurant conflict.
func (e *FoodCartEngine) ClearAndAddFromNewRestaurant(ctx context.Context, item fooddom.Item) AddOutcome {
	if item.Quantity < 1 {
		item.Quantity = 1
	}
	if err := item.Validate(); err != nil {
		return OutcomeFailed
	}
	key := item.LineKey()

	now := e.cfg.Clock.Now()
	item.AddedAt = now
	item.UpdatedAt = now
	item.Optimistic = true

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return OutcomeFailed
	}
	prior := e.lines
	e.lines = map[string]fooddom.Item{key: item}
	e.mu.Unlock()

	e.optimistic.ClearAll()
	e.optimistic.PutAdd(key, item, e.cfg.AddTimeout)

	if err := e.repo.ReplaceAll(ctx, e.cfg.OwnerID, []fooddom.Item{item}); err != nil {
		zap.S().Warnf("food cart replace failed owner=%s err=%v", e.cfg.OwnerID, err)
		e.optimistic.Clear(key)
		e.mu.Lock()
		e.lines = prior
		e.mu.Unlock()
		return OutcomeFailed
	}
	return OutcomeAdded
}

// UpdateQuantity sets a line's quantity; ≤ 0 removes the line.
// Concurrent updates for the same line are coalesced.
func (e *FoodCartEngine) UpdateQuantity(ctx context.Context, lineKey string, quantity int) MutationResult {
	if lineKey == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if quantity < 1 {
		return e.RemoveLine(ctx, lineKey)
	}

	v, _, _ := e.flight.Do("qty:"+lineKey, func() (any, error) {
		return e.updateQuantityOnce(ctx, lineKey, quantity), nil
	})
	res, ok := v.(MutationResult)
	if !ok {
		return resultFailed(ErrInvalidArgument)
	}
	return res
}

func (e *FoodCartEngine) updateQuantityOnce(ctx context.Context, key string, quantity int) MutationResult {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	prev, existed := e.lines[key]
	if !existed {
		e.mu.Unlock()
		return resultFailed(ErrInvalidArgument)
	}
	next := prev
	next.Quantity = quantity
	next.UpdatedAt = e.cfg.Clock.Now()
	next.Optimistic = true
	e.lines[key] = next
	e.mu.Unlock()

	e.optimistic.PutAdd(key, next, e.cfg.AddTimeout)

	if !e.locks.TryLock(key) {
		e.rollbackAdd(key, prev, true)
		return resultBusy()
	}
	defer e.locks.Unlock(key)

	if err := e.repo.Set(ctx, e.cfg.OwnerID, next); err != nil {
		zap.S().Warnf("food cart quantity update failed owner=%s line=%s err=%v", e.cfg.OwnerID, key, err)
		e.rollbackAdd(key, prev, true)
		return resultFailed(err)
	}
	return resultOK()
}

// RemoveLine removes a line, with a deletion marker against stale
// snapshots.
func (e *FoodCartEngine) RemoveLine(ctx context.Context, lineKey string) MutationResult {
	if lineKey == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if !e.limiter.CanProceed("rmfood:" + lineKey) {
		return resultRateLimited()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	_, existed := e.lines[lineKey]
	delete(e.lines, lineKey)
	e.mu.Unlock()

	e.optimistic.PutRemove(lineKey, e.cfg.RemoveTimeout)

	if !e.locks.TryLock(lineKey) {
		e.rollbackRemove(ctx, lineKey, existed)
		return resultBusy()
	}
	defer e.locks.Unlock(lineKey)

	if err := e.repo.Delete(ctx, e.cfg.OwnerID, lineKey); err != nil {
		zap.S().Warnf("food cart remove failed owner=%s line=%s err=%v", e.cfg.OwnerID, lineKey, err)
		e.rollbackRemove(ctx, lineKey, existed)
		return resultFailed(err)
	}
	return resultOK()
}

func (e *FoodCartEngine) rollbackRemove(ctx context.Context, key string, existed bool) {
	e.optimistic.Clear(key)
	if !existed {
		return
	}
	remote, err := e.repo.Get(ctx, e.cfg.OwnerID, key)
	if err != nil || remote == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines[key] = *remote
}

// Lines returns the visible cart lines.
func (e *FoodCartEngine) Lines() []fooddom.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]fooddom.Item, 0, len(e.lines))
	for _, it := range e.lines {
		out = append(out, it)
	}
	return out
}

// Total is the locally derivable cart total (unit + extras, × qty).
func (e *FoodCartEngine) Total() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum float64
	for _, it := range e.lines {
		sum += it.LineTotal()
	}
	return sum
}

// ---------------------------------------------------------------
// Live updates / reconciliation
// ---------------------------------------------------------------

// EnableLiveUpdates attaches the live subscription; idempotent.
func (e *FoodCartEngine) EnableLiveUpdates(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.sub != nil && !e.sub.Done() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sub, err := e.watcher.Watch(ctx, e.cfg.OwnerID)
	if err != nil {
		return err
	}

	// Watch ran outside the lock; a concurrent attach may have won.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Cancel()
		return ErrClosed
	}
	if e.sub != nil && !e.sub.Done() {
		e.mu.Unlock()
		sub.Cancel()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()

	go e.reconcileLoop(sub)
	return nil
}

// DisableLiveUpdates detaches the subscription; idempotent.
func (e *FoodCartEngine) DisableLiveUpdates() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (e *FoodCartEngine) reconcileLoop(sub *syncer.Subscription) {
	for ev := range sub.Events() {
		e.applyEvent(ev)
	}
}

func (e *FoodCartEngine) applyEvent(ev syncer.Event) {
	if ev.Full != nil {
		if ev.Origin == syncer.OriginLocalCache {
			zap.S().Debugf("ignoring local-cache snapshot owner=%s", e.cfg.OwnerID)
			return
		}
		e.applyFullSnapshot(ev.Full)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range ev.Changes {
		switch ch.Kind {
		case syncer.ChangeAdded, syncer.ChangeModified:
			item, err := e.decode(ch.Data)
			if err != nil {
				zap.S().Warnf("skipping malformed food line owner=%s line=%s err=%v", e.cfg.OwnerID, ch.ID, err)
				continue
			}
			if _, intent, pending := e.optimistic.Get(ch.ID); pending && intent == syncer.IntentRemove {
				continue
			}
			item.Optimistic = false
			e.lines[ch.ID] = item
			e.optimistic.Clear(ch.ID)
		case syncer.ChangeRemoved:
			delete(e.lines, ch.ID)
			e.optimistic.Clear(ch.ID)
		}
	}
}

func (e *FoodCartEngine) applyFullSnapshot(full *syncer.FullSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := map[string]fooddom.Item{}
	for id, data := range full.Docs {
		item, err := e.decode(data)
		if err != nil {
			zap.S().Warnf("skipping malformed food line owner=%s line=%s err=%v", e.cfg.OwnerID, id, err)
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentRemove {
			continue
		}
		item.Optimistic = false
		next[id] = item
		e.optimistic.Clear(id)
	}
	for id, it := range e.lines {
		if _, exists := next[id]; exists {
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentAdd {
			next[id] = it
		}
	}
	e.lines = next
}

// Close tears the engine down.
func (e *FoodCartEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.DisableLiveUpdates()
	e.optimistic.ClearAll()
}
