// internal/application/engine/favorites.go
package engine

import (
	"context"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	favdom "marketsync/internal/domain/favorite"
	syncer "marketsync/internal/sync"
)

// FavoriteItemDecoder converts a flat remote document into a favorite
// item, rejecting records with missing required display fields.
type FavoriteItemDecoder func(id string, data map[string]any) (favdom.Item, error)

// FavoritesConfig carries the per-engine tuning constants.
type FavoritesConfig struct {
	OwnerID       string
	BasketID      string
	PageSize      int
	AddTimeout    time.Duration
	RemoveTimeout time.Duration
	Cooldown      time.Duration
	Clock         syncer.Clock
}

func (c *FavoritesConfig) normalize() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
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

// FavoritesEngine synchronizes one user's favorites, scoped to a
// basket. Switching baskets resets pagination and re-attaches the
// live subscription to the new scope.
type FavoritesEngine struct {
	cfg     FavoritesConfig
	repo    favdom.Repository
	watcher FavoriteWatcher
	decode  FavoriteItemDecoder

	limiter    *syncer.RateLimiter
	optimistic *syncer.OptimisticCache[favdom.Item]
	flight     syncer.Flight
	locks      *syncer.KeyedLock

	mu       stdsync.Mutex
	basketID string
	items    map[string]favdom.Item
	cursor   *time.Time
	hasMore  bool
	closed   bool

	sub *syncer.Subscription

	// search supersession: a newly issued search cancels the pending
	// one; a superseded completion must not overwrite newer results
	searchCancel context.CancelFunc
	searchGen    uint64
	lastSearch   []favdom.Item
}

func NewFavoritesEngine(
	cfg FavoritesConfig,
	repo favdom.Repository,
	watcher FavoriteWatcher,
	decode FavoriteItemDecoder,
) *FavoritesEngine {
	cfg.normalize()

	e := &FavoritesEngine{
		cfg:      cfg,
		repo:     repo,
		watcher:  watcher,
		decode:   decode,
		limiter:  syncer.NewRateLimiterWithClock(cfg.Cooldown, cfg.Clock),
		locks:    syncer.NewKeyedLock(),
		basketID: cfg.BasketID,
		items:    map[string]favdom.Item{},
		hasMore:  true,
	}
	e.optimistic = syncer.NewOptimisticCache[favdom.Item](e.onOptimisticExpire)
	return e
}

func (e *FavoritesEngine) onOptimisticExpire(id string, intent syncer.Intent) {
	if intent != syncer.IntentAdd {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if it, ok := e.items[id]; ok && it.Optimistic {
		it.Optimistic = false
		e.items[id] = it
	}
}

// BasketID returns the current scope.
func (e *FavoritesEngine) BasketID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.basketID
}

// SwitchBasket changes the query scope: pagination and the item cache
// reset, and an attached live subscription follows the new scope.
func (e *FavoritesEngine) SwitchBasket(ctx context.Context, basketID string) error {
	bid := strings.TrimSpace(basketID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if bid == e.basketID {
		e.mu.Unlock()
		return nil
	}
	e.basketID = bid
	wasLive := e.sub != nil && !e.sub.Done()
	e.mu.Unlock()

	e.optimistic.ClearAll()
	e.ResetPagination()

	if wasLive {
		e.DisableLiveUpdates()
		return e.EnableLiveUpdates(ctx)
	}
	return nil
}

// ---------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------

// Add favorites an item in the current basket.
func (e *FavoritesEngine) Add(ctx context.Context, item favdom.Item) MutationResult {
	iid := strings.TrimSpace(item.ItemID)
	if iid == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if !e.limiter.CanProceed("fav:" + iid) {
		return resultRateLimited()
	}

	now := e.cfg.Clock.Now()
	if item.AddedAt.IsZero() {
		item.AddedAt = now
	}
	item.UpdatedAt = now
	item.Optimistic = true

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	item.BasketID = e.basketID
	prev, existed := e.items[iid]
	e.items[iid] = item
	e.mu.Unlock()

	e.optimistic.PutAdd(iid, item, e.cfg.AddTimeout)

	if !e.locks.TryLock(iid) {
		e.rollbackAdd(iid, prev, existed)
		return resultBusy()
	}
	defer e.locks.Unlock(iid)

	if err := e.repo.Set(ctx, e.cfg.OwnerID, item); err != nil {
		zap.S().Warnf("favorite add failed owner=%s item=%s err=%v", e.cfg.OwnerID, iid, err)
		e.rollbackAdd(iid, prev, existed)
		return resultFailed(err)
	}
	return resultOK()
}

func (e *FavoritesEngine) rollbackAdd(id string, prev favdom.Item, existed bool) {
	e.optimistic.Clear(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existed {
		e.items[id] = prev
	} else {
		delete(e.items, id)
	}
}

// Remove unfavorites an item.
func (e *FavoritesEngine) Remove(ctx context.Context, itemID string) MutationResult {
	iid := strings.TrimSpace(itemID)
	if iid == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if !e.limiter.CanProceed("unfav:" + iid) {
		return resultRateLimited()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	basketID := e.basketID
	_, existed := e.items[iid]
	delete(e.items, iid)
	e.mu.Unlock()

	e.optimistic.PutRemove(iid, e.cfg.RemoveTimeout)

	if !e.locks.TryLock(iid) {
		e.rollbackRemove(ctx, iid, basketID, existed)
		return resultBusy()
	}
	defer e.locks.Unlock(iid)

	if err := e.repo.Delete(ctx, e.cfg.OwnerID, basketID, iid); err != nil {
		zap.S().Warnf("favorite remove failed owner=%s item=%s err=%v", e.cfg.OwnerID, iid, err)
		e.rollbackRemove(ctx, iid, basketID, existed)
		return resultFailed(err)
	}
	return resultOK()
}

// rollbackRemove re-inserts only when the remote store still has the
// document; membership is verified, not assumed.
func (e *FavoritesEngine) rollbackRemove(ctx context.Context, id, basketID string, existed bool) {
	e.optimistic.Clear(id)
	if !existed {
		return
	}
	remote, err := e.repo.Get(ctx, e.cfg.OwnerID, basketID, id)
	if err != nil || remote == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items[id] = *remote
}

// Toggle adds the item if absent, removes it if present.
func (e *FavoritesEngine) Toggle(ctx context.Context, item favdom.Item) MutationResult {
	e.mu.Lock()
	_, present := e.items[strings.TrimSpace(item.ItemID)]
	e.mu.Unlock()

	if present {
		return e.Remove(ctx, item.ItemID)
	}
	return e.Add(ctx, item)
}

// ---------------------------------------------------------------
// Reads / pagination
// ---------------------------------------------------------------

// Items returns the visible favorites, newest first.
func (e *FavoritesEngine) Items() []favdom.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]favdom.Item, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, it)
	}
	sortFavorites(out)
	return out
}

// Contains reports membership of itemID in the visible set.
func (e *FavoritesEngine) Contains(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.items[strings.TrimSpace(itemID)]
	return ok
}

// LoadNextPage loads and merges the next page of the current basket.
// Concurrent calls coalesce into one fetch.
func (e *FavoritesEngine) LoadNextPage(ctx context.Context) (added int, hasMore bool, err error) {
	type pageResult struct {
		added   int
		hasMore bool
	}

	v, err, _ := e.flight.Do("page", func() (any, error) {
		e.mu.Lock()
		if !e.hasMore {
			e.mu.Unlock()
			return pageResult{}, nil
		}
		cursor := e.cursor
		basketID := e.basketID
		e.mu.Unlock()

		page, err := e.repo.ListPage(ctx, e.cfg.OwnerID, basketID, cursor, e.cfg.PageSize)
		if err != nil {
			return pageResult{}, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if basketID != e.basketID {
			// scope changed while the fetch was in flight; drop it
			return pageResult{hasMore: e.hasMore}, nil
		}
		n := 0
		for i := range page.Items {
			id := page.Items[i].ItemID
			if _, exists := e.items[id]; exists {
				continue
			}
			if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentRemove {
				continue
			}
			e.items[id] = page.Items[i]
			n++
		}
		e.cursor = page.Next
		e.hasMore = page.HasMore
		return pageResult{added: n, hasMore: page.HasMore}, nil
	})
	if err != nil {
		return 0, true, err
	}
	res := v.(pageResult)
	return res.added, res.hasMore, nil
}

// HasMore reports whether another page may exist in the current scope.
func (e *FavoritesEngine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// ResetPagination clears the cursor, hasMore and the item cache.
func (e *FavoritesEngine) ResetPagination() {
	e.flight.Forget("page")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = nil
	e.hasMore = true
	e.items = map[string]favdom.Item{}
}

// ---------------------------------------------------------------
// Filtered search with supersession
// ---------------------------------------------------------------

// Search runs a name-prefix search in the current basket. A newly
// issued search supersedes and cancels any still-pending one; the
// superseded completion is a no-op and never overwrites newer results.
func (e *FavoritesEngine) Search(ctx context.Context, query string) ([]favdom.Item, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.searchCancel != nil {
		e.searchCancel()
	}
	searchCtx, cancel := context.WithCancel(ctx)
	e.searchCancel = cancel
	e.searchGen++
	gen := e.searchGen
	basketID := e.basketID
	e.mu.Unlock()

	items, err := e.repo.Search(searchCtx, e.cfg.OwnerID, basketID, query, e.cfg.PageSize)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.searchGen {
		// superseded: newer search owns the result slot
		return nil, context.Canceled
	}
	if err != nil {
		return nil, err
	}
	e.lastSearch = items
	return items, nil
}

// LastSearch returns the most recent non-superseded search results.
func (e *FavoritesEngine) LastSearch() []favdom.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]favdom.Item(nil), e.lastSearch...)
}

// ---------------------------------------------------------------
// Live updates / reconciliation
// ---------------------------------------------------------------

// EnableLiveUpdates attaches the live subscription for the current
// basket. Idempotent while attached.
func (e *FavoritesEngine) EnableLiveUpdates(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.sub != nil && !e.sub.Done() {
		e.mu.Unlock()
		return nil
	}
	basketID := e.basketID
	e.mu.Unlock()

	sub, err := e.watcher.Watch(ctx, e.cfg.OwnerID, basketID)
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
func (e *FavoritesEngine) DisableLiveUpdates() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (e *FavoritesEngine) reconcileLoop(sub *syncer.Subscription) {
	for ev := range sub.Events() {
		e.applyEvent(ev)
	}
}

func (e *FavoritesEngine) applyEvent(ev syncer.Event) {
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
			item, err := e.decode(ch.ID, ch.Data)
			if err != nil {
				zap.S().Warnf("skipping malformed favorite record owner=%s item=%s err=%v", e.cfg.OwnerID, ch.ID, err)
				continue
			}
			if _, intent, pending := e.optimistic.Get(ch.ID); pending && intent == syncer.IntentRemove {
				continue
			}
			item.Optimistic = false
			e.items[ch.ID] = item
			e.optimistic.Clear(ch.ID)
		case syncer.ChangeRemoved:
			delete(e.items, ch.ID)
			e.optimistic.Clear(ch.ID)
		}
	}
}

func (e *FavoritesEngine) applyFullSnapshot(full *syncer.FullSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := map[string]favdom.Item{}
	for id, data := range full.Docs {
		item, err := e.decode(id, data)
		if err != nil {
			zap.S().Warnf("skipping malformed favorite record owner=%s item=%s err=%v", e.cfg.OwnerID, id, err)
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentRemove {
			continue
		}
		item.Optimistic = false
		next[id] = item
		e.optimistic.Clear(id)
	}
	for id, it := range e.items {
		if _, exists := next[id]; exists {
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentAdd {
			next[id] = it
		}
	}
	e.items = next
}

// Close tears down the engine: cancels any pending search, detaches
// the subscription and stops all optimistic timers.
func (e *FavoritesEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.searchCancel != nil {
		e.searchCancel()
		e.searchCancel = nil
	}
	e.mu.Unlock()

	e.DisableLiveUpdates()
	e.optimistic.ClearAll()
}

// sortFavorites orders newest first, id tiebreak for a stable order.
func sortFavorites(items []favdom.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.After(items[j].AddedAt)
		}
		return items[i].ItemID < items[j].ItemID
	})
}
