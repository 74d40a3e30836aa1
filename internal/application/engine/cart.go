// internal/application/engine/cart.go
package engine

import (
	"context"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	cartdom "marketsync/internal/domain/cart"
	syncer "marketsync/internal/sync"
)

// CartItemDecoder converts a flat remote document into a cart item,
// rejecting records with missing required display fields.
type CartItemDecoder func(id string, data map[string]any) (cartdom.Item, error)

// CartConfig carries the per-engine tuning constants.
type CartConfig struct {
	OwnerID       string
	PageSize      int
	AddTimeout    time.Duration // optimistic add confirmation bound
	RemoveTimeout time.Duration // optimistic remove marker bound
	Cooldown      time.Duration // per-key mutation cooldown
	ReauthWindow  time.Duration // checkout re-verification freshness
	Clock         syncer.Clock
}

func (c *CartConfig) normalize() {
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
	if c.ReauthWindow <= 0 {
		c.ReauthWindow = 2 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = syncer.SystemClock()
	}
}

// CartEngine owns the authoritative local cart state for one
// (user, collection) scope and keeps it synchronized with the remote
// store: mutations apply optimistically first, then write remotely,
// and roll back on failure; the reconciler merges server-originated
// changes at any time.
//
// Exactly one instance per scope; the DI container enforces that.
type CartEngine struct {
	cfg      CartConfig
	repo     cartdom.Repository
	watcher  CartWatcher
	gateway  TotalsGateway
	verifier ReauthVerifier
	decode   CartItemDecoder

	limiter    *syncer.RateLimiter
	optimistic *syncer.OptimisticCache[cartdom.Item]
	totals     *syncer.ResultCache
	flight     syncer.Flight
	locks      *syncer.KeyedLock

	mu      stdsync.Mutex
	items   map[string]cartdom.Item
	sorted  []cartdom.Item
	cursor  *time.Time
	hasMore bool
	closed  bool

	sub *syncer.Subscription

	lastReauth time.Time
}

// NewCartEngine wires a cart engine. totals is the process-wide
// aggregate result cache owned by the container. verifier may be nil
// when no auth backend is configured; VerifyReauth then always fails.
func NewCartEngine(
	cfg CartConfig,
	repo cartdom.Repository,
	watcher CartWatcher,
	gateway TotalsGateway,
	verifier ReauthVerifier,
	totals *syncer.ResultCache,
	decode CartItemDecoder,
) *CartEngine {
	cfg.normalize()

	e := &CartEngine{
		cfg:      cfg,
		repo:     repo,
		watcher:  watcher,
		gateway:  gateway,
		verifier: verifier,
		decode:   decode,
		limiter:  syncer.NewRateLimiterWithClock(cfg.Cooldown, cfg.Clock),
		totals:   totals,
		locks:    syncer.NewKeyedLock(),
		items:    map[string]cartdom.Item{},
		hasMore:  true,
	}
	e.optimistic = syncer.NewOptimisticCache[cartdom.Item](e.onOptimisticExpire)
	return e
}

// onOptimisticExpire force-clears the optimistic flag when no
// confirmation arrived within the bound. Self-healing, not an error.
func (e *CartEngine) onOptimisticExpire(id string, intent syncer.Intent) {
	if intent != syncer.IntentAdd {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if it, ok := e.items[id]; ok && it.Optimistic {
		it.Optimistic = false
		e.items[id] = it
		e.resortLocked()
	}
}

// ---------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------

// AddItem makes the item visible immediately, then persists it.
func (e *CartEngine) AddItem(ctx context.Context, item cartdom.Item) MutationResult {
	iid := strings.TrimSpace(item.ItemID)
	if iid == "" || item.Quantity < 1 {
		return resultFailed(ErrInvalidArgument)
	}
	if !e.limiter.CanProceed("add:" + iid) {
		return resultRateLimited()
	}

	now := e.cfg.Clock.Now()
	if item.AddedAt.IsZero() {
		item.AddedAt = now
	}
	item.UpdatedAt = now
	item.Optimistic = true

	// optimistic apply, remembering prior membership for rollback
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	prev, existed := e.items[iid]
	e.items[iid] = item
	e.resortLocked()
	e.mu.Unlock()

	e.optimistic.PutAdd(iid, item, e.cfg.AddTimeout)
	e.totals.InvalidateOwner(e.cfg.OwnerID)

	if !e.locks.TryLock(iid) {
		e.rollbackAdd(iid, prev, existed)
		return resultBusy()
	}
	defer e.locks.Unlock(iid)

	if err := e.repo.Set(ctx, e.cfg.OwnerID, item); err != nil {
		zap.S().Warnf("cart add failed owner=%s item=%s err=%v", e.cfg.OwnerID, iid, err)
		e.rollbackAdd(iid, prev, existed)
		return resultFailed(err)
	}
	return resultOK()
}

// rollbackAdd restores exactly the prior membership and quantity.
func (e *CartEngine) rollbackAdd(id string, prev cartdom.Item, existed bool) {
	e.optimistic.Clear(id)
	e.mu.Lock()
	if existed {
		e.items[id] = prev
	} else {
		delete(e.items, id)
	}
	e.resortLocked()
	e.mu.Unlock()
	e.totals.InvalidateOwner(e.cfg.OwnerID)
}

// RemoveItem hides the item immediately and records a deletion marker
// so a stale snapshot cannot resurrect it, then deletes remotely.
func (e *CartEngine) RemoveItem(ctx context.Context, itemID string) MutationResult {
	iid := strings.TrimSpace(itemID)
	if iid == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if !e.limiter.CanProceed("remove:" + iid) {
		return resultRateLimited()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	_, existed := e.items[iid]
	delete(e.items, iid)
	e.resortLocked()
	e.mu.Unlock()

	e.optimistic.PutRemove(iid, e.cfg.RemoveTimeout)
	e.totals.InvalidateOwner(e.cfg.OwnerID)

	if !e.locks.TryLock(iid) {
		e.rollbackRemove(ctx, iid, existed)
		return resultBusy()
	}
	defer e.locks.Unlock(iid)

	if err := e.repo.Delete(ctx, e.cfg.OwnerID, iid); err != nil {
		zap.S().Warnf("cart remove failed owner=%s item=%s err=%v", e.cfg.OwnerID, iid, err)
		e.rollbackRemove(ctx, iid, existed)
		return resultFailed(err)
	}
	return resultOK()
}

// rollbackRemove re-inserts the id only if the remote store still has
// the document; membership is verified, not assumed.
func (e *CartEngine) rollbackRemove(ctx context.Context, id string, existed bool) {
	e.optimistic.Clear(id)
	if !existed {
		return
	}
	remote, err := e.repo.Get(ctx, e.cfg.OwnerID, id)
	if err != nil || remote == nil {
		return
	}
	e.mu.Lock()
	e.items[id] = *remote
	e.resortLocked()
	e.mu.Unlock()
	e.totals.InvalidateOwner(e.cfg.OwnerID)
}

// RemoveItems removes all given items in one atomic batched write.
func (e *CartEngine) RemoveItems(ctx context.Context, itemIDs []string) MutationResult {
	ids := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if iid := strings.TrimSpace(id); iid != "" {
			ids = append(ids, iid)
		}
	}
	if len(ids) == 0 {
		return resultFailed(ErrInvalidArgument)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	prior := make(map[string]cartdom.Item, len(ids))
	for _, id := range ids {
		if it, ok := e.items[id]; ok {
			prior[id] = it
			delete(e.items, id)
		}
	}
	e.resortLocked()
	e.mu.Unlock()

	for _, id := range ids {
		e.optimistic.PutRemove(id, e.cfg.RemoveTimeout)
	}
	e.totals.InvalidateOwner(e.cfg.OwnerID)

	if err := e.repo.DeleteMany(ctx, e.cfg.OwnerID, ids); err != nil {
		zap.S().Warnf("cart batch remove failed owner=%s n=%d err=%v", e.cfg.OwnerID, len(ids), err)
		e.mu.Lock()
		for id, it := range prior {
			e.items[id] = it
			e.optimistic.Clear(id)
		}
		e.resortLocked()
		e.mu.Unlock()
		e.totals.InvalidateOwner(e.cfg.OwnerID)
		return resultFailed(err)
	}
	return resultOK()
}

// UpdateQuantity sets the quantity for an item. A value ≤ 0 is
// equivalent to removal. Concurrent updates for the same item are
// coalesced: the second call awaits the first and shares its result.
func (e *CartEngine) UpdateQuantity(ctx context.Context, itemID string, quantity int) MutationResult {
	iid := strings.TrimSpace(itemID)
	if iid == "" {
		return resultFailed(ErrInvalidArgument)
	}
	if quantity < 1 {
		return e.RemoveItem(ctx, iid)
	}

	v, _, _ := e.flight.Do("qty:"+iid, func() (any, error) {
		return e.updateQuantityOnce(ctx, iid, quantity), nil
	})
	res, ok := v.(MutationResult)
	if !ok {
		return resultFailed(ErrInvalidArgument)
	}
	return res
}

func (e *CartEngine) updateQuantityOnce(ctx context.Context, id string, quantity int) MutationResult {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resultFailed(ErrClosed)
	}
	prev, existed := e.items[id]
	if !existed {
		e.mu.Unlock()
		return resultFailed(ErrInvalidArgument)
	}
	next := prev
	next.Quantity = quantity
	next.UpdatedAt = e.cfg.Clock.Now()
	next.Optimistic = true
	e.items[id] = next
	e.resortLocked()
	e.mu.Unlock()

	e.optimistic.PutAdd(id, next, e.cfg.AddTimeout)
	e.totals.InvalidateOwner(e.cfg.OwnerID)

	if !e.locks.TryLock(id) {
		e.rollbackAdd(id, prev, true)
		return resultBusy()
	}
	defer e.locks.Unlock(id)

	if err := e.repo.UpdateQuantity(ctx, e.cfg.OwnerID, id, quantity); err != nil {
		zap.S().Warnf("cart quantity update failed owner=%s item=%s err=%v", e.cfg.OwnerID, id, err)
		e.rollbackAdd(id, prev, true)
		return resultFailed(err)
	}
	return resultOK()
}

// ---------------------------------------------------------------
// Reads
// ---------------------------------------------------------------

// Items returns the current item list in display order
// (seller id asc, add time desc, seller headers computed).
func (e *CartEngine) Items() []cartdom.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cartdom.Clone(e.sorted)
}

// Count is the number of visible line entries.
func (e *CartEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// Contains reports membership of itemID in the visible set.
func (e *CartEngine) Contains(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.items[strings.TrimSpace(itemID)]
	return ok
}

// resortLocked rebuilds the display order. Caller holds e.mu.
func (e *CartEngine) resortLocked() {
	sorted := make([]cartdom.Item, 0, len(e.items))
	for _, it := range e.items {
		sorted = append(sorted, it)
	}
	cartdom.Sort(sorted)
	e.sorted = sorted
}

// ---------------------------------------------------------------
// Pagination
// ---------------------------------------------------------------

// LoadNextPage loads and merges the next page. A second call while a
// load is already in flight awaits and returns the in-flight result.
func (e *CartEngine) LoadNextPage(ctx context.Context) (added int, hasMore bool, err error) {
	type pageResult struct {
		added   int
		hasMore bool
	}

	v, err, _ := e.flight.Do("page", func() (any, error) {
		e.mu.Lock()
		if !e.hasMore {
			e.mu.Unlock()
			return pageResult{added: 0, hasMore: false}, nil
		}
		cursor := e.cursor
		e.mu.Unlock()

		page, err := e.repo.ListPage(ctx, e.cfg.OwnerID, cursor, e.cfg.PageSize)
		if err != nil {
			return pageResult{}, err
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		n := 0
		for i := range page.Items {
			id := page.Items[i].ItemID
			// de-duplicate: an item already present (optimistic add or
			// prior page) is not duplicated; a pending remove marker
			// must not resurrect it either
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
		e.resortLocked()
		return pageResult{added: n, hasMore: page.HasMore}, nil
	})
	if err != nil {
		return 0, e.HasMore(), err
	}
	res := v.(pageResult)
	return res.added, res.hasMore, nil
}

// HasMore reports whether another page may exist.
func (e *CartEngine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// ResetPagination clears the cursor, the hasMore flag and the
// accumulated item cache. Pending optimistic adds stay visible.
func (e *CartEngine) ResetPagination() {
	e.flight.Forget("page")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = nil
	e.hasMore = true
	e.items = map[string]cartdom.Item{}
	for _, it := range e.sorted {
		if it.Optimistic {
			e.items[it.ItemID] = it
		}
	}
	e.resortLocked()
}

// ---------------------------------------------------------------
// Totals / checkout validation
// ---------------------------------------------------------------

// Totals computes the aggregate for the given item ids (default: the
// full current set). The local cache is checked before any remote
// call; concurrent calls for the same id-set are coalesced into one
// outstanding request. On gateway failure the zero result is returned
// with Unavailable set.
func (e *CartEngine) Totals(ctx context.Context, selectedIDs ...string) TotalsResult {
	ids := selectedIDs
	if len(ids) == 0 {
		e.mu.Lock()
		ids = cartdom.IDs(e.sorted)
		e.mu.Unlock()
	}
	if len(ids) == 0 {
		return TotalsResult{}
	}

	key := syncer.ResultKey(e.cfg.OwnerID, ids)
	if cached, ok := e.totals.Get(key); ok {
		if res, ok := cached.(TotalsResult); ok {
			return res
		}
	}

	v, err, _ := e.flight.Do("totals:"+key, func() (any, error) {
		res, err := e.gateway.CalculateTotals(ctx, e.cfg.OwnerID, ids)
		if err != nil {
			return TotalsResult{}, err
		}
		return res, nil
	})
	if err != nil {
		zap.S().Warnf("totals computation unavailable owner=%s err=%v", e.cfg.OwnerID, err)
		return TotalsResult{Unavailable: true}
	}

	res := v.(TotalsResult)
	e.totals.Set(key, res)
	return res
}

// VerifyReauth checks the re-authentication proof against the auth
// backend and, when the token belongs to this engine's owner, opens
// the checkout window. The caller obtains idToken after completing
// the second factor.
func (e *CartEngine) VerifyReauth(ctx context.Context, idToken string) error {
	token := strings.TrimSpace(idToken)
	if token == "" {
		return ErrInvalidArgument
	}
	if e.verifier == nil {
		return ErrReauthUnavailable
	}

	uid, err := e.verifier.Verify(ctx, token)
	if err != nil {
		zap.S().Warnf("reauthentication verification failed owner=%s err=%v", e.cfg.OwnerID, err)
		return err
	}
	if uid != e.cfg.OwnerID {
		zap.S().Warnf("reauthentication subject mismatch owner=%s uid=%s", e.cfg.OwnerID, uid)
		return ErrReauthWrongSubject
	}

	e.MarkReauthenticated()
	return nil
}

// MarkReauthenticated records a completed two-factor re-verification.
// VerifyReauth calls this after a successful token check; it is also
// the entry point for callers that verified out of band.
func (e *CartEngine) MarkReauthenticated() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReauth = e.cfg.Clock.Now()
}

// ValidateCheckout sends the cached per-item pricing fields for
// server-side validation. A stale re-verification window fails
// locally; a gateway failure degrades to Unavailable.
func (e *CartEngine) ValidateCheckout(ctx context.Context) ValidationResult {
	e.mu.Lock()
	fresh := !e.lastReauth.IsZero() && e.cfg.Clock.Now().Sub(e.lastReauth) < e.cfg.ReauthWindow
	lines := make([]CheckoutLine, 0, len(e.sorted))
	for i := range e.sorted {
		it := e.sorted[i]
		lines = append(lines, CheckoutLine{
			ItemID:        it.ItemID,
			Quantity:      it.Quantity,
			Price:         it.Price,
			DiscountPrice: it.DiscountPrice,
			BundleID:      it.BundleID,
		})
	}
	e.mu.Unlock()

	if !fresh {
		return ValidationResult{Valid: false, Reasons: []string{"reauthentication required"}}
	}
	if len(lines) == 0 {
		return ValidationResult{Valid: false, Reasons: []string{"cart is empty"}}
	}

	res, err := e.gateway.ValidateCheckout(ctx, e.cfg.OwnerID, lines)
	if err != nil {
		zap.S().Warnf("checkout validation unavailable owner=%s err=%v", e.cfg.OwnerID, err)
		return ValidationResult{Unavailable: true}
	}
	return res
}

// ---------------------------------------------------------------
// Live updates / reconciliation
// ---------------------------------------------------------------

// EnableLiveUpdates attaches the live subscription. Idempotent: a
// second call while attached is a no-op.
func (e *CartEngine) EnableLiveUpdates(ctx context.Context) error {
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

// DisableLiveUpdates detaches and releases the subscription.
// Idempotent: safe to call when already detached.
func (e *CartEngine) DisableLiveUpdates() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (e *CartEngine) reconcileLoop(sub *syncer.Subscription) {
	for ev := range sub.Events() {
		e.applyEvent(ev)
	}
}

// applyEvent merges one reconciliation event into authoritative state.
func (e *CartEngine) applyEvent(ev syncer.Event) {
	if ev.Full != nil {
		if ev.Origin == syncer.OriginLocalCache {
			// local echo must not advance authoritative state
			zap.S().Debugf("ignoring local-cache snapshot owner=%s", e.cfg.OwnerID)
			return
		}
		e.applyFullSnapshot(ev.Full)
		return
	}
	if len(ev.Changes) == 0 {
		return
	}

	e.mu.Lock()
	dirty := false
	for _, ch := range ev.Changes {
		switch ch.Kind {
		case syncer.ChangeAdded, syncer.ChangeModified:
			if e.upsertFromRemoteLocked(ch.ID, ch.Data) {
				dirty = true
			}
		case syncer.ChangeRemoved:
			if _, ok := e.items[ch.ID]; ok {
				delete(e.items, ch.ID)
				dirty = true
			}
			e.optimistic.Clear(ch.ID)
		}
	}
	if dirty {
		e.resortLocked()
	}
	e.mu.Unlock()

	if dirty {
		e.totals.InvalidateOwner(e.cfg.OwnerID)
	}
}

// upsertFromRemoteLocked validates and applies one added/modified
// record. Malformed records are logged and skipped; prior state for
// that id is preserved. Caller holds e.mu.
func (e *CartEngine) upsertFromRemoteLocked(id string, data map[string]any) bool {
	item, err := e.decode(id, data)
	if err != nil {
		zap.S().Warnf("skipping malformed cart record owner=%s item=%s err=%v", e.cfg.OwnerID, id, err)
		return false
	}

	// a pending deletion marker wins over a stale snapshot record
	if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentRemove {
		return false
	}

	item.Optimistic = false
	e.items[id] = item
	e.optimistic.Clear(id)
	return true
}

// applyFullSnapshot rebuilds authoritative state from a confirmed
// server snapshot (initial sync and drift correction). Items with a
// pending optimistic add stay visible until confirm or expiry.
func (e *CartEngine) applyFullSnapshot(full *syncer.FullSnapshot) {
	e.mu.Lock()
	next := map[string]cartdom.Item{}
	for id, data := range full.Docs {
		item, err := e.decode(id, data)
		if err != nil {
			zap.S().Warnf("skipping malformed cart record owner=%s item=%s err=%v", e.cfg.OwnerID, id, err)
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentRemove {
			continue
		}
		item.Optimistic = false
		next[id] = item
		e.optimistic.Clear(id)
	}
	// keep unconfirmed optimistic adds visible
	for id, it := range e.items {
		if _, exists := next[id]; exists {
			continue
		}
		if _, intent, pending := e.optimistic.Get(id); pending && intent == syncer.IntentAdd {
			next[id] = it
		}
	}
	e.items = next
	e.resortLocked()
	e.mu.Unlock()

	e.totals.InvalidateOwner(e.cfg.OwnerID)
}

// Close tears the engine down: detaches the subscription and stops
// every optimistic timer so none fires against torn-down state.
func (e *CartEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.DisableLiveUpdates()
	e.optimistic.ClearAll()
	e.totals.InvalidateOwner(e.cfg.OwnerID)
}
