// internal/application/engine/coupon.go
package engine

import (
	"context"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	coupondom "marketsync/internal/domain/coupon"
	syncer "marketsync/internal/sync"
)

// CouponDecoder converts a flat remote document into a coupon grant.
type CouponDecoder func(id string, data map[string]any) (coupondom.Coupon, error)

// BenefitDecoder converts a flat remote document into a benefit grant.
type BenefitDecoder func(id string, data map[string]any) (coupondom.Benefit, error)

// CouponConfig carries the per-engine tuning constants.
type CouponConfig struct {
	OwnerID string

	// MinimumMultiplier: cart total must reach amount × multiplier
	// before a coupon becomes applicable.
	MinimumMultiplier float64

	// ReadyAttempts × ReadyInterval bound the WaitReady poll.
	ReadyAttempts int
	ReadyInterval time.Duration

	Clock syncer.Clock
}

func (c *CouponConfig) normalize() {
	if c.MinimumMultiplier <= 0 {
		c.MinimumMultiplier = 2
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = 10
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 200 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = syncer.SystemClock()
	}
}

// CouponEngine maintains the live view of the user's coupon and
// benefit grants. Consumers register change callbacks to revalidate
// whatever they derived from a previous grant set.
type CouponEngine struct {
	cfg           CouponConfig
	repo          coupondom.Repository
	watcher       GrantWatcher
	decodeCoupon  CouponDecoder
	decodeBenefit BenefitDecoder

	mu       stdsync.Mutex
	coupons  map[string]coupondom.Coupon
	benefits map[string]coupondom.Benefit
	loaded   bool
	closed   bool
	onChange []func()

	couponSub  *syncer.Subscription
	benefitSub *syncer.Subscription
}

func NewCouponEngine(
	cfg CouponConfig,
	repo coupondom.Repository,
	watcher GrantWatcher,
	decodeCoupon CouponDecoder,
	decodeBenefit BenefitDecoder,
) *CouponEngine {
	cfg.normalize()
	return &CouponEngine{
		cfg:           cfg,
		repo:          repo,
		watcher:       watcher,
		decodeCoupon:  decodeCoupon,
		decodeBenefit: decodeBenefit,
		coupons:       map[string]coupondom.Coupon{},
		benefits:      map[string]coupondom.Benefit{},
	}
}

// OnChange registers a callback invoked (on the reconciler goroutine)
// whenever the live grant set changes. Registration is not revocable;
// callers gate on their own lifecycle.
func (e *CouponEngine) OnChange(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

func (e *CouponEngine) fireChange() {
	e.mu.Lock()
	fns := make([]func(), len(e.onChange))
	copy(fns, e.onChange)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Refresh loads the grant lists from the remote store. Marks the
// engine ready on success.
func (e *CouponEngine) Refresh(ctx context.Context) error {
	coupons, err := e.repo.ListCoupons(ctx, e.cfg.OwnerID)
	if err != nil {
		return err
	}
	benefits, err := e.repo.ListBenefits(ctx, e.cfg.OwnerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.coupons = map[string]coupondom.Coupon{}
	for _, c := range coupons {
		e.coupons[c.ID] = c
	}
	e.benefits = map[string]coupondom.Benefit{}
	for _, b := range benefits {
		e.benefits[b.ID] = b
	}
	e.loaded = true
	e.mu.Unlock()

	e.fireChange()
	return nil
}

// Ready reports whether at least one grant load has completed.
func (e *CouponEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// WaitReady polls until the grant set has loaded, bounded by the
// configured attempt count. Returns false when the bound is hit or ctx
// ends first; callers proceed without grants in that case.
func (e *CouponEngine) WaitReady(ctx context.Context) bool {
	for attempt := 0; attempt < e.cfg.ReadyAttempts; attempt++ {
		if e.Ready() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.cfg.ReadyInterval):
		}
	}
	return e.Ready()
}

// Coupons returns the currently valid coupons.
func (e *CouponEngine) Coupons() []coupondom.Coupon {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]coupondom.Coupon, 0, len(e.coupons))
	for _, c := range e.coupons {
		if c.IsValid(now) {
			out = append(out, c)
		}
	}
	return out
}

// Benefits returns the currently valid benefits.
func (e *CouponEngine) Benefits() []coupondom.Benefit {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]coupondom.Benefit, 0, len(e.benefits))
	for _, b := range e.benefits {
		if b.IsValid(now) {
			out = append(out, b)
		}
	}
	return out
}

// Coupon returns the valid coupon with the given id, or nil.
func (e *CouponEngine) Coupon(id string) *coupondom.Coupon {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.coupons[id]
	if !ok || !c.IsValid(now) {
		return nil
	}
	return &c
}

// Benefit returns the valid benefit with the given id, or nil.
func (e *CouponEngine) Benefit(id string) *coupondom.Benefit {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.benefits[id]
	if !ok || !b.IsValid(now) {
		return nil
	}
	return &b
}

// FreeShippingBenefit returns a valid free-shipping benefit, or nil.
func (e *CouponEngine) FreeShippingBenefit() *coupondom.Benefit {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.benefits {
		if b.Kind == coupondom.BenefitFreeShipping && b.IsValid(now) {
			return &b
		}
	}
	return nil
}

// Best picks the best coupon for cartTotal from the valid set.
func (e *CouponEngine) Best(cartTotal float64) *coupondom.Coupon {
	return coupondom.BestFor(e.Coupons(), cartTotal, e.cfg.MinimumMultiplier)
}

// ---------------------------------------------------------------
// Live updates
// ---------------------------------------------------------------

// EnableLiveUpdates attaches live listens on both grant collections;
// idempotent.
func (e *CouponEngine) EnableLiveUpdates(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.couponSub != nil && !e.couponSub.Done() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	csub, err := e.watcher.WatchCoupons(ctx, e.cfg.OwnerID)
	if err != nil {
		return err
	}
	bsub, err := e.watcher.WatchBenefits(ctx, e.cfg.OwnerID)
	if err != nil {
		csub.Cancel()
		return err
	}

	// The watches ran outside the lock; a concurrent attach may have won.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		csub.Cancel()
		bsub.Cancel()
		return ErrClosed
	}
	if e.couponSub != nil && !e.couponSub.Done() {
		e.mu.Unlock()
		csub.Cancel()
		bsub.Cancel()
		return nil
	}
	e.couponSub = csub
	e.benefitSub = bsub
	e.mu.Unlock()

	go e.reconcileCoupons(csub)
	go e.reconcileBenefits(bsub)
	return nil
}

// DisableLiveUpdates detaches both subscriptions; idempotent.
func (e *CouponEngine) DisableLiveUpdates() {
	e.mu.Lock()
	csub, bsub := e.couponSub, e.benefitSub
	e.couponSub, e.benefitSub = nil, nil
	e.mu.Unlock()
	if csub != nil {
		csub.Cancel()
	}
	if bsub != nil {
		bsub.Cancel()
	}
}

func (e *CouponEngine) reconcileCoupons(sub *syncer.Subscription) {
	for ev := range sub.Events() {
		if ev.Origin == syncer.OriginLocalCache {
			continue
		}
		e.applyCouponEvent(ev)
		e.fireChange()
	}
}

func (e *CouponEngine) applyCouponEvent(ev syncer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Full != nil {
		next := map[string]coupondom.Coupon{}
		for id, data := range ev.Full.Docs {
			c, err := e.decodeCoupon(id, data)
			if err != nil {
				zap.S().Warnf("skipping malformed coupon owner=%s id=%s err=%v", e.cfg.OwnerID, id, err)
				continue
			}
			next[id] = c
		}
		e.coupons = next
		e.loaded = true
		return
	}

	for _, ch := range ev.Changes {
		switch ch.Kind {
		case syncer.ChangeAdded, syncer.ChangeModified:
			c, err := e.decodeCoupon(ch.ID, ch.Data)
			if err != nil {
				zap.S().Warnf("skipping malformed coupon owner=%s id=%s err=%v", e.cfg.OwnerID, ch.ID, err)
				continue
			}
			e.coupons[ch.ID] = c
		case syncer.ChangeRemoved:
			delete(e.coupons, ch.ID)
		}
	}
}

func (e *CouponEngine) reconcileBenefits(sub *syncer.Subscription) {
	for ev := range sub.Events() {
		if ev.Origin == syncer.OriginLocalCache {
			continue
		}
		e.applyBenefitEvent(ev)
		e.fireChange()
	}
}

func (e *CouponEngine) applyBenefitEvent(ev syncer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Full != nil {
		next := map[string]coupondom.Benefit{}
		for id, data := range ev.Full.Docs {
			b, err := e.decodeBenefit(id, data)
			if err != nil {
				zap.S().Warnf("skipping malformed benefit owner=%s id=%s err=%v", e.cfg.OwnerID, id, err)
				continue
			}
			next[id] = b
		}
		e.benefits = next
		return
	}

	for _, ch := range ev.Changes {
		switch ch.Kind {
		case syncer.ChangeAdded, syncer.ChangeModified:
			b, err := e.decodeBenefit(ch.ID, ch.Data)
			if err != nil {
				zap.S().Warnf("skipping malformed benefit owner=%s id=%s err=%v", e.cfg.OwnerID, ch.ID, err)
				continue
			}
			e.benefits[ch.ID] = b
		case syncer.ChangeRemoved:
			delete(e.benefits, ch.ID)
		}
	}
}

// Close tears the engine down.
func (e *CouponEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.DisableLiveUpdates()
}
