// internal/application/engine/coupon_test.go
package engine

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coupondom "marketsync/internal/domain/coupon"
	syncer "marketsync/internal/sync"
)

type fakeGrantRepo struct {
	mu       stdsync.Mutex
	coupons  []coupondom.Coupon
	benefits []coupondom.Benefit
	failList error

	couponSub  *syncer.Subscription
	benefitSub *syncer.Subscription
}

func (r *fakeGrantRepo) ListCoupons(_ context.Context, _ string) ([]coupondom.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failList != nil {
		return nil, r.failList
	}
	return append([]coupondom.Coupon(nil), r.coupons...), nil
}

func (r *fakeGrantRepo) ListBenefits(_ context.Context, _ string) ([]coupondom.Benefit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failList != nil {
		return nil, r.failList
	}
	return append([]coupondom.Benefit(nil), r.benefits...), nil
}

func (r *fakeGrantRepo) WatchCoupons(_ context.Context, _ string) (*syncer.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.couponSub = syncer.NewSubscription(16, nil)
	return r.couponSub, nil
}

func (r *fakeGrantRepo) WatchBenefits(_ context.Context, _ string) (*syncer.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.benefitSub = syncer.NewSubscription(16, nil)
	return r.benefitSub, nil
}

func testDecodeCoupon(id string, data map[string]any) (coupondom.Coupon, error) {
	amount, _ := data["amount"].(float64)
	if amount <= 0 {
		return coupondom.Coupon{}, errors.New("invalid amount")
	}
	return coupondom.Coupon{ID: id, Amount: amount}, nil
}

func testDecodeBenefit(id string, data map[string]any) (coupondom.Benefit, error) {
	kind, _ := data["kind"].(string)
	if kind == "" {
		return coupondom.Benefit{}, errors.New("missing kind")
	}
	return coupondom.Benefit{ID: id, Kind: coupondom.BenefitKind(kind)}, nil
}

func newTestCouponEngine(t *testing.T, repo *fakeGrantRepo, clk *testClock) *CouponEngine {
	t.Helper()
	e := NewCouponEngine(
		CouponConfig{
			OwnerID:           "owner-1",
			MinimumMultiplier: 2,
			ReadyAttempts:     3,
			ReadyInterval:     10 * time.Millisecond,
			Clock:             clk,
		},
		repo,
		repo,
		testDecodeCoupon,
		testDecodeBenefit,
	)
	t.Cleanup(e.Close)
	return e
}

func TestCouponRefreshLoadsGrants(t *testing.T) {
	repo := &fakeGrantRepo{
		coupons:  []coupondom.Coupon{{ID: "c1", Amount: 50}},
		benefits: []coupondom.Benefit{{ID: "b1", Kind: coupondom.BenefitFreeShipping}},
	}
	e := newTestCouponEngine(t, repo, newTestClock())

	require.False(t, e.Ready())
	require.NoError(t, e.Refresh(context.Background()))
	require.True(t, e.Ready())

	require.Len(t, e.Coupons(), 1)
	require.Len(t, e.Benefits(), 1)
	require.NotNil(t, e.Coupon("c1"))
	require.Nil(t, e.Coupon("missing"))
	require.NotNil(t, e.FreeShippingBenefit())
}

func TestCouponRefreshPropagatesError(t *testing.T) {
	repo := &fakeGrantRepo{failList: errors.New("unavailable")}
	e := newTestCouponEngine(t, repo, newTestClock())

	require.Error(t, e.Refresh(context.Background()))
	require.False(t, e.Ready())
}

// 期限切れクーポンは一覧から除外される。
func TestCouponFiltersInvalidGrants(t *testing.T) {
	clk := newTestClock()
	repo := &fakeGrantRepo{
		coupons: []coupondom.Coupon{
			{ID: "valid", Amount: 50},
			{ID: "expired", Amount: 80, ValidUntil: clk.Now().Add(-time.Hour)},
		},
	}
	e := newTestCouponEngine(t, repo, clk)
	require.NoError(t, e.Refresh(context.Background()))

	coupons := e.Coupons()
	require.Len(t, coupons, 1)
	require.Equal(t, "valid", coupons[0].ID)
	require.Nil(t, e.Coupon("expired"))
}

func TestCouponWaitReadyBounded(t *testing.T) {
	repo := &fakeGrantRepo{}
	e := newTestCouponEngine(t, repo, newTestClock())

	// ロードが来ない → 試行上限で false
	start := time.Now()
	require.False(t, e.WaitReady(context.Background()))
	require.Less(t, time.Since(start), time.Second)

	require.NoError(t, e.Refresh(context.Background()))
	require.True(t, e.WaitReady(context.Background()))
}

func TestCouponBestUsesValidSet(t *testing.T) {
	repo := &fakeGrantRepo{
		coupons: []coupondom.Coupon{
			{ID: "c10", Amount: 10},
			{ID: "c40", Amount: 40},
		},
	}
	e := newTestCouponEngine(t, repo, newTestClock())
	require.NoError(t, e.Refresh(context.Background()))

	best := e.Best(100)
	require.NotNil(t, best)
	require.Equal(t, "c40", best.ID)
}

func TestCouponLiveUpdatesMergeChanges(t *testing.T) {
	repo := &fakeGrantRepo{}
	e := newTestCouponEngine(t, repo, newTestClock())

	changed := make(chan struct{}, 8)
	e.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	require.NoError(t, e.EnableLiveUpdates(context.Background()))

	repo.couponSub.Emit(syncer.Event{
		Origin: syncer.OriginServer,
		Full: &syncer.FullSnapshot{Docs: map[string]map[string]any{
			"c1": {"amount": 50.0},
		}},
	})

	require.Eventually(t, func() bool {
		return e.Ready() && len(e.Coupons()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("change callback never fired")
	}

	// 取り消しの反映
	repo.couponSub.Emit(syncer.Event{
		Origin:  syncer.OriginServer,
		Changes: []syncer.Change{{Kind: syncer.ChangeRemoved, ID: "c1"}},
	})
	require.Eventually(t, func() bool {
		return len(e.Coupons()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCouponBenefitLiveUpdates(t *testing.T) {
	repo := &fakeGrantRepo{}
	e := newTestCouponEngine(t, repo, newTestClock())

	require.NoError(t, e.EnableLiveUpdates(context.Background()))

	repo.benefitSub.Emit(syncer.Event{
		Origin: syncer.OriginServer,
		Changes: []syncer.Change{
			{Kind: syncer.ChangeAdded, ID: "b1", Data: map[string]any{"kind": "free_shipping"}},
		},
	})

	require.Eventually(t, func() bool {
		return e.FreeShippingBenefit() != nil
	}, 2*time.Second, 10*time.Millisecond)
}
