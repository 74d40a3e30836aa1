// internal/domain/coupon/calculator_test.go
package coupon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsApplicableBoundary(t *testing.T) {
	// amount 50, multiplier 2 → カート合計 100 でちょうど適用可能
	require.True(t, IsApplicable(100, 50, 2))
	require.False(t, IsApplicable(99.99, 50, 2))
	require.True(t, IsApplicable(150, 50, 2))
	require.False(t, IsApplicable(100, 0, 2))
}

func TestEffectiveDiscountNeverExceedsTotal(t *testing.T) {
	require.Equal(t, float64(50), EffectiveDiscount(100, 50))
	require.Equal(t, float64(100), EffectiveDiscount(100, 120))
	require.Equal(t, float64(0), EffectiveDiscount(0, 50))
	require.Equal(t, float64(0), EffectiveDiscount(100, 0))
}

func TestFinalTotalFlooredAtZero(t *testing.T) {
	require.Equal(t, float64(50), FinalTotal(100, 50))
	require.Equal(t, float64(0), FinalTotal(30, 50))
	require.Equal(t, float64(0), FinalTotal(0, 50))
}

func TestFreeShippingApplies(t *testing.T) {
	require.True(t, FreeShippingApplies(200, 200))
	require.True(t, FreeShippingApplies(250, 200))
	require.False(t, FreeShippingApplies(199.99, 200))
}

func TestBestForPicksLargestApplicable(t *testing.T) {
	coupons := []Coupon{
		{ID: "c10", Amount: 10},
		{ID: "c50", Amount: 50},
		{ID: "c30", Amount: 30},
	}

	best := BestFor(coupons, 100, 2)
	require.NotNil(t, best)
	require.Equal(t, "c50", best.ID)
}

// 適用可能なクーポンが無い場合は最小額を返す。
func TestBestForFallsBackToSmallest(t *testing.T) {
	coupons := []Coupon{
		{ID: "c100", Amount: 100},
		{ID: "c80", Amount: 80},
	}

	best := BestFor(coupons, 50, 2)
	require.NotNil(t, best)
	require.Equal(t, "c80", best.ID)
}

func TestBestForEmptySet(t *testing.T) {
	require.Nil(t, BestFor(nil, 100, 2))
}

func TestCouponIsValid(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	valid := Coupon{ID: "c1", Amount: 10, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour)}
	require.True(t, valid.IsValid(now))

	expired := valid
	expired.ValidUntil = now.Add(-time.Minute)
	require.False(t, expired.IsValid(now))

	notYet := valid
	notYet.ValidFrom = now.Add(time.Minute)
	require.False(t, notYet.IsValid(now))

	usedUp := valid
	usedUp.UsageLimit = 3
	usedUp.UsedCount = 3
	require.False(t, usedUp.IsValid(now))

	zeroAmount := valid
	zeroAmount.Amount = 0
	require.False(t, zeroAmount.IsValid(now))

	// 期限未設定は無期限扱い
	open := Coupon{ID: "c2", Amount: 10}
	require.True(t, open.IsValid(now))
}

func TestBenefitIsValid(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	b := Benefit{ID: "b1", Kind: BenefitFreeShipping}
	require.True(t, b.IsValid(now))

	b.UsageLimit = 1
	b.UsedCount = 1
	require.False(t, b.IsValid(now))

	var nilBenefit *Benefit
	require.False(t, nilBenefit.IsValid(now))
}
