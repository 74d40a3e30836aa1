// internal/application/engine/discount.go
package engine

import (
	"context"
	stdsync "sync"

	"go.uber.org/zap"

	coupondom "marketsync/internal/domain/coupon"
)

// Selection store keys. Fixed identifiers so a restart restores the
// same selection the user last made.
const (
	keySelectedCoupon  = "discount.selectedCouponId"
	keyFreeShipping    = "discount.freeShipping"
	keyShippingBenefit = "discount.shippingBenefitId"
)

// DiscountConfig carries the thresholds the breakdown math uses.
type DiscountConfig struct {
	MinimumMultiplier     float64
	FreeShippingThreshold float64
}

func (c *DiscountConfig) normalize() {
	if c.MinimumMultiplier <= 0 {
		c.MinimumMultiplier = 2
	}
	if c.FreeShippingThreshold <= 0 {
		c.FreeShippingThreshold = 200
	}
}

// Breakdown is the derived pricing view for a given subtotal and the
// current selection.
type Breakdown struct {
	Subtotal     float64
	Discount     float64
	Total        float64
	FreeShipping bool
	CouponID     string
}

// DiscountSelection is the user's discount choice: at most one coupon
// plus an optional free-shipping toggle. The selection is durable
// across restarts and is revalidated whenever the live grant set
// changes; a selection whose grant disappeared or expired is dropped
// rather than silently honored.
type DiscountSelection struct {
	cfg    DiscountConfig
	grants *CouponEngine
	store  SelectionStore

	mu              stdsync.Mutex
	selectedCoupon  *coupondom.Coupon
	freeShipping    bool
	shippingBenefit string
}

func NewDiscountSelection(cfg DiscountConfig, grants *CouponEngine, store SelectionStore) *DiscountSelection {
	cfg.normalize()
	d := &DiscountSelection{
		cfg:    cfg,
		grants: grants,
		store:  store,
	}
	grants.OnChange(d.Revalidate)
	return d
}

// Init waits for the grant set and restores the persisted selection.
// A persisted selection that no longer resolves to a valid grant is
// dropped and its keys deleted.
func (d *DiscountSelection) Init(ctx context.Context) error {
	if !d.grants.WaitReady(ctx) {
		zap.S().Warnf("grant set not ready, starting with empty discount selection")
	}

	couponID, ok, err := d.store.Get(keySelectedCoupon)
	if err != nil {
		return err
	}
	if ok && couponID != "" {
		if c := d.grants.Coupon(couponID); c != nil {
			d.mu.Lock()
			d.selectedCoupon = c
			d.mu.Unlock()
		} else {
			zap.S().Infof("dropping persisted coupon selection id=%s (no longer valid)", couponID)
			if derr := d.store.Delete(keySelectedCoupon); derr != nil {
				zap.S().Warnf("selection store delete failed key=%s err=%v", keySelectedCoupon, derr)
			}
		}
	}

	fsVal, ok, err := d.store.Get(keyFreeShipping)
	if err != nil {
		return err
	}
	if ok && fsVal == "true" {
		benefitID, _, berr := d.store.Get(keyShippingBenefit)
		if berr != nil {
			return berr
		}
		if b := d.grants.Benefit(benefitID); b != nil && b.Kind == coupondom.BenefitFreeShipping {
			d.mu.Lock()
			d.freeShipping = true
			d.shippingBenefit = benefitID
			d.mu.Unlock()
		} else {
			zap.S().Infof("dropping persisted free-shipping selection benefit=%s (no longer valid)", benefitID)
			d.deleteShippingKeys()
		}
	}
	return nil
}

func (d *DiscountSelection) deleteShippingKeys() {
	for _, k := range []string{keyFreeShipping, keyShippingBenefit} {
		if err := d.store.Delete(k); err != nil {
			zap.S().Warnf("selection store delete failed key=%s err=%v", k, err)
		}
	}
}

// SelectCoupon chooses a coupon by id, or clears the choice when id is
// empty. Selecting an unknown or expired coupon is rejected.
func (d *DiscountSelection) SelectCoupon(id string) error {
	if id == "" {
		d.mu.Lock()
		d.selectedCoupon = nil
		d.mu.Unlock()
		if err := d.store.Delete(keySelectedCoupon); err != nil {
			return err
		}
		return nil
	}

	c := d.grants.Coupon(id)
	if c == nil {
		return ErrInvalidArgument
	}

	d.mu.Lock()
	d.selectedCoupon = c
	d.mu.Unlock()
	return d.store.Set(keySelectedCoupon, id)
}

// SetFreeShipping toggles the free-shipping selection. Enabling
// requires a valid free-shipping benefit grant.
func (d *DiscountSelection) SetFreeShipping(enabled bool, benefitID string) error {
	if !enabled {
		d.mu.Lock()
		d.freeShipping = false
		d.shippingBenefit = ""
		d.mu.Unlock()
		d.deleteShippingKeys()
		return nil
	}

	b := d.grants.Benefit(benefitID)
	if b == nil || b.Kind != coupondom.BenefitFreeShipping {
		return ErrInvalidArgument
	}

	d.mu.Lock()
	d.freeShipping = true
	d.shippingBenefit = benefitID
	d.mu.Unlock()

	if err := d.store.Set(keyFreeShipping, "true"); err != nil {
		return err
	}
	return d.store.Set(keyShippingBenefit, benefitID)
}

// ClearAll drops the whole selection and its persisted keys.
func (d *DiscountSelection) ClearAll() {
	d.mu.Lock()
	d.selectedCoupon = nil
	d.freeShipping = false
	d.shippingBenefit = ""
	d.mu.Unlock()

	if err := d.store.Delete(keySelectedCoupon); err != nil {
		zap.S().Warnf("selection store delete failed key=%s err=%v", keySelectedCoupon, err)
	}
	d.deleteShippingKeys()
}

// Revalidate re-checks the current selection against the live grant
// set: whatever no longer resolves is dropped, whatever does is
// refreshed from the live copy. Registered as the grant change
// callback.
func (d *DiscountSelection) Revalidate() {
	d.mu.Lock()
	coupon := d.selectedCoupon
	freeShipping := d.freeShipping
	benefitID := d.shippingBenefit
	d.mu.Unlock()

	if coupon != nil {
		live := d.grants.Coupon(coupon.ID)
		if live == nil {
			zap.S().Infof("selected coupon revoked id=%s, clearing selection", coupon.ID)
			d.mu.Lock()
			d.selectedCoupon = nil
			d.mu.Unlock()
			if err := d.store.Delete(keySelectedCoupon); err != nil {
				zap.S().Warnf("selection store delete failed key=%s err=%v", keySelectedCoupon, err)
			}
		} else {
			// grant still resolves; take the live copy so a remotely
			// changed amount or validity window is reflected
			d.mu.Lock()
			d.selectedCoupon = live
			d.mu.Unlock()
		}
	}

	if freeShipping {
		b := d.grants.Benefit(benefitID)
		if b == nil || b.Kind != coupondom.BenefitFreeShipping {
			zap.S().Infof("free-shipping benefit revoked id=%s, clearing selection", benefitID)
			d.mu.Lock()
			d.freeShipping = false
			d.shippingBenefit = ""
			d.mu.Unlock()
			d.deleteShippingKeys()
		}
	}
}

// SelectedCoupon returns the chosen coupon, or nil.
func (d *DiscountSelection) SelectedCoupon() *coupondom.Coupon {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.selectedCoupon == nil {
		return nil
	}
	c := *d.selectedCoupon
	return &c
}

// FreeShipping reports whether free shipping is selected.
func (d *DiscountSelection) FreeShipping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeShipping
}

// ApplyTo derives the pricing breakdown for subtotal under the
// current selection. A selected coupon that has not reached its
// applicability threshold contributes no discount.
func (d *DiscountSelection) ApplyTo(subtotal float64) Breakdown {
	d.mu.Lock()
	coupon := d.selectedCoupon
	freeShipping := d.freeShipping
	d.mu.Unlock()

	b := Breakdown{
		Subtotal: subtotal,
		Total:    subtotal,
	}
	if coupon != nil && coupondom.IsApplicable(subtotal, coupon.Amount, d.cfg.MinimumMultiplier) {
		b.CouponID = coupon.ID
		b.Discount = coupondom.EffectiveDiscount(subtotal, coupon.Amount)
		b.Total = coupondom.FinalTotal(subtotal, coupon.Amount)
	}
	if freeShipping && coupondom.FreeShippingApplies(subtotal, d.cfg.FreeShippingThreshold) {
		b.FreeShipping = true
	}
	return b
}
