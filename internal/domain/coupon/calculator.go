// internal/domain/coupon/calculator.go
package coupon

// Pure discount calculators. Inputs come from current cart state plus
// the live coupon/benefit set; no I/O here.

// IsApplicable reports whether a coupon of the given amount may be
// applied: cartTotal must reach amount × minimumMultiplier.
func IsApplicable(cartTotal, amount, minimumMultiplier float64) bool {
	if amount <= 0 {
		return false
	}
	return cartTotal >= amount*minimumMultiplier
}

// EffectiveDiscount is min(amount, cartTotal); a coupon can never
// discount more than the cart is worth.
func EffectiveDiscount(cartTotal, amount float64) float64 {
	if amount <= 0 || cartTotal <= 0 {
		return 0
	}
	if amount > cartTotal {
		return cartTotal
	}
	return amount
}

// FinalTotal applies the effective discount, floored at zero.
func FinalTotal(subtotal, amount float64) float64 {
	total := subtotal - EffectiveDiscount(subtotal, amount)
	if total < 0 {
		return 0
	}
	return total
}

// FreeShippingApplies reports whether free shipping may be applied
// at the configured minimum threshold.
func FreeShippingApplies(cartTotal, threshold float64) bool {
	return cartTotal >= threshold
}

// BestFor picks the best coupon for the given cart total: the largest
// applicable amount. When no coupon meets its threshold the smallest
// coupon is returned so callers can surface the nearest reachable one.
// Returns nil for an empty candidate set.
func BestFor(coupons []Coupon, cartTotal, minimumMultiplier float64) *Coupon {
	var best *Coupon
	var smallest *Coupon
	for i := range coupons {
		c := &coupons[i]
		if smallest == nil || c.Amount < smallest.Amount {
			smallest = c
		}
		if !IsApplicable(cartTotal, c.Amount, minimumMultiplier) {
			continue
		}
		if best == nil || c.Amount > best.Amount {
			best = c
		}
	}
	if best != nil {
		return best
	}
	return smallest
}
