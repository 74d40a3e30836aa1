// internal/domain/coupon/entity.go
package coupon

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidCoupon = errors.New("coupon: invalid")
)

// Coupon is a monetary promotional grant issued remotely.
type Coupon struct {
	ID       string  `json:"id" firestore:"id"`
	Code     string  `json:"code" firestore:"code"`
	Amount   float64 `json:"amount" firestore:"amount"`
	Currency string  `json:"currency" firestore:"currency"`

	ValidFrom  time.Time `json:"validFrom" firestore:"validFrom"`
	ValidUntil time.Time `json:"validUntil" firestore:"validUntil"`
	UsageLimit int       `json:"usageLimit" firestore:"usageLimit"`
	UsedCount  int       `json:"usedCount" firestore:"usedCount"`
}

// IsValid reports whether the coupon may be applied at t
// (time- and usage-bounded).
func (c *Coupon) IsValid(t time.Time) bool {
	if c == nil || strings.TrimSpace(c.ID) == "" || c.Amount <= 0 {
		return false
	}
	if !c.ValidFrom.IsZero() && t.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidUntil.IsZero() && t.After(c.ValidUntil) {
		return false
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return false
	}
	return true
}

// BenefitKind distinguishes non-monetary grants.
type BenefitKind string

const (
	BenefitFreeShipping BenefitKind = "free_shipping"
)

// Benefit is a non-monetary promotional grant (e.g. free shipping).
type Benefit struct {
	ID         string      `json:"id" firestore:"id"`
	Kind       BenefitKind `json:"kind" firestore:"kind"`
	ValidFrom  time.Time   `json:"validFrom" firestore:"validFrom"`
	ValidUntil time.Time   `json:"validUntil" firestore:"validUntil"`
	UsageLimit int         `json:"usageLimit" firestore:"usageLimit"`
	UsedCount  int         `json:"usedCount" firestore:"usedCount"`
}

func (b *Benefit) IsValid(t time.Time) bool {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return false
	}
	if !b.ValidFrom.IsZero() && t.Before(b.ValidFrom) {
		return false
	}
	if !b.ValidUntil.IsZero() && t.After(b.ValidUntil) {
		return false
	}
	if b.UsageLimit > 0 && b.UsedCount >= b.UsageLimit {
		return false
	}
	return true
}

// Repository is the outbound port for the user's coupon/benefit grants.
type Repository interface {
	ListCoupons(ctx context.Context, ownerID string) ([]Coupon, error)
	ListBenefits(ctx context.Context, ownerID string) ([]Benefit, error)
}
