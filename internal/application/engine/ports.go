// internal/application/engine/ports.go
package engine

import (
	"context"

	syncer "marketsync/internal/sync"
)

// LineTotal is one per-item entry of a computed totals result.
type LineTotal struct {
	ItemID string  `json:"itemId"`
	Total  float64 `json:"total"`
}

// TotalsResult is the aggregate computed by the remote gateway.
// Unavailable marks the degraded zero result returned after a gateway
// failure: "recompute unavailable", not "cart is empty". Callers must
// not overwrite known-good state based on it alone.
type TotalsResult struct {
	Total       float64     `json:"total"`
	Currency    string      `json:"currency"`
	PerItem     []LineTotal `json:"perItem"`
	Unavailable bool        `json:"-"`
}

// CheckoutLine carries the cached pricing fields of one line for
// server-side checkout validation.
type CheckoutLine struct {
	ItemID        string  `json:"itemId"`
	Quantity      int     `json:"quantity"`
	Price         float64 `json:"price"`
	DiscountPrice float64 `json:"discountPrice,omitempty"`
	BundleID      string  `json:"bundleId,omitempty"`
}

// ValidationResult is the checkout validation verdict.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Reasons     []string `json:"reasons,omitempty"`
	Unavailable bool     `json:"-"`
}

// TotalsGateway is the remote aggregate-computation collaborator.
// Implementations return plain errors; the engine maps failures to
// degraded results per the error policy.
type TotalsGateway interface {
	CalculateTotals(ctx context.Context, ownerID string, itemIDs []string) (TotalsResult, error)
	ValidateCheckout(ctx context.Context, ownerID string, lines []CheckoutLine) (ValidationResult, error)
}

// SelectionStore is the durable local storage used for discount
// selection persistence: written on every selection change, read once
// at initialization.
type SelectionStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// ReauthVerifier checks a re-authentication proof (an ID token minted
// after the second factor) and returns the subject uid. The engine
// compares the uid against its owner scope before opening the
// checkout window.
type ReauthVerifier interface {
	Verify(ctx context.Context, idToken string) (uid string, err error)
}

// CartWatcher attaches a live listen on an owner's cart items.
type CartWatcher interface {
	Watch(ctx context.Context, ownerID string) (*syncer.Subscription, error)
}

// FavoriteWatcher attaches a live listen scoped to one basket.
type FavoriteWatcher interface {
	Watch(ctx context.Context, ownerID, basketID string) (*syncer.Subscription, error)
}

// FoodCartWatcher attaches a live listen on an owner's food cart.
type FoodCartWatcher interface {
	Watch(ctx context.Context, ownerID string) (*syncer.Subscription, error)
}

// GrantWatcher attaches live listens on an owner's coupon and benefit
// grants.
type GrantWatcher interface {
	WatchCoupons(ctx context.Context, ownerID string) (*syncer.Subscription, error)
	WatchBenefits(ctx context.Context, ownerID string) (*syncer.Subscription, error)
}
