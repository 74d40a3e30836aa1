// internal/adapters/out/firestore/coupon_repository_fs.go
package firestore

import (
	"context"
	"errors"
	"strings"

	gfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	coupondom "marketsync/internal/domain/coupon"
	syncer "marketsync/internal/sync"
)

// CouponRepositoryFS implements coupon.Repository using Firestore.
//
// Collection design:
// - users/{ownerId}/coupons/{couponId}
// - users/{ownerId}/benefits/{benefitId}
type CouponRepositoryFS struct {
	Client *gfs.Client
}

func NewCouponRepositoryFS(client *gfs.Client) *CouponRepositoryFS {
	return &CouponRepositoryFS{Client: client}
}

func (r *CouponRepositoryFS) coupons(ownerID string) *gfs.CollectionRef {
	return r.Client.Collection("users").Doc(ownerID).Collection("coupons")
}

func (r *CouponRepositoryFS) benefits(ownerID string) *gfs.CollectionRef {
	return r.Client.Collection("users").Doc(ownerID).Collection("benefits")
}

func (r *CouponRepositoryFS) ListCoupons(ctx context.Context, ownerID string) ([]coupondom.Coupon, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("coupon_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("coupon_repository_fs: ownerID is empty")
	}

	it := r.coupons(oid).Documents(ctx)
	defer it.Stop()

	var out []coupondom.Coupon
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, err
		}
		c, err := DecodeCoupon(doc.Ref.ID, doc.Data())
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *CouponRepositoryFS) ListBenefits(ctx context.Context, ownerID string) ([]coupondom.Benefit, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("coupon_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("coupon_repository_fs: ownerID is empty")
	}

	it := r.benefits(oid).Documents(ctx)
	defer it.Stop()

	var out []coupondom.Benefit
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, err
		}
		b, err := DecodeBenefit(doc.Ref.ID, doc.Data())
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// WatchCoupons attaches a live listen on the owner's coupon grants.
func (r *CouponRepositoryFS) WatchCoupons(ctx context.Context, ownerID string) (*syncer.Subscription, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("coupon_repository_fs: firestore client is nil")
	}
	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("coupon_repository_fs: ownerID is empty")
	}
	return watchQuery(ctx, r.coupons(oid).Query, 16), nil
}

// WatchBenefits attaches a live listen on the owner's benefit grants.
func (r *CouponRepositoryFS) WatchBenefits(ctx context.Context, ownerID string) (*syncer.Subscription, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("coupon_repository_fs: firestore client is nil")
	}
	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("coupon_repository_fs: ownerID is empty")
	}
	return watchQuery(ctx, r.benefits(oid).Query, 16), nil
}

// -----------------------------------------
// Document mapping
// -----------------------------------------

func DecodeCoupon(id string, data map[string]any) (coupondom.Coupon, error) {
	if data == nil || !hasField(data, "amount") {
		return coupondom.Coupon{}, coupondom.ErrInvalidCoupon
	}

	c := coupondom.Coupon{
		ID:         strings.TrimSpace(id),
		Code:       asString(data["code"]),
		Amount:     asFloat(data["amount"]),
		Currency:   asString(data["currency"]),
		UsageLimit: asInt(data["usageLimit"]),
		UsedCount:  asInt(data["usedCount"]),
	}
	if t, ok := asTime(data["validFrom"]); ok {
		c.ValidFrom = t
	}
	if t, ok := asTime(data["validUntil"]); ok {
		c.ValidUntil = t
	}
	if c.ID == "" || c.Amount <= 0 {
		return coupondom.Coupon{}, coupondom.ErrInvalidCoupon
	}
	return c, nil
}

func DecodeBenefit(id string, data map[string]any) (coupondom.Benefit, error) {
	if data == nil {
		return coupondom.Benefit{}, coupondom.ErrInvalidCoupon
	}

	b := coupondom.Benefit{
		ID:         strings.TrimSpace(id),
		Kind:       coupondom.BenefitKind(asString(data["kind"])),
		UsageLimit: asInt(data["usageLimit"]),
		UsedCount:  asInt(data["usedCount"]),
	}
	if t, ok := asTime(data["validFrom"]); ok {
		b.ValidFrom = t
	}
	if t, ok := asTime(data["validUntil"]); ok {
		b.ValidUntil = t
	}
	if b.ID == "" || b.Kind == "" {
		return coupondom.Benefit{}, coupondom.ErrInvalidCoupon
	}
	return b, nil
}
