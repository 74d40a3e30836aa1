// internal/adapters/out/firestore/cart_repository_fs.go
package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	gfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cartdom "marketsync/internal/domain/cart"
	syncer "marketsync/internal/sync"
)

// CartRepositoryFS implements cart.Repository using Firestore.
//
// Collection design:
// - carts/{ownerId}/items/{itemId}  ✅ (one document per line item)
// - per-line documents are required so the listen stream yields
//   per-item change records the reconciler can key by itemId
type CartRepositoryFS struct {
	Client *gfs.Client
}

func NewCartRepositoryFS(client *gfs.Client) *CartRepositoryFS {
	return &CartRepositoryFS{Client: client}
}

func (r *CartRepositoryFS) items(ownerID string) *gfs.CollectionRef {
	return r.Client.Collection("carts").Doc(ownerID).Collection("items")
}

// Get returns (nil, nil) if not found (nil policy).
func (r *CartRepositoryFS) Get(ctx context.Context, ownerID, itemID string) (*cartdom.Item, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(itemID)
	if oid == "" || iid == "" {
		return nil, errors.New("cart_repository_fs: ownerID/itemID is empty")
	}

	snap, err := r.items(oid).Doc(iid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	it, err := DecodeCartItem(iid, snap.Data())
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Set overwrites the full line document. updatedAt is server-assigned.
func (r *CartRepositoryFS) Set(ctx context.Context, ownerID string, item cartdom.Item) error {
	if r == nil || r.Client == nil {
		return errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(item.ItemID)
	if oid == "" || iid == "" {
		return errors.New("cart_repository_fs: ownerID/itemID is empty")
	}

	_, err := r.items(oid).Doc(iid).Set(ctx, encodeCartItem(item))
	return err
}

func (r *CartRepositoryFS) UpdateQuantity(ctx context.Context, ownerID, itemID string, quantity int) error {
	if r == nil || r.Client == nil {
		return errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(itemID)
	if oid == "" || iid == "" {
		return errors.New("cart_repository_fs: ownerID/itemID is empty")
	}
	if quantity < 1 {
		// quantity 0 は永続化しない（削除の意味）
		return r.Delete(ctx, oid, iid)
	}

	_, err := r.items(oid).Doc(iid).Update(ctx, []gfs.Update{
		{Path: "quantity", Value: quantity},
		{Path: "updatedAt", Value: gfs.ServerTimestamp},
	})
	return err
}

func (r *CartRepositoryFS) Delete(ctx context.Context, ownerID, itemID string) error {
	if r == nil || r.Client == nil {
		return errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(itemID)
	if oid == "" || iid == "" {
		return errors.New("cart_repository_fs: ownerID/itemID is empty")
	}

	_, err := r.items(oid).Doc(iid).Delete(ctx)
	return err
}

// DeleteMany removes the given items in one atomic batched write.
func (r *CartRepositoryFS) DeleteMany(ctx context.Context, ownerID string, itemIDs []string) error {
	if r == nil || r.Client == nil {
		return errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return errors.New("cart_repository_fs: ownerID is empty")
	}
	if len(itemIDs) == 0 {
		return nil
	}

	batch := r.Client.Batch()
	for _, id := range itemIDs {
		iid := strings.TrimSpace(id)
		if iid == "" {
			continue
		}
		batch.Delete(r.items(oid).Doc(iid))
	}
	_, err := batch.Commit(ctx)
	return err
}

// ListPage fetches limit+1 records ordered by addedAt descending.
// HasMore is true iff more than limit were returned; only the first
// limit are kept and the last of those becomes the next cursor.
func (r *CartRepositoryFS) ListPage(ctx context.Context, ownerID string, after *time.Time, limit int) (cartdom.Page, error) {
	if r == nil || r.Client == nil {
		return cartdom.Page{}, errors.New("cart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return cartdom.Page{}, errors.New("cart_repository_fs: ownerID is empty")
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.items(oid).Query.OrderBy("addedAt", gfs.Desc)
	if after != nil {
		q = q.StartAfter(*after)
	}
	q = q.Limit(limit + 1) // fetch one extra to detect next cursor

	it := q.Documents(ctx)
	defer it.Stop()

	var items []cartdom.Item
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return cartdom.Page{}, err
		}
		item, err := DecodeCartItem(doc.Ref.ID, doc.Data())
		if err != nil {
			// malformed record: skip, not fail the page
			continue
		}
		items = append(items, item)
	}

	page := cartdom.Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		next := page.Items[len(page.Items)-1].AddedAt
		page.Next = &next
	}
	return page, nil
}

// Watch attaches a live listen on the owner's cart items.
func (r *CartRepositoryFS) Watch(ctx context.Context, ownerID string) (*syncer.Subscription, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("cart_repository_fs: firestore client is nil")
	}
	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("cart_repository_fs: ownerID is empty")
	}
	return watchQuery(ctx, r.items(oid).Query, 64), nil
}

// -----------------------------------------
// Document mapping
// -----------------------------------------

// DecodeCartItem validates and converts the flat document map.
// Required display fields: name, price, stock, sellerId, sellerName.
// Missing/null is invalid; numeric zero is present and valid.
func DecodeCartItem(id string, data map[string]any) (cartdom.Item, error) {
	if data == nil {
		return cartdom.Item{}, cartdom.ErrInvalidItem
	}
	for _, req := range []string{"name", "price", "stock", "sellerId", "sellerName"} {
		if !hasField(data, req) {
			return cartdom.Item{}, cartdom.ErrInvalidItem
		}
	}

	it := cartdom.Item{
		ItemID:             strings.TrimSpace(id),
		Quantity:           asInt(data["quantity"]),
		SellerID:           strings.TrimSpace(asString(data["sellerId"])),
		SellerName:         strings.TrimSpace(asString(data["sellerName"])),
		IsShop:             asBool(data["isShop"]),
		Name:               asString(data["name"]),
		Price:              asFloat(data["price"]),
		Currency:           asString(data["currency"]),
		Images:             asStringSlice(data["images"]),
		Stock:              asInt(data["stock"]),
		Rating:             asFloat(data["rating"]),
		SelectedColor:      asString(data["selectedColor"]),
		SelectedAttributes: asStringMap(data["selectedAttributes"]),
		DiscountPrice:      asFloat(data["discountPrice"]),
		BundleID:           asString(data["bundleId"]),
	}
	if t, ok := asTime(data["addedAt"]); ok {
		it.AddedAt = t
	}
	if t, ok := asTime(data["updatedAt"]); ok {
		it.UpdatedAt = t
	}
	if extra, ok := data["extra"].(map[string]any); ok {
		m := make(map[string]any, len(extra))
		for k, v := range extra {
			if cartdom.IsReservedField(k) {
				continue
			}
			m[k] = v
		}
		if len(m) > 0 {
			it.Extra = m
		}
	}

	if it.Quantity < 1 {
		return cartdom.Item{}, cartdom.ErrInvalidItem
	}
	if err := it.Validate(); err != nil {
		return cartdom.Item{}, err
	}
	return it, nil
}

func encodeCartItem(it cartdom.Item) map[string]any {
	doc := map[string]any{
		"itemId":     it.ItemID,
		"quantity":   it.Quantity,
		"sellerId":   it.SellerID,
		"sellerName": it.SellerName,
		"isShop":     it.IsShop,
		"name":       it.Name,
		"price":      it.Price,
		"currency":   it.Currency,
		"stock":      it.Stock,
		"rating":     it.Rating,
		"updatedAt":  gfs.ServerTimestamp,
	}
	if it.AddedAt.IsZero() {
		doc["addedAt"] = gfs.ServerTimestamp
	} else {
		doc["addedAt"] = it.AddedAt
	}
	if len(it.Images) > 0 {
		doc["images"] = it.Images
	}
	if it.SelectedColor != "" {
		doc["selectedColor"] = it.SelectedColor
	}
	if len(it.SelectedAttributes) > 0 {
		doc["selectedAttributes"] = it.SelectedAttributes
	}
	if it.DiscountPrice > 0 {
		doc["discountPrice"] = it.DiscountPrice
	}
	if it.BundleID != "" {
		doc["bundleId"] = it.BundleID
	}
	if len(it.Extra) > 0 {
		extra := make(map[string]any, len(it.Extra))
		for k, v := range it.Extra {
			if cartdom.IsReservedField(k) {
				continue
			}
			extra[k] = v
		}
		doc["extra"] = extra
	}
	return doc
}
