// internal/adapters/out/firestore/favorite_repository_fs.go
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

	favdom "marketsync/internal/domain/favorite"
	syncer "marketsync/internal/sync"
)

// FavoriteRepositoryFS implements favorite.Repository using Firestore.
//
// Collection design:
// - favorites/{ownerId}/items/{itemId}
// - basketId is a field; basket scoping is a query filter
type FavoriteRepositoryFS struct {
	Client *gfs.Client
}

func NewFavoriteRepositoryFS(client *gfs.Client) *FavoriteRepositoryFS {
	return &FavoriteRepositoryFS{Client: client}
}

func (r *FavoriteRepositoryFS) items(ownerID string) *gfs.CollectionRef {
	return r.Client.Collection("favorites").Doc(ownerID).Collection("items")
}

func (r *FavoriteRepositoryFS) Get(ctx context.Context, ownerID, basketID, itemID string) (*favdom.Item, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("favorite_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(itemID)
	if oid == "" || iid == "" {
		return nil, errors.New("favorite_repository_fs: ownerID/itemID is empty")
	}

	snap, err := r.items(oid).Doc(iid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	it, err := DecodeFavoriteItem(iid, snap.Data())
	if err != nil {
		return nil, err
	}
	if bid := strings.TrimSpace(basketID); bid != "" && it.BasketID != bid {
		// 別バスケットのドキュメントは「存在しない」扱い
		return nil, nil
	}
	return &it, nil
}

func (r *FavoriteRepositoryFS) Set(ctx context.Context, ownerID string, item favdom.Item) error {
	if r == nil || r.Client == nil {
		return errors.New("favorite_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(item.ItemID)
	if oid == "" || iid == "" {
		return errors.New("favorite_repository_fs: ownerID/itemID is empty")
	}

	_, err := r.items(oid).Doc(iid).Set(ctx, encodeFavoriteItem(item))
	return err
}

func (r *FavoriteRepositoryFS) Delete(ctx context.Context, ownerID, basketID, itemID string) error {
	if r == nil || r.Client == nil {
		return errors.New("favorite_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	iid := strings.TrimSpace(itemID)
	if oid == "" || iid == "" {
		return errors.New("favorite_repository_fs: ownerID/itemID is empty")
	}

	_, err := r.items(oid).Doc(iid).Delete(ctx)
	return err
}

func (r *FavoriteRepositoryFS) ListPage(ctx context.Context, ownerID, basketID string, after *time.Time, limit int) (favdom.Page, error) {
	if r == nil || r.Client == nil {
		return favdom.Page{}, errors.New("favorite_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return favdom.Page{}, errors.New("favorite_repository_fs: ownerID is empty")
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.items(oid).Query
	if bid := strings.TrimSpace(basketID); bid != "" {
		q = q.Where("basketId", "==", bid)
	}
	q = q.OrderBy("addedAt", gfs.Desc)
	if after != nil {
		q = q.StartAfter(*after)
	}
	q = q.Limit(limit + 1)

	it := q.Documents(ctx)
	defer it.Stop()

	var items []favdom.Item
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return favdom.Page{}, err
		}
		item, err := DecodeFavoriteItem(doc.Ref.ID, doc.Data())
		if err != nil {
			continue
		}
		items = append(items, item)
	}

	page := favdom.Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		next := page.Items[len(page.Items)-1].AddedAt
		page.Next = &next
	}
	return page, nil
}

// searchBounds derives the [start, end] range for a name-prefix scan.
// U+F8FF is the highest code point Firestore orders, so every name
// starting with prefix falls inside the range.
func searchBounds(prefix string) (start, end string) {
	return prefix, prefix + ""
}

// Search runs a name-prefix filtered fetch within a basket.
// A superseding search cancels this one through ctx; the firestore
// iterator returns the context error and the caller discards it.
func (r *FavoriteRepositoryFS) Search(ctx context.Context, ownerID, basketID, query string, limit int) ([]favdom.Item, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("favorite_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("favorite_repository_fs: ownerID is empty")
	}
	if limit <= 0 {
		limit = 20
	}

	q := r.items(oid).Query
	if bid := strings.TrimSpace(basketID); bid != "" {
		q = q.Where("basketId", "==", bid)
	}
	prefix := strings.TrimSpace(query)
	q = q.OrderBy("name", gfs.Asc)
	if prefix != "" {
		start, end := searchBounds(prefix)
		q = q.StartAt(start).EndAt(end)
	}
	q = q.Limit(limit)

	it := q.Documents(ctx)
	defer it.Stop()

	var items []favdom.Item
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, err
		}
		item, err := DecodeFavoriteItem(doc.Ref.ID, doc.Data())
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Watch attaches a live listen scoped to one basket.
func (r *FavoriteRepositoryFS) Watch(ctx context.Context, ownerID, basketID string) (*syncer.Subscription, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("favorite_repository_fs: firestore client is nil")
	}
	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("favorite_repository_fs: ownerID is empty")
	}
	q := r.items(oid).Query
	if bid := strings.TrimSpace(basketID); bid != "" {
		q = q.Where("basketId", "==", bid)
	}
	return watchQuery(ctx, q, 64), nil
}

// -----------------------------------------
// Document mapping
// -----------------------------------------

func DecodeFavoriteItem(id string, data map[string]any) (favdom.Item, error) {
	if data == nil {
		return favdom.Item{}, favdom.ErrInvalidItem
	}
	for _, req := range []string{"name", "price", "stock", "sellerId", "sellerName"} {
		if !hasField(data, req) {
			return favdom.Item{}, favdom.ErrInvalidItem
		}
	}

	it := favdom.Item{
		ItemID:     strings.TrimSpace(id),
		BasketID:   strings.TrimSpace(asString(data["basketId"])),
		SellerID:   strings.TrimSpace(asString(data["sellerId"])),
		SellerName: strings.TrimSpace(asString(data["sellerName"])),
		IsShop:     asBool(data["isShop"]),
		Name:       asString(data["name"]),
		Price:      asFloat(data["price"]),
		Currency:   asString(data["currency"]),
		Images:     asStringSlice(data["images"]),
		Stock:      asInt(data["stock"]),
		Rating:     asFloat(data["rating"]),
	}
	if t, ok := asTime(data["addedAt"]); ok {
		it.AddedAt = t
	}
	if t, ok := asTime(data["updatedAt"]); ok {
		it.UpdatedAt = t
	}

	if err := it.Validate(); err != nil {
		return favdom.Item{}, err
	}
	return it, nil
}

func encodeFavoriteItem(it favdom.Item) map[string]any {
	doc := map[string]any{
		"itemId":     it.ItemID,
		"basketId":   it.BasketID,
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
	return doc
}
