// internal/adapters/out/firestore/foodcart_repository_fs.go
package firestore

import (
	"context"
	"errors"
	"strings"

	gfs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	fooddom "marketsync/internal/domain/foodcart"
	syncer "marketsync/internal/sync"
)

// FoodCartRepositoryFS implements foodcart.Repository using Firestore.
//
// Collection design:
// - foodcarts/{ownerId}/lines/{lineKey}
// - lineKey = foodId + normalized extras encoding（同一フードでも
//   extras が違えば別ライン）
type FoodCartRepositoryFS struct {
	Client *gfs.Client
}

func NewFoodCartRepositoryFS(client *gfs.Client) *FoodCartRepositoryFS {
	return &FoodCartRepositoryFS{Client: client}
}

func (r *FoodCartRepositoryFS) lines(ownerID string) *gfs.CollectionRef {
	return r.Client.Collection("foodcarts").Doc(ownerID).Collection("lines")
}

func (r *FoodCartRepositoryFS) Get(ctx context.Context, ownerID, lineKey string) (*fooddom.Item, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("foodcart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	key := strings.TrimSpace(lineKey)
	if oid == "" || key == "" {
		return nil, errors.New("foodcart_repository_fs: ownerID/lineKey is empty")
	}

	snap, err := r.lines(oid).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	it, err := DecodeFoodItem(snap.Data())
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *FoodCartRepositoryFS) Set(ctx context.Context, ownerID string, item fooddom.Item) error {
	if r == nil || r.Client == nil {
		return errors.New("foodcart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return errors.New("foodcart_repository_fs: ownerID is empty")
	}
	if err := item.Validate(); err != nil {
		return err
	}

	_, err := r.lines(oid).Doc(item.LineKey()).Set(ctx, encodeFoodItem(item))
	return err
}

func (r *FoodCartRepositoryFS) Delete(ctx context.Context, ownerID, lineKey string) error {
	if r == nil || r.Client == nil {
		return errors.New("foodcart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	key := strings.TrimSpace(lineKey)
	if oid == "" || key == "" {
		return errors.New("foodcart_repository_fs: ownerID/lineKey is empty")
	}

	_, err := r.lines(oid).Doc(key).Delete(ctx)
	return err
}

func (r *FoodCartRepositoryFS) List(ctx context.Context, ownerID string) ([]fooddom.Item, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("foodcart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("foodcart_repository_fs: ownerID is empty")
	}

	it := r.lines(oid).Query.OrderBy("addedAt", gfs.Desc).Documents(ctx)
	defer it.Stop()

	var items []fooddom.Item
	for {
		doc, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, err
		}
		item, err := DecodeFoodItem(doc.Data())
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ReplaceAll wipes the cart and seeds it with items, atomically.
// Used by clear-and-add when switching restaurants.
func (r *FoodCartRepositoryFS) ReplaceAll(ctx context.Context, ownerID string, items []fooddom.Item) error {
	if r == nil || r.Client == nil {
		return errors.New("foodcart_repository_fs: firestore client is nil")
	}

	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return errors.New("foodcart_repository_fs: ownerID is empty")
	}

	// 既存ラインの ref を先に集める（batch は atomic）
	existing := r.lines(oid).DocumentRefs(ctx)
	batch := r.Client.Batch()
	for {
		ref, err := existing.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return err
		}
		batch.Delete(ref)
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return err
		}
		batch.Set(r.lines(oid).Doc(items[i].LineKey()), encodeFoodItem(items[i]))
	}
	_, err := batch.Commit(ctx)
	return err
}

// Watch attaches a live listen on the owner's food cart lines.
func (r *FoodCartRepositoryFS) Watch(ctx context.Context, ownerID string) (*syncer.Subscription, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("foodcart_repository_fs: firestore client is nil")
	}
	oid := strings.TrimSpace(ownerID)
	if oid == "" {
		return nil, errors.New("foodcart_repository_fs: ownerID is empty")
	}
	return watchQuery(ctx, r.lines(oid).Query, 64), nil
}

// -----------------------------------------
// Document mapping
// -----------------------------------------

func DecodeFoodItem(data map[string]any) (fooddom.Item, error) {
	if data == nil {
		return fooddom.Item{}, fooddom.ErrInvalidItem
	}
	for _, req := range []string{"foodId", "restaurantId", "name", "price"} {
		if !hasField(data, req) {
			return fooddom.Item{}, fooddom.ErrInvalidItem
		}
	}

	it := fooddom.Item{
		FoodID:         strings.TrimSpace(asString(data["foodId"])),
		RestaurantID:   strings.TrimSpace(asString(data["restaurantId"])),
		RestaurantName: asString(data["restaurantName"]),
		Name:           asString(data["name"]),
		Price:          asFloat(data["price"]),
		Currency:       asString(data["currency"]),
		Quantity:       asInt(data["quantity"]),
	}
	if raw, ok := data["extras"].([]any); ok {
		for _, e := range raw {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			it.Extras = append(it.Extras, fooddom.Extra{
				ID:    strings.TrimSpace(asString(m["id"])),
				Name:  asString(m["name"]),
				Price: asFloat(m["price"]),
			})
		}
	}
	if t, ok := asTime(data["addedAt"]); ok {
		it.AddedAt = t
	}
	if t, ok := asTime(data["updatedAt"]); ok {
		it.UpdatedAt = t
	}

	if err := it.Validate(); err != nil {
		return fooddom.Item{}, err
	}
	return it, nil
}

func encodeFoodItem(it fooddom.Item) map[string]any {
	doc := map[string]any{
		"foodId":         it.FoodID,
		"restaurantId":   it.RestaurantID,
		"restaurantName": it.RestaurantName,
		"name":           it.Name,
		"price":          it.Price,
		"currency":       it.Currency,
		"quantity":       it.Quantity,
		"updatedAt":      gfs.ServerTimestamp,
	}
	if it.AddedAt.IsZero() {
		doc["addedAt"] = gfs.ServerTimestamp
	} else {
		doc["addedAt"] = it.AddedAt
	}
	if len(it.Extras) > 0 {
		extras := make([]map[string]any, 0, len(it.Extras))
		for i := range it.Extras {
			extras = append(extras, map[string]any{
				"id":    it.Extras[i].ID,
				"name":  it.Extras[i].Name,
				"price": it.Extras[i].Price,
			})
		}
		doc["extras"] = extras
	}
	return doc
}
