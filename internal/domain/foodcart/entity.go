// internal/domain/foodcart/entity.go
package foodcart

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidItem = errors.New("foodcart: invalid item")
)

// Extra is one selected option on a food line (topping, size, ...).
type Extra struct {
	ID    string  `json:"id" firestore:"id"`
	Name  string  `json:"name" firestore:"name"`
	Price float64 `json:"price" firestore:"price"`
}

// Item is one line in the food-delivery cart.
//
// Two entries for the same food id but different selected extras are
// distinct line items; LineKey is the identity.
type Item struct {
	FoodID         string  `json:"foodId" firestore:"foodId"`
	RestaurantID   string  `json:"restaurantId" firestore:"restaurantId"`
	RestaurantName string  `json:"restaurantName" firestore:"restaurantName"`
	Name           string  `json:"name" firestore:"name"`
	Price          float64 `json:"price" firestore:"price"`
	Currency       string  `json:"currency" firestore:"currency"`
	Quantity       int     `json:"quantity" firestore:"quantity"`
	Extras         []Extra `json:"extras,omitempty" firestore:"extras"`

	AddedAt   time.Time `json:"addedAt" firestore:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`

	// Optimistic is true only while awaiting server confirmation.
	Optimistic bool `json:"optimistic,omitempty" firestore:"-"`
}

func (it *Item) Validate() error {
	if it == nil {
		return ErrInvalidItem
	}
	if strings.TrimSpace(it.FoodID) == "" || strings.TrimSpace(it.RestaurantID) == "" {
		return ErrInvalidItem
	}
	if it.Quantity < 1 {
		return ErrInvalidItem
	}
	return nil
}

// LineKey returns the deterministic composite key of this line:
// the food id plus a normalized (sorted) encoding of the extra ids.
func (it *Item) LineKey() string {
	return LineKey(it.FoodID, it.Extras)
}

// LineKey builds the composite line identity for a food and its extras.
// Extra order does not matter; ids are sorted before encoding.
func LineKey(foodID string, extras []Extra) string {
	fid := strings.TrimSpace(foodID)
	if len(extras) == 0 {
		return fid
	}
	ids := make([]string, 0, len(extras))
	for i := range extras {
		if id := strings.TrimSpace(extras[i].ID); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return fid + "|" + strings.Join(ids, ",")
}

// LineTotal is the unit price plus extras, times quantity.
func (it *Item) LineTotal() float64 {
	unit := it.Price
	for i := range it.Extras {
		unit += it.Extras[i].Price
	}
	return unit * float64(it.Quantity)
}

// RestaurantOf returns the restaurant id owning the given lines,
// or "" for an empty cart. All lines share one restaurant; that
// invariant is enforced by the engine before items reach storage.
func RestaurantOf(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	return items[0].RestaurantID
}

// Repository is the outbound port for the remote food-cart collection.
// Nil policy: Get returns (nil, nil) when absent.
type Repository interface {
	Get(ctx context.Context, ownerID, lineKey string) (*Item, error)
	Set(ctx context.Context, ownerID string, item Item) error
	Delete(ctx context.Context, ownerID, lineKey string) error
	List(ctx context.Context, ownerID string) ([]Item, error)
	// ReplaceAll atomically wipes the cart and seeds it with items,
	// in one batched write.
	ReplaceAll(ctx context.Context, ownerID string, items []Item) error
}
