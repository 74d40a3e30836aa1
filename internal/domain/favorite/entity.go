// internal/domain/favorite/entity.go
package favorite

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidItem = errors.New("favorite: invalid item")
)

// Item is one favorited product owned by one user, scoped to a basket.
// Favorites carry no quantity; membership is the state.
type Item struct {
	ItemID     string `json:"itemId" firestore:"itemId"`
	BasketID   string `json:"basketId" firestore:"basketId"`
	SellerID   string `json:"sellerId" firestore:"sellerId"`
	SellerName string `json:"sellerName" firestore:"sellerName"`
	IsShop     bool   `json:"isShop" firestore:"isShop"`

	// Denormalized product snapshot captured at add-time.
	Name     string   `json:"name" firestore:"name"`
	Price    float64  `json:"price" firestore:"price"`
	Currency string   `json:"currency" firestore:"currency"`
	Images   []string `json:"images" firestore:"images"`
	Stock    int      `json:"stock" firestore:"stock"`
	Rating   float64  `json:"rating" firestore:"rating"`

	AddedAt   time.Time `json:"addedAt" firestore:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`

	// Optimistic is true only while awaiting server confirmation.
	Optimistic bool `json:"optimistic,omitempty" firestore:"-"`
}

func (it *Item) Validate() error {
	if it == nil {
		return ErrInvalidItem
	}
	if strings.TrimSpace(it.ItemID) == "" {
		return ErrInvalidItem
	}
	if strings.TrimSpace(it.SellerID) == "" || strings.TrimSpace(it.SellerName) == "" {
		return ErrInvalidItem
	}
	return nil
}

// Page is one fetched page of a basket, ordered by addedAt descending.
type Page struct {
	Items   []Item
	HasMore bool
	Next    *time.Time
}

// Repository is the outbound port for the remote favorites collection.
// Nil policy: Get returns (nil, nil) when absent.
type Repository interface {
	Get(ctx context.Context, ownerID, basketID, itemID string) (*Item, error)
	Set(ctx context.Context, ownerID string, item Item) error
	Delete(ctx context.Context, ownerID, basketID, itemID string) error
	ListPage(ctx context.Context, ownerID, basketID string, after *time.Time, limit int) (Page, error)
	// Search runs a filtered fetch within a basket (name prefix match).
	// Callers cancel a superseded search through ctx.
	Search(ctx context.Context, ownerID, basketID, query string, limit int) ([]Item, error)
}
