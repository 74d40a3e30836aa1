// internal/domain/cart/repository_port.go
package cart

import (
	"context"
	"time"
)

// Page is one fetched page of a user's cart collection,
// ordered by addedAt descending.
type Page struct {
	Items []Item
	// HasMore is true iff the backing query returned more than the
	// requested page size.
	HasMore bool
	// Next is the addedAt of the last kept item; passed back as the
	// cursor of the following page. Nil when HasMore is false.
	Next *time.Time
}

// Repository is the outbound port for the remote cart collection.
//
// Nil policy: Get returns (nil, nil) when the document does not exist.
type Repository interface {
	Get(ctx context.Context, ownerID, itemID string) (*Item, error)
	Set(ctx context.Context, ownerID string, item Item) error
	UpdateQuantity(ctx context.Context, ownerID, itemID string, quantity int) error
	Delete(ctx context.Context, ownerID, itemID string) error
	// DeleteMany removes all given items atomically in one batched write.
	DeleteMany(ctx context.Context, ownerID string, itemIDs []string) error
	ListPage(ctx context.Context, ownerID string, after *time.Time, limit int) (Page, error)
}
