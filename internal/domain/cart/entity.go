// internal/domain/cart/entity.go
package cart

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidItem = errors.New("cart: invalid item")
)

// reservedExtraFields は Extra map が上書きしてはいけない予約フィールド名。
// システム側のフィールドと衝突する拡張キーは SetExtra で拒否される。
var reservedExtraFields = map[string]struct{}{
	"itemId":     {},
	"quantity":   {},
	"sellerId":   {},
	"sellerName": {},
	"isShop":     {},
	"name":       {},
	"price":      {},
	"currency":   {},
	"images":     {},
	"stock":      {},
	"rating":     {},
	"addedAt":    {},
	"updatedAt":  {},
}

// Item represents one line entry in a user's cart collection.
//
// Product display fields are a point-in-time copy captured at add-time.
// They may diverge from the live product and are reconciled only by
// explicit update operations, never silently.
type Item struct {
	ItemID   string `json:"itemId" firestore:"itemId"`
	Quantity int    `json:"quantity" firestore:"quantity"`

	SellerID   string `json:"sellerId" firestore:"sellerId"`
	SellerName string `json:"sellerName" firestore:"sellerName"`
	IsShop     bool   `json:"isShop" firestore:"isShop"`

	// Denormalized product snapshot.
	Name     string   `json:"name" firestore:"name"`
	Price    float64  `json:"price" firestore:"price"`
	Currency string   `json:"currency" firestore:"currency"`
	Images   []string `json:"images" firestore:"images"`
	Stock    int      `json:"stock" firestore:"stock"`
	Rating   float64  `json:"rating" firestore:"rating"`

	SelectedColor      string            `json:"selectedColor,omitempty" firestore:"selectedColor"`
	SelectedAttributes map[string]string `json:"selectedAttributes,omitempty" firestore:"selectedAttributes"`

	// Cached discount/bundle fields used for later payment validation.
	DiscountPrice float64 `json:"discountPrice,omitempty" firestore:"discountPrice"`
	BundleID      string  `json:"bundleId,omitempty" firestore:"bundleId"`

	AddedAt   time.Time `json:"addedAt" firestore:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`

	// Extra holds seller-defined or promotional fields that are not part
	// of the core record. Reserved field names may not be shadowed here.
	Extra map[string]any `json:"extra,omitempty" firestore:"extra"`

	// Optimistic is true only while the entry awaits server confirmation.
	// Never persisted.
	Optimistic bool `json:"optimistic,omitempty" firestore:"-"`

	// ShowSellerHeader is derived after sorting: true exactly when this
	// item's seller differs from the previous item's seller.
	ShowSellerHeader bool `json:"showSellerHeader,omitempty" firestore:"-"`
}

// Validate checks the invariants of a persisted line entry.
// quantity 0 or less is never persisted; it means deletion.
func (it *Item) Validate() error {
	if it == nil {
		return ErrInvalidItem
	}
	if strings.TrimSpace(it.ItemID) == "" {
		return ErrInvalidItem
	}
	if it.Quantity < 1 {
		return ErrInvalidItem
	}
	if strings.TrimSpace(it.SellerID) == "" || strings.TrimSpace(it.SellerName) == "" {
		return ErrInvalidItem
	}
	return nil
}

// SetExtra sets a seller-defined extension field.
// Reserved/system field names are rejected.
func (it *Item) SetExtra(key string, value any) error {
	k := strings.TrimSpace(key)
	if k == "" {
		return ErrInvalidItem
	}
	if _, reserved := reservedExtraFields[k]; reserved {
		return ErrInvalidItem
	}
	if it.Extra == nil {
		it.Extra = map[string]any{}
	}
	it.Extra[k] = value
	return nil
}

// IsReservedField reports whether name is on the extension deny-list.
func IsReservedField(name string) bool {
	_, ok := reservedExtraFields[strings.TrimSpace(name)]
	return ok
}

// Sort orders items by seller id ascending, then add time descending,
// and recomputes ShowSellerHeader for the resulting order.
func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SellerID != items[j].SellerID {
			return items[i].SellerID < items[j].SellerID
		}
		return items[i].AddedAt.After(items[j].AddedAt)
	})
	for i := range items {
		items[i].ShowSellerHeader = i == 0 || items[i].SellerID != items[i-1].SellerID
	}
}

// Subtotal is the locally derivable sum of price × quantity.
// 正式な totals（割引適用後）は gateway 側で計算される。
func Subtotal(items []Item) float64 {
	var sum float64
	for i := range items {
		price := items[i].Price
		if items[i].DiscountPrice > 0 && items[i].DiscountPrice < price {
			price = items[i].DiscountPrice
		}
		sum += price * float64(items[i].Quantity)
	}
	return sum
}

// IDs returns the item ids in current order.
func IDs(items []Item) []string {
	out := make([]string, 0, len(items))
	for i := range items {
		out = append(out, items[i].ItemID)
	}
	return out
}

// Clone returns a deep copy of items (maps and slices included).
func Clone(items []Item) []Item {
	if len(items) == 0 {
		return []Item{}
	}
	out := make([]Item, len(items))
	copy(out, items)
	for i := range out {
		if items[i].Images != nil {
			out[i].Images = append([]string(nil), items[i].Images...)
		}
		if items[i].SelectedAttributes != nil {
			m := make(map[string]string, len(items[i].SelectedAttributes))
			for k, v := range items[i].SelectedAttributes {
				m[k] = v
			}
			out[i].SelectedAttributes = m
		}
		if items[i].Extra != nil {
			m := make(map[string]any, len(items[i].Extra))
			for k, v := range items[i].Extra {
				m[k] = v
			}
			out[i].Extra = m
		}
	}
	return out
}
