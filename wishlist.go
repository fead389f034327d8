package ecoshop

import "time"

// WishlistItem is one saved product line, uniquely keyed by
// (productId, variantId).
type WishlistItem struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	VariantID string    `json:"variantId,omitempty"`
	AddedAt   time.Time `json:"addedAt"`

	// PendingSync marks items created while unauthenticated or offline;
	// they are pushed to the server on the next flush.
	PendingSync bool `json:"pendingSync,omitempty"`
}

func (i WishlistItem) lineKey() string {
	return i.ProductID + "|" + i.VariantID
}

// WishlistList is a named grouping of wishlist items.
type WishlistList struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ItemIDs   []string  `json:"itemIds"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
