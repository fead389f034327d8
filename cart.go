package ecoshop

import (
	"time"
)

// PromoType classifies how a promo code discounts the cart.
type PromoType string

const (
	PromoPercentage   PromoType = "percentage"
	PromoFixedAmount  PromoType = "fixed_amount"
	PromoFreeShipping PromoType = "free_shipping"
)

// AppliedPromoCode is a promo the server validated against this cart.
// Discount is computed once at validation time and cached; it is not
// recomputed when the subtotal later changes. Removing and reapplying the
// code revalidates.
type AppliedPromoCode struct {
	Code     string    `json:"code"`
	Type     PromoType `json:"type"`
	Value    float64   `json:"value"`
	Discount Money     `json:"discount"`
}

// Address is a shipping or billing address.
type Address struct {
	ID         string `json:"id,omitempty"`
	FullName   string `json:"fullName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// ShippingOption is one delivery method with its price.
type ShippingOption struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Price         Money  `json:"price"`
	EstimatedDays int    `json:"estimatedDays,omitempty"`
}

// CartItem is one product line. TotalPrice and IsAvailable are derived and
// recomputed after every mutation; AvailableStock is the server's last
// reported truth.
type CartItem struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"productId"`
	VariantID      string    `json:"variantId,omitempty"`
	Quantity       int       `json:"quantity"`
	Price          Money     `json:"price"`
	TotalPrice     Money     `json:"totalPrice"`
	IsAvailable    bool      `json:"isAvailable"`
	AvailableStock int       `json:"availableStock"`
	AddedAt        time.Time `json:"addedAt"`
}

// lineKey identifies a product line independent of the item id; merge and
// dedup logic keys on it.
func (i CartItem) lineKey() string {
	return i.ProductID + "|" + i.VariantID
}

// CartSummary is derived from items, shipping option and promo code. It is
// never mutated independently.
type CartSummary struct {
	Subtotal  Money `json:"subtotal"`
	Discount  Money `json:"discount"`
	Shipping  Money `json:"shipping"`
	Total     Money `json:"total"`
	ItemCount int   `json:"itemCount"`
}

// Cart is the canonical local-first aggregate. It exists from first launch,
// is mutated optimistically, persisted after every mutation and reconciled
// with the server best-effort.
type Cart struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId,omitempty"`
	Items           []CartItem        `json:"items"`
	Summary         CartSummary       `json:"summary"`
	PromoCode       *AppliedPromoCode `json:"promoCode,omitempty"`
	ShippingAddress *Address          `json:"shippingAddress,omitempty"`
	BillingAddress  *Address          `json:"billingAddress,omitempty"`
	ShippingOption  *ShippingOption   `json:"shippingOption,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// NewCart creates an empty cart for a fresh install.
func NewCart() Cart {
	c := Cart{ID: NewID(), Items: []CartItem{}, UpdatedAt: time.Now()}
	c.recompute()
	return c
}

// findItem returns the index of the item with the given id, or -1.
func (c *Cart) findItem(id string) int {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// findLine returns the index of the item for a product line, or -1.
func (c *Cart) findLine(productID, variantID string) int {
	key := productID + "|" + variantID
	for i := range c.Items {
		if c.Items[i].lineKey() == key {
			return i
		}
	}
	return -1
}

// recompute rederives every item's TotalPrice and IsAvailable and the whole
// summary. Total is clamped at zero; a free-shipping promo zeroes the
// shipping component instead of discounting the subtotal.
func (c *Cart) recompute() {
	currency := ""
	subtotal := 0.0
	count := 0
	for i := range c.Items {
		item := &c.Items[i]
		item.TotalPrice = item.Price.Mul(item.Quantity)
		item.IsAvailable = item.AvailableStock >= item.Quantity
		subtotal += item.TotalPrice.Amount
		count += item.Quantity
		if currency == "" {
			currency = item.Price.Currency
		}
	}

	shipping := 0.0
	if c.ShippingOption != nil {
		shipping = c.ShippingOption.Price.Amount
	}
	discount := 0.0
	if c.PromoCode != nil {
		if c.PromoCode.Type == PromoFreeShipping {
			shipping = 0
		} else {
			discount = c.PromoCode.Discount.Amount
		}
	}

	total := subtotal - discount + shipping
	if total < 0 {
		total = 0
	}

	c.Summary = CartSummary{
		Subtotal:  Money{Amount: subtotal, Currency: currency},
		Discount:  Money{Amount: discount, Currency: currency},
		Shipping:  Money{Amount: shipping, Currency: currency},
		Total:     Money{Amount: total, Currency: currency},
		ItemCount: count,
	}
	c.UpdatedAt = time.Now()
}

// clone returns a deep copy safe to hand to callers.
func (c Cart) clone() Cart {
	out := c
	out.Items = append([]CartItem(nil), c.Items...)
	if c.PromoCode != nil {
		promo := *c.PromoCode
		out.PromoCode = &promo
	}
	if c.ShippingAddress != nil {
		addr := *c.ShippingAddress
		out.ShippingAddress = &addr
	}
	if c.BillingAddress != nil {
		addr := *c.BillingAddress
		out.BillingAddress = &addr
	}
	if c.ShippingOption != nil {
		opt := *c.ShippingOption
		out.ShippingOption = &opt
	}
	return out
}
