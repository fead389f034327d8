package ecoshop

import (
	"context"
	"net/http"
	"net/url"
)

// CartLine is the compact product/variant/quantity tuple sent to the
// server during sync. Full denormalized items are never sent; the server
// owns price and stock truth.
type CartLine struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

// StockLevel is the server's current stock for one product line.
type StockLevel struct {
	ProductID      string `json:"productId"`
	VariantID      string `json:"variantId,omitempty"`
	AvailableStock int    `json:"availableStock"`
}

// CartService is the server surface the cart and wishlist stores sync
// against. Implementations translate failures into *Error values like the
// providers do.
type CartService interface {
	// SyncCart sends the full current line list and returns the server's
	// authoritative item list for the cart.
	SyncCart(ctx context.Context, userID string, lines []CartLine) ([]CartItem, error)

	// FetchCart returns the server's stored items for a user, used during
	// merge-on-login. A user with no server cart yields an empty list.
	FetchCart(ctx context.Context, userID string) ([]CartItem, error)

	// ValidatePromo validates a code against the given subtotal and returns
	// the applied promo with its discount computed server-side.
	ValidatePromo(ctx context.Context, code string, subtotal Money) (*AppliedPromoCode, error)

	// ValidateStock returns current stock for every given line without
	// mutating anything.
	ValidateStock(ctx context.Context, lines []CartLine) ([]StockLevel, error)
}

// RESTCartService implements CartService against the self-hosted backend's
// /cart and /promo endpoints.
type RESTCartService struct {
	rest   *restClient
	logger Logger
}

func NewRESTCartService(cfg SelfHostedConfig, logger Logger) *RESTCartService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RESTCartService{rest: newRESTClient(cfg), logger: logger}
}

func (s *RESTCartService) SyncCart(ctx context.Context, userID string, lines []CartLine) ([]CartItem, error) {
	body := map[string]interface{}{
		"userId": userID,
		"items":  lines,
	}
	var result struct {
		Items []CartItem `json:"items"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/cart/sync", nil, body, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (s *RESTCartService) FetchCart(ctx context.Context, userID string) ([]CartItem, error) {
	var result struct {
		Items []CartItem `json:"items"`
	}
	err := s.rest.doJSON(ctx, http.MethodGet, "/cart/"+url.PathEscape(userID), nil, nil, &result)
	if err != nil {
		if IsNotFound(err) {
			return []CartItem{}, nil
		}
		return nil, err
	}
	return result.Items, nil
}

func (s *RESTCartService) ValidatePromo(ctx context.Context, code string, subtotal Money) (*AppliedPromoCode, error) {
	body := map[string]interface{}{
		"code":     code,
		"subtotal": subtotal,
	}
	var promo AppliedPromoCode
	if err := s.rest.doJSON(ctx, http.MethodPost, "/promo/validate", nil, body, &promo); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (s *RESTCartService) ValidateStock(ctx context.Context, lines []CartLine) ([]StockLevel, error) {
	body := map[string]interface{}{"items": lines}
	var result struct {
		Levels []StockLevel `json:"levels"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/cart/validate-stock", nil, body, &result); err != nil {
		return nil, err
	}
	return result.Levels, nil
}

// DatabaseCartService adapts a DatabaseProvider into a CartService for
// backends without dedicated cart endpoints (firebase, supabase). Each
// user's cart is one document in the carts collection; promo codes and
// product stock are read from their own collections.
type DatabaseCartService struct {
	db     DatabaseProvider
	logger Logger
}

func NewDatabaseCartService(db DatabaseProvider, logger Logger) *DatabaseCartService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &DatabaseCartService{db: db, logger: logger}
}

type cartDocument struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Items  []CartItem `json:"items"`
}

func (s *DatabaseCartService) SyncCart(ctx context.Context, userID string, lines []CartLine) ([]CartItem, error) {
	items := make([]CartItem, 0, len(lines))
	for _, line := range lines {
		item, err := s.buildItem(ctx, line)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	doc := map[string]interface{}{"userId": userID, "items": items}
	existing, err := s.findCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if _, err := s.db.Insert(ctx, "carts", doc); err != nil {
			return nil, err
		}
	} else if err := s.db.Update(ctx, "carts", existing.ID, doc); err != nil {
		return nil, err
	}
	return items, nil
}

// buildItem resolves a line against the products collection so price and
// stock reflect the backend's current truth.
func (s *DatabaseCartService) buildItem(ctx context.Context, line CartLine) (CartItem, error) {
	var product struct {
		ID    string `json:"id"`
		Price Money  `json:"price"`
		Stock int    `json:"stock"`
	}
	if err := s.db.GetByID(ctx, "products", line.ProductID, &product); err != nil {
		return CartItem{}, err
	}

	item := CartItem{
		ID:             NewID(),
		ProductID:      line.ProductID,
		VariantID:      line.VariantID,
		Quantity:       line.Quantity,
		Price:          product.Price,
		TotalPrice:     product.Price.Mul(line.Quantity),
		AvailableStock: product.Stock,
		IsAvailable:    product.Stock >= line.Quantity,
	}
	return item, nil
}

func (s *DatabaseCartService) findCart(ctx context.Context, userID string) (*cartDocument, error) {
	var docs []cartDocument
	opts := QueryOptions{
		Conditions: []Condition{{Field: "userId", Operator: OpEqual, Value: userID}},
		Limit:      1,
	}
	if err := s.db.Query(ctx, "carts", opts, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (s *DatabaseCartService) FetchCart(ctx context.Context, userID string) ([]CartItem, error) {
	doc, err := s.findCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return []CartItem{}, nil
	}
	return doc.Items, nil
}

func (s *DatabaseCartService) ValidatePromo(ctx context.Context, code string, subtotal Money) (*AppliedPromoCode, error) {
	var promos []struct {
		Code   string    `json:"code"`
		Type   PromoType `json:"type"`
		Value  float64   `json:"value"`
		Active bool      `json:"active"`
	}
	opts := QueryOptions{
		Conditions: []Condition{{Field: "code", Operator: OpEqual, Value: code}},
		Limit:      1,
	}
	if err := s.db.Query(ctx, "promo_codes", opts, &promos); err != nil {
		return nil, err
	}
	if len(promos) == 0 || !promos[0].Active {
		return nil, Errorf(CodePromoInvalid, "promo code %q is not valid", code)
	}

	promo := promos[0]
	discount := Money{Currency: subtotal.Currency}
	switch promo.Type {
	case PromoPercentage:
		discount.Amount = subtotal.Amount * promo.Value / 100
	case PromoFixedAmount:
		discount.Amount = promo.Value
	case PromoFreeShipping:
		// Shipping is zeroed at summary time; no subtotal discount.
	default:
		return nil, Errorf(CodePromoInvalid, "unknown promo type %q", promo.Type)
	}

	return &AppliedPromoCode{
		Code:     promo.Code,
		Type:     promo.Type,
		Value:    promo.Value,
		Discount: discount,
	}, nil
}

func (s *DatabaseCartService) ValidateStock(ctx context.Context, lines []CartLine) ([]StockLevel, error) {
	levels := make([]StockLevel, 0, len(lines))
	for _, line := range lines {
		var product struct {
			Stock int `json:"stock"`
		}
		if err := s.db.GetByID(ctx, "products", line.ProductID, &product); err != nil {
			if IsNotFound(err) {
				levels = append(levels, StockLevel{ProductID: line.ProductID, VariantID: line.VariantID})
				continue
			}
			return nil, err
		}
		levels = append(levels, StockLevel{
			ProductID:      line.ProductID,
			VariantID:      line.VariantID,
			AvailableStock: product.Stock,
		})
	}
	return levels, nil
}
