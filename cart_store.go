package ecoshop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Event bus topics the cart store publishes on.
const (
	TopicCartUpdated    = "cart:updated"
	TopicCartSynced     = "cart:synced"
	TopicCartSyncFailed = "cart:sync_failed"
)

// syncState is the explicit state of the mutation/sync machine. Transitions:
// idle -> scheduled on mutation, scheduled -> inflight when the debounce
// fires, inflight -> reconciled or failed, and any state -> scheduled on the
// next mutation.
type syncState string

const (
	syncIdle       syncState = "idle"
	syncScheduled  syncState = "scheduled"
	syncInFlight   syncState = "in_flight"
	syncReconciled syncState = "reconciled"
	syncFailed     syncState = "failed"
)

// AddItemInput describes the product line being added. Price and
// AvailableStock come from the product the caller is looking at; the next
// sync replaces them with server truth.
type AddItemInput struct {
	ProductID      string
	VariantID      string
	Quantity       int
	Price          Money
	AvailableStock int
}

// CartStoreOptions tunes a CartStore. Zero values fall back to defaults.
type CartStoreOptions struct {
	Debounce time.Duration
	Logger   Logger
	Metrics  Metrics
	Bus      evbus.Bus
}

// CartStore owns the local-first cart. Every mutation applies optimistically
// to the in-memory cart, persists the new snapshot to the KV store, and then
// schedules a debounced sync; a burst of mutations collapses into one
// round-trip. Failed syncs keep local state untouched and retry on the next
// schedule.
type CartStore struct {
	kv      KVStore
	svc     CartService
	bus     evbus.Bus
	logger  Logger
	metrics Metrics

	debounce time.Duration

	mu        sync.Mutex
	cart      Cart
	state     syncState
	lastError string
	timer     *time.Timer

	// seq counts mutations; a sync that departed at seq n is discarded when
	// the cart has moved past n by the time the response lands.
	seq       uint64
	mergeDone bool
}

// NewCartStore loads the persisted cart snapshot (or starts empty) and is
// ready for mutations immediately.
func NewCartStore(ctx context.Context, kv KVStore, svc CartService, opts CartStoreOptions) (*CartStore, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoOpMetrics{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultSyncDebounce
	}

	s := &CartStore{
		kv:       kv,
		svc:      svc,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		debounce: opts.Debounce,
		state:    syncIdle,
	}

	raw, err := kv.GetItem(ctx, CartStorageKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		s.cart = NewCart()
	} else if err := json.Unmarshal([]byte(raw), &s.cart); err != nil {
		s.logger.Warn("persisted cart is corrupt, starting empty", "error", err)
		s.cart = NewCart()
	}
	return s, nil
}

// Close stops the pending sync timer. In-flight syncs finish on their own.
func (s *CartStore) Close() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current cart.
func (s *CartStore) Snapshot() Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.clone()
}

// LastError returns the user-facing message of the last failed operation,
// empty when the store is healthy.
func (s *CartStore) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// SyncState exposes the machine state for observability.
func (s *CartStore) SyncState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.state)
}

// AddItem adds a product line, folding into an existing line for the same
// (productId, variantId). The quantity is gated by the line's known stock;
// on failure the cart is unchanged.
func (s *CartStore) AddItem(ctx context.Context, input AddItemInput) error {
	if input.Quantity < 1 {
		return s.validationFailed(NewError(CodeValidation, "quantity must be at least 1"))
	}
	if input.ProductID == "" {
		return s.validationFailed(NewError(CodeValidation, "productId is required"))
	}

	return s.mutate(ctx, "add_item", func(c *Cart) error {
		quantity := input.Quantity
		if i := c.findLine(input.ProductID, input.VariantID); i >= 0 {
			quantity += c.Items[i].Quantity
		}
		if quantity > input.AvailableStock {
			return Errorf(CodeStock, "insufficient stock: maximum %d available", input.AvailableStock)
		}

		if i := c.findLine(input.ProductID, input.VariantID); i >= 0 {
			c.Items[i].Quantity = quantity
			c.Items[i].Price = input.Price
			c.Items[i].AvailableStock = input.AvailableStock
			return nil
		}
		c.Items = append(c.Items, CartItem{
			ID:             NewID(),
			ProductID:      input.ProductID,
			VariantID:      input.VariantID,
			Quantity:       input.Quantity,
			Price:          input.Price,
			AvailableStock: input.AvailableStock,
			AddedAt:        time.Now(),
		})
		return nil
	})
}

// RemoveItem removes a line by item id. Removing an id that is not present
// succeeds without effect.
func (s *CartStore) RemoveItem(ctx context.Context, itemID string) error {
	return s.mutate(ctx, "remove_item", func(c *Cart) error {
		i := c.findItem(itemID)
		if i < 0 {
			return nil
		}
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
		return nil
	})
}

// UpdateQuantity sets a line's quantity, gated by its last known stock.
func (s *CartStore) UpdateQuantity(ctx context.Context, itemID string, quantity int) error {
	if quantity < 1 {
		return s.validationFailed(NewError(CodeValidation, "quantity must be at least 1"))
	}

	return s.mutate(ctx, "update_quantity", func(c *Cart) error {
		i := c.findItem(itemID)
		if i < 0 {
			return ErrNotFound.WithDetails(map[string]interface{}{"itemId": itemID})
		}
		if quantity > c.Items[i].AvailableStock {
			return Errorf(CodeStock, "insufficient stock: maximum %d available", c.Items[i].AvailableStock)
		}
		c.Items[i].Quantity = quantity
		return nil
	})
}

// ApplyPromoCode validates the code server-side against the current
// subtotal and caches the computed discount. The discount is not
// recomputed when the subtotal later changes; remove and reapply to
// revalidate.
func (s *CartStore) ApplyPromoCode(ctx context.Context, code string) error {
	s.mu.Lock()
	subtotal := s.cart.Summary.Subtotal
	s.mu.Unlock()

	promo, err := s.svc.ValidatePromo(ctx, code, subtotal)
	if err != nil {
		s.recordError(err)
		return err
	}

	return s.mutate(ctx, "apply_promo", func(c *Cart) error {
		c.PromoCode = promo
		return nil
	})
}

// RemovePromoCode drops the applied promo. A no-op when none is applied.
func (s *CartStore) RemovePromoCode(ctx context.Context) error {
	return s.mutate(ctx, "remove_promo", func(c *Cart) error {
		c.PromoCode = nil
		return nil
	})
}

// SetShippingAddress sets the delivery address.
func (s *CartStore) SetShippingAddress(ctx context.Context, addr Address) error {
	return s.mutate(ctx, "set_shipping_address", func(c *Cart) error {
		c.ShippingAddress = &addr
		return nil
	})
}

// SetBillingAddress sets the billing address.
func (s *CartStore) SetBillingAddress(ctx context.Context, addr Address) error {
	return s.mutate(ctx, "set_billing_address", func(c *Cart) error {
		c.BillingAddress = &addr
		return nil
	})
}

// SetShippingOption selects a delivery method; the summary picks up its
// price.
func (s *CartStore) SetShippingOption(ctx context.Context, opt ShippingOption) error {
	return s.mutate(ctx, "set_shipping_option", func(c *Cart) error {
		c.ShippingOption = &opt
		return nil
	})
}

// Clear empties the cart, dropping items, promo, addresses and shipping
// selection. The cart itself survives with the same id.
func (s *CartStore) Clear(ctx context.Context) error {
	return s.mutate(ctx, "clear", func(c *Cart) error {
		c.Items = []CartItem{}
		c.PromoCode = nil
		c.ShippingAddress = nil
		c.BillingAddress = nil
		c.ShippingOption = nil
		return nil
	})
}

// ValidateStock refreshes availableStock and isAvailable for every line
// from the server. Quantities are never changed here; adjusting them is a
// separate user action gated by the refreshed ceiling.
func (s *CartStore) ValidateStock(ctx context.Context) error {
	s.mu.Lock()
	lines := cartLines(s.cart)
	s.mu.Unlock()
	if len(lines) == 0 {
		return nil
	}

	levels, err := s.svc.ValidateStock(ctx, lines)
	if err != nil {
		s.recordError(err)
		return err
	}

	byLine := make(map[string]int, len(levels))
	for _, level := range levels {
		byLine[level.ProductID+"|"+level.VariantID] = level.AvailableStock
	}

	s.mu.Lock()
	for i := range s.cart.Items {
		if stock, ok := byLine[s.cart.Items[i].lineKey()]; ok {
			s.cart.Items[i].AvailableStock = stock
		}
	}
	s.cart.recompute()
	snapshot := s.cart.clone()
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.publish(TopicCartUpdated, snapshot)
	return nil
}

// MergeOnLogin reconciles the local cart with the server's cart for the
// newly authenticated user. Items are unioned by (productId, variantId):
// local items win presence and quantity, server items missing locally are
// adopted, and server price/stock overwrite local copies. The follow-up
// sync pushes local-only items to the server. Runs once per authentication
// transition.
func (s *CartStore) MergeOnLogin(ctx context.Context, userID string) error {
	s.mu.Lock()
	if s.mergeDone && s.cart.UserID == userID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	serverItems, err := s.svc.FetchCart(ctx, userID)
	if err != nil {
		s.recordError(err)
		return err
	}

	err = s.mutate(ctx, "merge_on_login", func(c *Cart) error {
		c.UserID = userID
		for _, sv := range serverItems {
			if i := c.findLine(sv.ProductID, sv.VariantID); i >= 0 {
				c.Items[i].Price = sv.Price
				c.Items[i].AvailableStock = sv.AvailableStock
				continue
			}
			item := sv
			if item.ID == "" {
				item.ID = NewID()
			}
			if item.AddedAt.IsZero() {
				item.AddedAt = time.Now()
			}
			c.Items = append(c.Items, item)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mergeDone = true
	s.mu.Unlock()
	s.metrics.Increment(MetricCartMerges)
	return nil
}

// Logout detaches the cart from the user. Local items stay; the next login
// merges again.
func (s *CartStore) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.mergeDone = false
	s.mu.Unlock()
	return s.mutate(ctx, "logout", func(c *Cart) error {
		c.UserID = ""
		return nil
	})
}

// Flush runs any pending sync immediately instead of waiting out the
// debounce window.
func (s *CartStore) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.state == syncScheduled || s.state == syncFailed
	s.mu.Unlock()
	if pending {
		s.syncNow(ctx)
	}
}

// mutate is the single mutation path: apply the change to the in-memory
// cart, recompute the summary, persist the snapshot, then schedule the
// debounced sync. Persistence strictly precedes any network activity so a
// restart never loses an applied mutation.
func (s *CartStore) mutate(ctx context.Context, op string, fn func(*Cart) error) error {
	s.mu.Lock()
	if err := fn(&s.cart); err != nil {
		s.mu.Unlock()
		s.recordError(err)
		return err
	}
	s.cart.recompute()
	s.seq++
	snapshot := s.cart.clone()
	s.mu.Unlock()

	s.metrics.Increment(MetricCartMutations, "op", op)
	s.metrics.Gauge(MetricCartItems, float64(snapshot.Summary.ItemCount))

	if err := s.persist(ctx, snapshot); err != nil {
		return err
	}
	s.scheduleSync()
	s.publish(TopicCartUpdated, snapshot)
	return nil
}

func (s *CartStore) persist(ctx context.Context, snapshot Cart) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return WrapError(CodeStorage, "cart is not serializable", err)
	}
	if err := s.kv.SetItem(ctx, CartStorageKey, string(raw)); err != nil {
		s.metrics.Increment(MetricPersistErrors)
		s.recordError(err)
		return err
	}
	s.metrics.Increment(MetricPersistWrites)
	return nil
}

// scheduleSync (re)arms the debounce timer. Every mutation inside the
// window pushes the single round-trip out again.
func (s *CartStore) scheduleSync() {
	if s.svc == nil {
		return
	}
	s.mu.Lock()
	s.state = syncScheduled
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.syncNow(context.Background())
	})
	s.mu.Unlock()
}

// syncNow sends the full current line list. The server's returned items are
// applied as an authoritative overlay for price and stock; local wins
// presence, quantity and local-only fields. A response that raced a newer
// mutation is discarded, since the next debounced sync already covers the
// newer state.
func (s *CartStore) syncNow(ctx context.Context) {
	s.mu.Lock()
	seq := s.seq
	userID := s.cart.UserID
	lines := cartLines(s.cart)
	s.state = syncInFlight
	s.mu.Unlock()

	start := time.Now()
	items, err := s.svc.SyncCart(ctx, userID, lines)
	s.metrics.Timing(MetricCartSyncLatency, time.Since(start))
	s.metrics.Increment(MetricCartSyncs)

	if err != nil {
		s.metrics.Increment(MetricCartSyncErrors)
		s.logger.Warn("cart sync failed, keeping local state", "error", err)
		s.mu.Lock()
		s.state = syncFailed
		s.lastError = userFacingMessage(err)
		s.mu.Unlock()
		s.publish(TopicCartSyncFailed, err)
		return
	}

	s.mu.Lock()
	if s.seq != seq {
		// Superseded by a newer mutation while in flight.
		s.mu.Unlock()
		return
	}
	overlayServerItems(&s.cart, items)
	s.cart.recompute()
	s.state = syncReconciled
	s.lastError = ""
	snapshot := s.cart.clone()
	s.mu.Unlock()

	if err := s.persist(ctx, snapshot); err != nil {
		s.logger.Warn("failed to persist reconciled cart", "error", err)
	}
	s.publish(TopicCartSynced, snapshot)
}

// overlayServerItems merges the server's echoed item list into the cart.
// Server truth: price and stock. Local truth: which lines exist, their
// quantities, ids and timestamps.
func overlayServerItems(c *Cart, serverItems []CartItem) {
	byLine := make(map[string]CartItem, len(serverItems))
	for _, item := range serverItems {
		byLine[item.lineKey()] = item
	}
	for i := range c.Items {
		if sv, ok := byLine[c.Items[i].lineKey()]; ok {
			c.Items[i].Price = sv.Price
			c.Items[i].AvailableStock = sv.AvailableStock
		}
	}
}

func cartLines(c Cart) []CartLine {
	lines := make([]CartLine, len(c.Items))
	for i, item := range c.Items {
		lines[i] = CartLine{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		}
	}
	return lines
}

func (s *CartStore) validationFailed(err *Error) error {
	s.recordError(err)
	return err
}

func (s *CartStore) recordError(err error) {
	s.mu.Lock()
	s.lastError = userFacingMessage(err)
	s.mu.Unlock()
}

func (s *CartStore) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// userFacingMessage keeps the dedicated messages for insufficient stock and
// invalid promo codes; everything else degrades to a generic retry message.
func userFacingMessage(err error) string {
	e := AsError(err)
	if e == nil {
		return ""
	}
	switch e.Code {
	case CodeStock, CodePromoInvalid, CodeValidation:
		return e.Message
	default:
		return "something went wrong, your changes will be retried"
	}
}
