package ecoshop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// TopicWishlistUpdated fires with a snapshot after every wishlist change.
const TopicWishlistUpdated = "wishlist:updated"

// WishlistStoreOptions tunes a WishlistStore.
type WishlistStoreOptions struct {
	Logger  Logger
	Metrics Metrics
	Bus     evbus.Bus

	// Collection is the backend collection wishlist items sync into.
	// Defaults to "wishlist_items".
	Collection string
}

// WishlistStore follows the same local-first pattern as the cart: items
// apply and persist locally first. Items created while unauthenticated or
// offline are marked pending and pushed to the backend by FlushPending,
// which the auth layer calls after login.
type WishlistStore struct {
	kv         KVStore
	db         DatabaseProvider
	bus        evbus.Bus
	logger     Logger
	metrics    Metrics
	collection string

	mu     sync.Mutex
	items  []WishlistItem
	lists  []WishlistList
	userID string
}

// NewWishlistStore loads persisted items and lists. db may be nil for a
// purely local wishlist; everything stays pending until a provider is
// available.
func NewWishlistStore(ctx context.Context, kv KVStore, db DatabaseProvider, opts WishlistStoreOptions) (*WishlistStore, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoOpMetrics{}
	}
	if opts.Collection == "" {
		opts.Collection = "wishlist_items"
	}

	s := &WishlistStore{
		kv:         kv,
		db:         db,
		bus:        opts.Bus,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		collection: opts.Collection,
	}

	if err := s.loadKey(ctx, WishlistItemsStorageKey, &s.items); err != nil {
		return nil, err
	}
	if err := s.loadKey(ctx, WishlistListsStorageKey, &s.lists); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WishlistStore) loadKey(ctx context.Context, key string, dest interface{}) error {
	raw, err := s.kv.GetItem(ctx, key)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		s.logger.Warn("persisted wishlist data is corrupt, starting empty", "key", key, "error", err)
	}
	return nil
}

// Items returns a copy of all wishlist items.
func (s *WishlistStore) Items() []WishlistItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WishlistItem(nil), s.items...)
}

// Lists returns a copy of all named lists.
func (s *WishlistStore) Lists() []WishlistList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WishlistList, len(s.lists))
	for i, l := range s.lists {
		out[i] = l
		out[i].ItemIDs = append([]string(nil), l.ItemIDs...)
	}
	return out
}

// Contains reports whether a product line is wishlisted.
func (s *WishlistStore) Contains(productID, variantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLine(productID, variantID) >= 0
}

func (s *WishlistStore) findLine(productID, variantID string) int {
	key := productID + "|" + variantID
	for i := range s.items {
		if s.items[i].lineKey() == key {
			return i
		}
	}
	return -1
}

// AddItem saves a product line. Adding an already wishlisted line succeeds
// without duplicating it. When a signed-in user has a live provider the
// item syncs immediately; otherwise it stays pending for FlushPending.
func (s *WishlistStore) AddItem(ctx context.Context, productID, variantID string) error {
	if productID == "" {
		return NewError(CodeValidation, "productId is required")
	}

	s.mu.Lock()
	if s.findLine(productID, variantID) >= 0 {
		s.mu.Unlock()
		return nil
	}
	item := WishlistItem{
		ID:          NewID(),
		ProductID:   productID,
		VariantID:   variantID,
		AddedAt:     time.Now(),
		PendingSync: true,
	}
	s.items = append(s.items, item)
	s.mu.Unlock()

	s.metrics.Increment(MetricWishlistMutations, "op", "add")
	if err := s.persistItems(ctx); err != nil {
		return err
	}
	s.trySync(ctx, item)
	s.publishSnapshot()
	return nil
}

// trySync pushes one item to the backend right away when possible; failure
// just leaves it pending.
func (s *WishlistStore) trySync(ctx context.Context, item WishlistItem) {
	s.mu.Lock()
	db, userID := s.db, s.userID
	s.mu.Unlock()
	if db == nil || userID == "" {
		return
	}

	doc := map[string]interface{}{
		"id":        item.ID,
		"userId":    userID,
		"productId": item.ProductID,
		"variantId": item.VariantID,
		"addedAt":   item.AddedAt,
	}
	if _, err := db.Insert(ctx, s.collection, doc); err != nil {
		s.logger.Warn("wishlist item sync failed, left pending", "productId", item.ProductID, "error", err)
		return
	}

	s.mu.Lock()
	if i := s.findLine(item.ProductID, item.VariantID); i >= 0 {
		s.items[i].PendingSync = false
	}
	s.mu.Unlock()
	if err := s.persistItems(ctx); err != nil {
		s.logger.Warn("failed to persist wishlist after sync", "error", err)
	}
}

// RemoveItem drops a product line locally and from the backend. Removing a
// line that is not present is a no-op.
func (s *WishlistStore) RemoveItem(ctx context.Context, productID, variantID string) error {
	s.mu.Lock()
	i := s.findLine(productID, variantID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	item := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	for li := range s.lists {
		s.lists[li].ItemIDs = removeString(s.lists[li].ItemIDs, item.ID)
	}
	db, userID := s.db, s.userID
	s.mu.Unlock()

	s.metrics.Increment(MetricWishlistMutations, "op", "remove")
	if err := s.persistItems(ctx); err != nil {
		return err
	}
	if err := s.persistLists(ctx); err != nil {
		return err
	}

	if db != nil && userID != "" && !item.PendingSync {
		if err := db.Delete(ctx, s.collection, item.ID); err != nil && !IsNotFound(err) {
			s.logger.Warn("wishlist item remote delete failed", "productId", productID, "error", err)
		}
	}
	s.publishSnapshot()
	return nil
}

// Toggle adds the line when absent and removes it when present, returning
// whether it is wishlisted afterwards.
func (s *WishlistStore) Toggle(ctx context.Context, productID, variantID string) (bool, error) {
	if s.Contains(productID, variantID) {
		return false, s.RemoveItem(ctx, productID, variantID)
	}
	return true, s.AddItem(ctx, productID, variantID)
}

// CreateList creates a named list.
func (s *WishlistStore) CreateList(ctx context.Context, name string) (WishlistList, error) {
	if name == "" {
		return WishlistList{}, NewError(CodeValidation, "list name is required")
	}

	now := time.Now()
	list := WishlistList{ID: NewID(), Name: name, ItemIDs: []string{}, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.lists = append(s.lists, list)
	s.mu.Unlock()

	if err := s.persistLists(ctx); err != nil {
		return WishlistList{}, err
	}
	s.publishSnapshot()
	return list, nil
}

// AddToList places a wishlisted item into a named list.
func (s *WishlistStore) AddToList(ctx context.Context, listID, itemID string) error {
	s.mu.Lock()
	li := -1
	for i := range s.lists {
		if s.lists[i].ID == listID {
			li = i
			break
		}
	}
	if li < 0 {
		s.mu.Unlock()
		return ErrNotFound.WithDetails(map[string]interface{}{"listId": listID})
	}
	found := false
	for _, item := range s.items {
		if item.ID == itemID {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return ErrNotFound.WithDetails(map[string]interface{}{"itemId": itemID})
	}
	for _, id := range s.lists[li].ItemIDs {
		if id == itemID {
			s.mu.Unlock()
			return nil
		}
	}
	s.lists[li].ItemIDs = append(s.lists[li].ItemIDs, itemID)
	s.lists[li].UpdatedAt = time.Now()
	s.mu.Unlock()

	if err := s.persistLists(ctx); err != nil {
		return err
	}
	s.publishSnapshot()
	return nil
}

// DeleteList removes a named list. Items themselves are untouched.
func (s *WishlistStore) DeleteList(ctx context.Context, listID string) error {
	s.mu.Lock()
	for i := range s.lists {
		if s.lists[i].ID == listID {
			s.lists = append(s.lists[:i], s.lists[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.persistLists(ctx); err != nil {
		return err
	}
	s.publishSnapshot()
	return nil
}

// FlushPending pushes every pending item to the backend for the signed-in
// user. The auth layer calls this after login; items that fail stay
// pending for the next flush.
func (s *WishlistStore) FlushPending(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.userID = userID
	pending := make([]WishlistItem, 0)
	for _, item := range s.items {
		if item.PendingSync {
			pending = append(pending, item)
		}
	}
	s.mu.Unlock()

	s.metrics.Gauge(MetricWishlistPending, float64(len(pending)))
	for _, item := range pending {
		s.trySync(ctx, item)
	}
	return nil
}

// Logout detaches the store from the user; items stay local and new ones
// queue as pending again.
func (s *WishlistStore) Logout() {
	s.mu.Lock()
	s.userID = ""
	s.mu.Unlock()
}

func (s *WishlistStore) persistItems(ctx context.Context) error {
	s.mu.Lock()
	raw, err := json.Marshal(s.items)
	s.mu.Unlock()
	if err != nil {
		return WrapError(CodeStorage, "wishlist items are not serializable", err)
	}
	if err := s.kv.SetItem(ctx, WishlistItemsStorageKey, string(raw)); err != nil {
		s.metrics.Increment(MetricPersistErrors)
		return err
	}
	s.metrics.Increment(MetricPersistWrites)
	return nil
}

func (s *WishlistStore) persistLists(ctx context.Context) error {
	s.mu.Lock()
	raw, err := json.Marshal(s.lists)
	s.mu.Unlock()
	if err != nil {
		return WrapError(CodeStorage, "wishlist lists are not serializable", err)
	}
	if err := s.kv.SetItem(ctx, WishlistListsStorageKey, string(raw)); err != nil {
		s.metrics.Increment(MetricPersistErrors)
		return err
	}
	s.metrics.Increment(MetricPersistWrites)
	return nil
}

func (s *WishlistStore) publishSnapshot() {
	if s.bus != nil {
		s.bus.Publish(TopicWishlistUpdated, s.Items())
	}
}

func removeString(list []string, target string) []string {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
