package ecoshop

import (
	"context"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCartService records calls and lets tests script the server side.
type fakeCartService struct {
	mu         sync.Mutex
	syncCalls  int
	fetchCalls int
	lastUserID string
	lastLines  []CartLine

	syncErr     error
	syncItems   []CartItem // overrides the default echo when set
	serverItems []CartItem
	promos      map[string]*AppliedPromoCode
	stock       []StockLevel
}

func (f *fakeCartService) SyncCart(ctx context.Context, userID string, lines []CartLine) ([]CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	f.lastUserID = userID
	f.lastLines = append([]CartLine(nil), lines...)

	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if f.syncItems != nil {
		return f.syncItems, nil
	}
	items := make([]CartItem, len(lines))
	for i, line := range lines {
		items[i] = CartItem{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity}
	}
	return items, nil
}

func (f *fakeCartService) FetchCart(ctx context.Context, userID string) ([]CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.serverItems, nil
}

func (f *fakeCartService) ValidatePromo(ctx context.Context, code string, subtotal Money) (*AppliedPromoCode, error) {
	if promo, ok := f.promos[code]; ok {
		return promo, nil
	}
	return nil, Errorf(CodePromoInvalid, "promo code %q is not valid", code)
}

func (f *fakeCartService) ValidateStock(ctx context.Context, lines []CartLine) ([]StockLevel, error) {
	return f.stock, nil
}

func (f *fakeCartService) calls() (syncs, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls, f.fetchCalls
}

func newTestCartStore(t *testing.T, svc CartService, opts CartStoreOptions) (*CartStore, *MemoryKVStore) {
	t.Helper()
	kv := NewMemoryKVStore()
	store, err := NewCartStore(context.Background(), kv, svc, opts)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, kv
}

func TestCartStore_AddItem(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{
		ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5,
	}))

	cart := store.Snapshot()
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
	assert.Equal(t, usd(20), cart.Items[0].TotalPrice)
	assert.Equal(t, 20.0, cart.Summary.Total.Amount)

	t.Run("same line folds", func(t *testing.T) {
		require.NoError(t, store.AddItem(ctx, AddItemInput{
			ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 5,
		}))

		cart := store.Snapshot()
		require.Len(t, cart.Items, 1)
		assert.Equal(t, 3, cart.Items[0].Quantity)
	})

	t.Run("different variant is a new line", func(t *testing.T) {
		require.NoError(t, store.AddItem(ctx, AddItemInput{
			ProductID: "p1", VariantID: "red", Quantity: 1, Price: usd(10), AvailableStock: 5,
		}))
		assert.Len(t, store.Snapshot().Items, 2)
	})
}

func TestCartStore_StockGate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCartStore(t, &fakeCartService{}, CartStoreOptions{Debounce: time.Hour})

	err := store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 5, Price: usd(10), AvailableStock: 3})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeStock))
	assert.Contains(t, err.Error(), "maximum 3")
	assert.Empty(t, store.Snapshot().Items, "failed add must not touch the cart")
	assert.Contains(t, store.LastError(), "maximum 3")

	t.Run("folding counts existing quantity", func(t *testing.T) {
		require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 3}))

		err := store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 3})
		assert.True(t, IsCode(err, CodeStock))
		assert.Equal(t, 2, store.Snapshot().Items[0].Quantity)
	})

	t.Run("update quantity gated too", func(t *testing.T) {
		itemID := store.Snapshot().Items[0].ID
		err := store.UpdateQuantity(ctx, itemID, 9)
		assert.True(t, IsCode(err, CodeStock))

		require.NoError(t, store.UpdateQuantity(ctx, itemID, 3))
		assert.Equal(t, 3, store.Snapshot().Items[0].Quantity)
	})
}

func TestCartStore_RemoveItemIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCartStore(t, &fakeCartService{}, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 5}))
	itemID := store.Snapshot().Items[0].ID

	require.NoError(t, store.RemoveItem(ctx, itemID))
	assert.Empty(t, store.Snapshot().Items)

	require.NoError(t, store.RemoveItem(ctx, itemID), "removing a missing item succeeds")
	require.NoError(t, store.RemoveItem(ctx, "never-existed"))
}

func TestCartStore_PersistsBeforeSync(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{}
	store, kv := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5}))

	// The snapshot is durable while the sync is still an hour away.
	raw, err := kv.GetItem(ctx, CartStorageKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"p1"`)
	syncs, _ := svc.calls()
	assert.Equal(t, 0, syncs)

	reloaded, err := NewCartStore(ctx, kv, svc, CartStoreOptions{Debounce: time.Hour})
	require.NoError(t, err)
	defer reloaded.Close()

	cart := reloaded.Snapshot()
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
	assert.Equal(t, 2, cart.Items[0].Quantity)
	assert.Equal(t, 20.0, cart.Summary.Total.Amount)
}

func TestCartStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKVStore()
	require.NoError(t, kv.SetItem(ctx, CartStorageKey, "{not json"))

	store, err := NewCartStore(ctx, kv, &fakeCartService{}, CartStoreOptions{})
	require.NoError(t, err)
	defer store.Close()
	assert.Empty(t, store.Snapshot().Items)
}

func TestCartStore_DebounceCollapsesBurst(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: 40 * time.Millisecond})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 10}))
	itemID := store.Snapshot().Items[0].ID
	for q := 2; q <= 5; q++ {
		require.NoError(t, store.UpdateQuantity(ctx, itemID, q))
	}

	require.Eventually(t, func() bool {
		return store.SyncState() == string(syncReconciled)
	}, 2*time.Second, 10*time.Millisecond)

	syncs, _ := svc.calls()
	assert.Equal(t, 1, syncs, "burst must collapse into one round-trip")
	require.Len(t, svc.lastLines, 1)
	assert.Equal(t, 5, svc.lastLines[0].Quantity, "sync carries the final quantity")
}

func TestCartStore_FlushSyncsImmediately(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 5}))
	store.Flush(ctx)

	syncs, _ := svc.calls()
	assert.Equal(t, 1, syncs)
	assert.Equal(t, string(syncReconciled), store.SyncState())

	t.Run("nothing pending is a no-op", func(t *testing.T) {
		store.Flush(ctx)
		syncs, _ := svc.calls()
		assert.Equal(t, 1, syncs)
	})
}

func TestCartStore_ServerOverlayWinsPriceAndStock(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{
		syncItems: []CartItem{{ProductID: "p1", Quantity: 99, Price: usd(12), AvailableStock: 7}},
	}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5}))
	store.Flush(ctx)

	cart := store.Snapshot()
	require.Len(t, cart.Items, 1)
	assert.Equal(t, usd(12), cart.Items[0].Price, "server wins price")
	assert.Equal(t, 7, cart.Items[0].AvailableStock, "server wins stock")
	assert.Equal(t, 2, cart.Items[0].Quantity, "local wins quantity")
	assert.Equal(t, 24.0, cart.Summary.Total.Amount, "summary rederives from the overlay")
}

func TestCartStore_SyncFailureKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{syncErr: NewError(CodeNetwork, "connection refused")}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5}))
	store.Flush(ctx)

	assert.Equal(t, string(syncFailed), store.SyncState())
	assert.Equal(t, "something went wrong, your changes will be retried", store.LastError())

	cart := store.Snapshot()
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity, "no rollback on sync failure")

	t.Run("next flush retries", func(t *testing.T) {
		svc.mu.Lock()
		svc.syncErr = nil
		svc.mu.Unlock()

		store.Flush(ctx)
		assert.Equal(t, string(syncReconciled), store.SyncState())
		assert.Empty(t, store.LastError())
	})
}

func TestCartStore_PromoCodes(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{
		promos: map[string]*AppliedPromoCode{
			"TEN": {Code: "TEN", Type: PromoPercentage, Value: 10, Discount: usd(2)},
		},
	}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})
	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5}))

	t.Run("apply caches discount", func(t *testing.T) {
		require.NoError(t, store.ApplyPromoCode(ctx, "TEN"))

		cart := store.Snapshot()
		require.NotNil(t, cart.PromoCode)
		assert.Equal(t, 2.0, cart.Summary.Discount.Amount)
		assert.Equal(t, 18.0, cart.Summary.Total.Amount)
	})

	t.Run("invalid code leaves cart untouched", func(t *testing.T) {
		err := store.ApplyPromoCode(ctx, "BOGUS")
		require.Error(t, err)
		assert.True(t, IsCode(err, CodePromoInvalid))
		assert.Contains(t, store.LastError(), "BOGUS")

		cart := store.Snapshot()
		require.NotNil(t, cart.PromoCode)
		assert.Equal(t, "TEN", cart.PromoCode.Code)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.RemovePromoCode(ctx))
		cart := store.Snapshot()
		assert.Nil(t, cart.PromoCode)
		assert.Equal(t, 20.0, cart.Summary.Total.Amount)
	})
}

func TestCartStore_ValidateStock(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{
		stock: []StockLevel{{ProductID: "p1", AvailableStock: 1}},
	}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})
	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 2, Price: usd(10), AvailableStock: 5}))

	require.NoError(t, store.ValidateStock(ctx))

	cart := store.Snapshot()
	assert.Equal(t, 1, cart.Items[0].AvailableStock)
	assert.False(t, cart.Items[0].IsAvailable, "quantity above refreshed stock flags the line")
	assert.Equal(t, 2, cart.Items[0].Quantity, "validation never adjusts quantities")
}

func TestCartStore_MergeOnLogin(t *testing.T) {
	ctx := context.Background()
	svc := &fakeCartService{
		serverItems: []CartItem{
			{ID: "srv-a", ProductID: "a", Quantity: 1, Price: usd(12), AvailableStock: 9},
			{ID: "srv-b", ProductID: "b", Quantity: 1, Price: usd(5), AvailableStock: 3},
		},
	}
	store, _ := newTestCartStore(t, svc, CartStoreOptions{Debounce: time.Hour})
	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "a", Quantity: 2, Price: usd(10), AvailableStock: 5}))

	require.NoError(t, store.MergeOnLogin(ctx, "user-1"))

	cart := store.Snapshot()
	assert.Equal(t, "user-1", cart.UserID)
	require.Len(t, cart.Items, 2, "union by product line, no duplicates")

	a := cart.Items[cart.findLine("a", "")]
	assert.Equal(t, 2, a.Quantity, "local wins quantity")
	assert.Equal(t, usd(12), a.Price, "server wins price")
	assert.Equal(t, 9, a.AvailableStock)

	b := cart.Items[cart.findLine("b", "")]
	assert.Equal(t, 1, b.Quantity, "server-only item adopted")

	t.Run("runs once per login", func(t *testing.T) {
		require.NoError(t, store.MergeOnLogin(ctx, "user-1"))
		_, fetches := svc.calls()
		assert.Equal(t, 1, fetches)
	})

	t.Run("logout then login merges again", func(t *testing.T) {
		require.NoError(t, store.Logout(ctx))
		assert.Empty(t, store.Snapshot().UserID)

		require.NoError(t, store.MergeOnLogin(ctx, "user-1"))
		_, fetches := svc.calls()
		assert.Equal(t, 2, fetches)
	})
}

func TestCartStore_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := evbus.New()

	var mu sync.Mutex
	var updated, synced int
	require.NoError(t, bus.Subscribe(TopicCartUpdated, func(Cart) {
		mu.Lock()
		updated++
		mu.Unlock()
	}))
	require.NoError(t, bus.Subscribe(TopicCartSynced, func(Cart) {
		mu.Lock()
		synced++
		mu.Unlock()
	}))

	store, _ := newTestCartStore(t, &fakeCartService{}, CartStoreOptions{Debounce: time.Hour, Bus: bus})
	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 5}))
	store.Flush(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, synced)
}

func TestCartStore_Clear(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCartStore(t, &fakeCartService{}, CartStoreOptions{Debounce: time.Hour})

	require.NoError(t, store.AddItem(ctx, AddItemInput{ProductID: "p1", Quantity: 1, Price: usd(10), AvailableStock: 5}))
	require.NoError(t, store.SetShippingOption(ctx, ShippingOption{ID: "std", Price: usd(4)}))
	before := store.Snapshot()

	require.NoError(t, store.Clear(ctx))

	cart := store.Snapshot()
	assert.Equal(t, before.ID, cart.ID, "cart id survives clear")
	assert.Empty(t, cart.Items)
	assert.Nil(t, cart.ShippingOption)
	assert.Equal(t, 0.0, cart.Summary.Total.Amount)
}

func TestUserFacingMessage(t *testing.T) {
	assert.Equal(t, "insufficient stock: maximum 3 available",
		userFacingMessage(Errorf(CodeStock, "insufficient stock: maximum %d available", 3)))
	assert.Equal(t, `promo code "X" is not valid`,
		userFacingMessage(Errorf(CodePromoInvalid, "promo code %q is not valid", "X")))
	assert.Equal(t, "something went wrong, your changes will be retried",
		userFacingMessage(NewError(CodeNetwork, "dial tcp: connection refused")))
}
