// Package ecoshop is the backend-abstraction and offline-sync core of a
// mobile commerce client. It normalizes three backend families (a
// self-hosted REST API, Firebase, and Supabase) behind uniform database,
// storage and auth provider contracts selected by configuration, and layers
// a local-first cart and wishlist on top: mutations apply optimistically,
// persist durably, and reconcile with the server through debounced syncs.
//
// Construct providers through the factory:
//
//	providers, err := ecoshop.NewProviders(ecoshop.Config{
//	    Type:       ecoshop.ProviderSupabase,
//	    Supabase:   &ecoshop.SupabaseConfig{URL: url, AnonKey: key},
//	})
//
// and the cart on top of any KVStore:
//
//	store, err := ecoshop.NewCartStore(ctx, kv, providers.Cart, ecoshop.CartStoreOptions{})
//	err = store.AddItem(ctx, ecoshop.AddItemInput{ProductID: "p1", Quantity: 2, ...})
package ecoshop
