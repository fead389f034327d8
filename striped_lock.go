package ecoshop

import (
	"hash/fnv"
	"sync"
)

// stripedLocks provides fine-grained locking keyed by name so concurrent
// operations on different keys rarely contend on one global mutex. The
// same key always hashes to the same stripe.
type stripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

func newStripedLocks(stripeCount int) *stripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &stripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires an exclusive lock for the given key.
// Returns an unlock function that MUST be called to release the lock.
func (sl *stripedLocks) Lock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].Lock()
	return func() {
		sl.stripes[idx].Unlock()
	}
}

// RLock acquires a shared read lock for the given key.
func (sl *stripedLocks) RLock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].RLock()
	return func() {
		sl.stripes[idx].RUnlock()
	}
}

// getStripeIndex returns the stripe index for a given key using FNV-1a hash
func (sl *stripedLocks) getStripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
