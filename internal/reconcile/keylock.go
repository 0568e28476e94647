package reconcile

import "sync"

// keyLock serializes work per string key. The engine locks the provider
// entity id around each apply so concurrent deliveries for the same entity
// execute one at a time while different entities proceed in parallel.
//
// Entries are never removed; the key space (provider subscription and
// payment ids seen by one process) is small enough that reclaiming mutexes
// is not worth the unlock races it invites.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use, and returns the
// unlock function.
func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
