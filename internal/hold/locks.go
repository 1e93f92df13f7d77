package hold

import "sync"

// hashLocks serializes work per payment hash while leaving different hashes
// fully parallel. Entries are reference counted and removed once idle.
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[string]*hashLock)}
}

// acquire blocks until the lock for key is held and returns the release
// function.
func (h *hashLocks) acquire(key string) func() {
	h.mu.Lock()
	lock, ok := h.locks[key]
	if !ok {
		lock = &hashLock{}
		h.locks[key] = lock
	}
	lock.refs++
	h.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		h.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(h.locks, key)
		}
		h.mu.Unlock()
	}
}
