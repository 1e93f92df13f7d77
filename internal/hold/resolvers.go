package hold

import "sync"

// htlcRef identifies one HTLC by its incoming channel and channel-local id.
type htlcRef struct {
	scid   string
	htlcID uint64
}

// resolverSet holds the open resolver channel of every currently held HTLC,
// keyed by payment hash. Hosts replay held HTLCs after a restart, so adding
// the same ref twice replaces the stale channel.
type resolverSet struct {
	mu      sync.Mutex
	pending map[string]map[htlcRef]chan Resolution
}

func newResolverSet() *resolverSet {
	return &resolverSet{pending: make(map[string]map[htlcRef]chan Resolution)}
}

func (r *resolverSet) add(key string, ref htlcRef) Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, ok := r.pending[key]
	if !ok {
		refs = make(map[htlcRef]chan Resolution)
		r.pending[key] = refs
	}

	if stale, ok := refs[ref]; ok {
		close(stale)
	}

	ch := make(chan Resolution, 1)
	refs[ref] = ch
	return ch
}

// resolveAll delivers the resolution to every held HTLC of the payment hash
// and returns how many were resolved.
func (r *resolverSet) resolveAll(key string, resolution Resolution) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.pending[key]
	for _, ch := range refs {
		ch <- resolution
		close(ch)
	}
	delete(r.pending, key)

	return len(refs)
}

// resolveOne delivers the resolution to a single held HTLC.
func (r *resolverSet) resolveOne(key string, ref htlcRef, resolution Resolution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, ok := r.pending[key]
	if !ok {
		return false
	}
	ch, ok := refs[ref]
	if !ok {
		return false
	}

	ch <- resolution
	close(ch)
	delete(refs, ref)
	if len(refs) == 0 {
		delete(r.pending, key)
	}

	return true
}
