package router

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// RendezvousRouter routes by highest-random-weight (rendezvous) hashing,
// the same scheme go-redis's own Ring client uses internally
// (dgryski/go-rendezvous keyed by cespare/xxhash/v2). Compared to
// KetamaRouter it needs no salted-MD5 ring and redistributes a smaller
// fraction of keys on membership changes, at the cost of an O(n) lookup.
type RendezvousRouter struct {
	hosts HostSource

	mu    sync.Mutex
	hash  *rendezvous.Rendezvous
	numOf map[string]int
	ids   []string
	down  map[int]bool
}

// NewRendezvousRouter builds a RendezvousRouter over hosts.
func NewRendezvousRouter(hosts HostSource) *RendezvousRouter {
	r := &RendezvousRouter{
		hosts: hosts,
		numOf: make(map[string]int),
		down:  make(map[int]bool),
	}
	for _, num := range hosts.ShardNums() {
		id := hosts.Identifier(num)
		r.numOf[id] = num
		r.ids = append(r.ids, id)
	}
	r.hash = rendezvous.New(r.ids, xxhash.Sum64String)
	return r
}

func (r *RendezvousRouter) Retryable() bool { return true }

func (r *RendezvousRouter) Route(req Request) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.RetryFor != nil {
		r.down[*req.RetryFor] = true
	}

	if req.Key == nil {
		return r.hosts.ShardNums(), nil
	}

	key := keyArg(req)
	id := r.hash.Lookup(key)
	num, ok := r.numOf[id]
	if !ok {
		return nil, ErrHostListExhausted
	}
	if !r.down[num] {
		return []int{num}, nil
	}

	// rendezvous hashing has no cheap "next candidate" operation once the
	// winner is down, so fall back to a linear scan of the live set.
	for _, candidate := range r.ids {
		if cn := r.numOf[candidate]; !r.down[cn] {
			return []int{cn}, nil
		}
	}
	return nil, ErrHostListExhausted
}

func (r *RendezvousRouter) MarkDown(num int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[num] = true
}

func (r *RendezvousRouter) MarkUp(num int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.down, num)
}

