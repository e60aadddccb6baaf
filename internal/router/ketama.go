package router

import (
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
)

// ketamaRing is a consistent-hash ring built with the same bit layout as
// nydus's contrib/ketama.py (itself a port of the original libketama): 160
// points per weight-1 node, four ring keys per MD5 digest, little-endian
// 32-bit packing. Matching it byte-for-byte lets a Go and Python client
// agree on key placement against the same host list.
type ketamaRing struct {
	points map[uint32]string
	sorted []uint32
}

func newKetamaRing(identifiers []string, weights map[string]int) *ketamaRing {
	r := &ketamaRing{}
	r.build(identifiers, weights)
	return r
}

func (r *ketamaRing) build(identifiers []string, weights map[string]int) {
	r.points = make(map[uint32]string)
	r.sorted = nil

	totalWeight := 0
	for _, id := range identifiers {
		totalWeight += weightFor(weights, id)
	}
	if totalWeight == 0 {
		return
	}

	for _, id := range identifiers {
		weight := weightFor(weights, id)
		points := (40 * len(identifiers) * weight) / totalWeight
		for i := 0; i < points; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d-salt", id, i)))
			for l := 0; l < 4; l++ {
				key := ring32(digest, l*4)
				r.points[key] = id
				r.sorted = append(r.sorted, key)
			}
		}
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i] < r.sorted[j] })
}

// ring32 packs 4 bytes of an MD5 digest starting at off into the same
// little-endian uint32 layout libketama uses for each ring point.
func ring32(digest [16]byte, off int) uint32 {
	return uint32(digest[off+3])<<24 | uint32(digest[off+2])<<16 | uint32(digest[off+1])<<8 | uint32(digest[off])
}

func weightFor(weights map[string]int, id string) int {
	if w, ok := weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

// get returns the node responsible for key, or "" if the ring is empty.
func (r *ketamaRing) get(key string) string {
	if len(r.sorted) == 0 {
		return ""
	}
	digest := md5.Sum([]byte(key))
	target := ring32(digest, 0)
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= target })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.points[r.sorted[idx]]
}

// KetamaRouter routes by consistent hashing over a Ketama ring keyed by
// each shard's Identifier(), with the same down-connection tracking as
// RoundRobinRouter: removing a down shard's node from the ring (rather
// than merely skipping it) keeps the rest of the keyspace stable.
type KetamaRouter struct {
	*RoundRobinRouter

	hosts HostSource

	mu     sync.Mutex
	ring   *ketamaRing
	idOf   map[int]string
	numOf  map[string]int
	allIDs []string
}

// NewKetamaRouter builds a KetamaRouter over hosts, constructing the
// initial ring from every shard's Identifier() with equal weight.
func NewKetamaRouter(hosts HostSource) *KetamaRouter {
	r := &KetamaRouter{
		RoundRobinRouter: NewRoundRobinRouter(hosts),
		hosts:            hosts,
		idOf:             make(map[int]string),
		numOf:            make(map[string]int),
	}
	for _, num := range hosts.ShardNums() {
		id := hosts.Identifier(num)
		r.idOf[num] = id
		r.numOf[id] = num
		r.allIDs = append(r.allIDs, id)
	}
	r.ring = newKetamaRing(r.allIDs, nil)
	return r
}

// Route hashes req's key onto the ring. A nil key broadcasts to every
// shard, matching every other router in this package.
func (r *KetamaRouter) Route(req Request) ([]int, error) {
	r.RoundRobinRouter.mu.Lock()
	r.RoundRobinRouter.attempts++
	attempts := r.RoundRobinRouter.attempts
	if req.RetryFor != nil {
		r.RoundRobinRouter.markDownLocked(*req.RetryFor)
	}
	r.RoundRobinRouter.mu.Unlock()
	if attempts > r.RoundRobinRouter.AttemptReconnectThreshold {
		r.RoundRobinRouter.sweep.Do("check-down-connections", func() (any, error) {
			r.RoundRobinRouter.checkDownConnections()
			return nil, nil
		})
	}

	if req.Key == nil {
		return r.hosts.ShardNums(), nil
	}

	r.mu.Lock()
	ring := r.ring
	numOf := r.numOf
	r.mu.Unlock()

	id := ring.get(keyArg(req))
	if id == "" {
		return nil, ErrHostListExhausted
	}
	num, ok := numOf[id]
	if !ok {
		return nil, ErrHostListExhausted
	}
	return []int{num}, nil
}

// MarkDown removes the shard's node from the ring (so the rest of the
// keyspace stays put) in addition to the usual retry-timeout bookkeeping.
func (r *KetamaRouter) MarkDown(num int) {
	r.mu.Lock()
	id, ok := r.idOf[num]
	if ok {
		r.allIDs = removeID(r.allIDs, id)
		r.ring = newKetamaRing(r.allIDs, nil)
	}
	r.mu.Unlock()
	r.RoundRobinRouter.MarkDown(num)
}

// MarkUp re-adds the shard's node to the ring.
func (r *KetamaRouter) MarkUp(num int) {
	r.mu.Lock()
	id, ok := r.idOf[num]
	if ok && !containsID(r.allIDs, id) {
		r.allIDs = append(r.allIDs, id)
		r.ring = newKetamaRing(r.allIDs, nil)
	}
	r.mu.Unlock()
	r.RoundRobinRouter.MarkUp(num)
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
