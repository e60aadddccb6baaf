package router

import (
	"hash/crc32"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// PartitionRouter maps a key deterministically onto exactly one shard via
// crc32(key) % len(shards), matching nydus's PartitionRouter bit-for-bit
// (binascii.crc32 and hash/crc32's IEEE polynomial agree). A nil key falls
// back to the universal no-key rule (spec.md §4.2 step 3): it broadcasts to
// every shard rather than picking one.
type PartitionRouter struct {
	hosts HostSource
}

// NewPartitionRouter builds a PartitionRouter over hosts.
func NewPartitionRouter(hosts HostSource) *PartitionRouter {
	return &PartitionRouter{hosts: hosts}
}

func (r *PartitionRouter) Route(req Request) ([]int, error) {
	nums := sortedShardNums(r.hosts)
	if len(nums) == 0 {
		return nil, ErrHostListExhausted
	}
	if req.Key == nil {
		return nums, nil
	}
	sum := crc32.ChecksumIEEE([]byte(keyArg(req)))
	idx := int(sum) % len(nums)
	return []int{nums[idx]}, nil
}

func (r *PartitionRouter) Retryable() bool  { return false }
func (r *PartitionRouter) MarkDown(num int) {}
func (r *PartitionRouter) MarkUp(num int)   {}

// XXHashPartitionRouter is PartitionRouter's faster cousin for clusters that
// don't need cross-language wire compatibility with crc32: it hashes with
// cespare/xxhash/v2, the same hash go-redis's own Ring client uses for its
// rendezvous ring. Like PartitionRouter, a nil key broadcasts to every shard
// (spec.md §4.2 step 3) instead of picking one.
type XXHashPartitionRouter struct {
	hosts HostSource
}

// NewXXHashPartitionRouter builds an XXHashPartitionRouter over hosts.
func NewXXHashPartitionRouter(hosts HostSource) *XXHashPartitionRouter {
	return &XXHashPartitionRouter{hosts: hosts}
}

func (r *XXHashPartitionRouter) Route(req Request) ([]int, error) {
	nums := sortedShardNums(r.hosts)
	if len(nums) == 0 {
		return nil, ErrHostListExhausted
	}
	if req.Key == nil {
		return nums, nil
	}
	sum := xxhash.Sum64String(keyArg(req))
	idx := int(sum % uint64(len(nums)))
	return []int{nums[idx]}, nil
}

func (r *XXHashPartitionRouter) Retryable() bool  { return false }
func (r *XXHashPartitionRouter) MarkDown(num int) {}
func (r *XXHashPartitionRouter) MarkUp(num int)   {}

func sortedShardNums(hosts HostSource) []int {
	nums := append([]int(nil), hosts.ShardNums()...)
	sort.Ints(nums)
	return nums
}
