package router

import (
	"crypto/md5"
	"fmt"
	"sort"
	"testing"
)

// fakeHosts is a fixed shard set for router tests; Identifier returns a
// stable "host:port"-shaped string per shard.
type fakeHosts struct {
	nums []int
}

func (f fakeHosts) ShardNums() []int { return append([]int(nil), f.nums...) }
func (f fakeHosts) Identifier(num int) string {
	return fmt.Sprintf("192.168.0.1:%d", 6000+num)
}

func newFakeHosts(n int) fakeHosts {
	nums := make([]int, n)
	for i := range nums {
		nums[i] = i
	}
	return fakeHosts{nums: nums}
}

func TestBroadcastRouterVisitsEveryShardExactlyOnce(t *testing.T) {
	hosts := newFakeHosts(5)
	for _, rtr := range []Router{
		NewBroadcastRouter(hosts),
		NewPartitionRouter(hosts),
		NewXXHashPartitionRouter(hosts),
		NewKetamaRouter(hosts),
	} {
		nums, err := rtr.Route(Request{Operation: "get_dbs"})
		if err != nil {
			t.Fatalf("%T: %v", rtr, err)
		}
		seen := make(map[int]bool)
		for _, n := range nums {
			if seen[n] {
				t.Fatalf("%T: shard %d visited twice", rtr, n)
			}
			seen[n] = true
		}
		if len(seen) != 5 {
			t.Fatalf("%T: got %d shards, want 5", rtr, len(seen))
		}
	}
}

func TestPartitionRouterIsDeterministic(t *testing.T) {
	hosts := newFakeHosts(4)
	r := NewPartitionRouter(hosts)
	for _, key := range []string{"foo", "biz", "a0", "a999"} {
		first, err := r.Route(Request{Operation: "get", Key: key})
		if err != nil {
			t.Fatal(err)
		}
		second, err := r.Route(Request{Operation: "get", Key: key})
		if err != nil {
			t.Fatal(err)
		}
		if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
			t.Fatalf("key %q: routing not stable: %v vs %v", key, first, second)
		}
	}
}

func TestKetamaStableUnderMembershipChange(t *testing.T) {
	hosts := newFakeHosts(4)
	r := NewKetamaRouter(hosts)

	before := make(map[string]int)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		nums, err := r.Route(Request{Operation: "get", Key: key})
		if err != nil {
			t.Fatal(err)
		}
		before[key] = nums[0]
	}

	// Remove a shard that doesn't own a particular key; that key's
	// assignment must not change.
	var untouchedKey string
	var untouchedShard int
	for key, shard := range before {
		if shard != 2 {
			untouchedKey, untouchedShard = key, shard
			break
		}
	}
	r.MarkDown(2)

	nums, err := r.Route(Request{Operation: "get", Key: untouchedKey})
	if err != nil {
		t.Fatal(err)
	}
	if nums[0] != untouchedShard {
		t.Fatalf("removing shard 2 changed the selected shard for key unaffiliated with it: got %d, want %d", nums[0], untouchedShard)
	}
}

// TestKetamaInteropHistogram exercises spec.md §8 property 4: routing must
// agree with a reference Ketama implementation byte-for-byte, not just land
// on a "reasonably balanced" ring. referenceKetamaRing below is an
// independent transliteration of contrib/ketama.py's _build_circle/get_node
// (same md5 digest, "<node>-<i>-salt" point keys, little-endian u32 packing,
// bisect-to-next-point lookup) against the fixed 9-server fixture and the
// a0..a999 keys that file's own __main__ block uses. Both implementations
// must place every key on the same shard and produce identical histograms.
func TestKetamaInteropHistogram(t *testing.T) {
	hosts := newFakeHosts(9)
	r := NewKetamaRouter(hosts)

	var ids []string
	for _, num := range hosts.ShardNums() {
		ids = append(ids, hosts.Identifier(num))
	}
	ref := newReferenceKetamaRing(ids)

	counts := make(map[int]int)
	refCounts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("a%d", i)
		nums, err := r.Route(Request{Operation: "get", Key: key})
		if err != nil {
			t.Fatal(err)
		}
		if len(nums) != 1 {
			t.Fatalf("key %q: routed to %v, want exactly one shard", key, nums)
		}
		counts[nums[0]]++

		wantID := ref.get(key)
		refCounts[wantID]++
		gotID := hosts.Identifier(nums[0])
		if gotID != wantID {
			t.Fatalf("key %q: routed to %s, reference Ketama says %s", key, gotID, wantID)
		}
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 1000 {
		t.Fatalf("expected 1000 routed keys, got %d", total)
	}
	for num := range counts {
		id := hosts.Identifier(num)
		if counts[num] != refCounts[id] {
			t.Fatalf("shard %s: got %d keys, reference histogram has %d", id, counts[num], refCounts[id])
		}
	}
}

// referenceKetamaRing is a from-scratch port of contrib/ketama.py, kept
// independent of ketama.go's ketamaRing so this test catches a regression in
// either one rather than comparing an implementation against itself.
type referenceKetamaRing struct {
	points map[uint32]string
	sorted []uint32
}

func newReferenceKetamaRing(nodes []string) *referenceKetamaRing {
	ring := &referenceKetamaRing{points: make(map[uint32]string)}
	totalWeight := len(nodes) // every node weight 1
	pointsPerNode := 40 * len(nodes) / totalWeight
	for _, node := range nodes {
		for i := 0; i < pointsPerNode; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d-salt", node, i)))
			for l := 0; l < 4; l++ {
				off := l * 4
				key := uint32(digest[off+3])<<24 | uint32(digest[off+2])<<16 | uint32(digest[off+1])<<8 | uint32(digest[off])
				ring.points[key] = node
				ring.sorted = append(ring.sorted, key)
			}
		}
	}
	sort.Slice(ring.sorted, func(i, j int) bool { return ring.sorted[i] < ring.sorted[j] })
	return ring
}

func (r *referenceKetamaRing) get(key string) string {
	if len(r.sorted) == 0 {
		return ""
	}
	digest := md5.Sum([]byte(key))
	target := uint32(digest[3])<<24 | uint32(digest[2])<<16 | uint32(digest[1])<<8 | uint32(digest[0])
	idx := sort.Search(len(r.sorted), func(i int) bool { return r.sorted[i] >= target })
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.points[r.sorted[idx]]
}

func TestRoundRobinRotatesThroughAllShards(t *testing.T) {
	hosts := newFakeHosts(4)
	r := NewRoundRobinRouter(hosts)

	seen := make(map[int]int)
	for i := 0; i < 4; i++ {
		nums, err := r.Route(Request{Operation: "foo", Key: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if len(nums) != 1 {
			t.Fatalf("round robin must return exactly one shard, got %v", nums)
		}
		seen[nums[0]]++
	}
	if len(seen) != 4 {
		t.Fatalf("expected all 4 shards visited once each, got %v", seen)
	}
	for shard, c := range seen {
		if c != 1 {
			t.Fatalf("shard %d visited %d times, want 1", shard, c)
		}
	}
}

func TestRoundRobinFailoverAndRecovery(t *testing.T) {
	hosts := newFakeHosts(3)
	r := NewRoundRobinRouter(hosts)
	r.RetryTimeout = 0 // recover immediately for the test

	nums, err := r.Route(Request{Operation: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	down := nums[0]
	r.MarkDown(down)

	nums, err = r.Route(Request{Operation: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	if nums[0] == down {
		t.Fatalf("routed back to shard %d immediately after marking it down", down)
	}

	// RetryTimeout is 0, so the shard should already be eligible again.
	r.MarkUp(down)
	found := false
	for i := 0; i < 10; i++ {
		nums, err = r.Route(Request{Operation: "foo"})
		if err != nil {
			t.Fatal(err)
		}
		if nums[0] == down {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("shard %d never became eligible again after MarkUp", down)
	}
}

func TestPrefixPartitionRouterRequiresDefault(t *testing.T) {
	if _, err := NewPrefixPartitionRouter(map[string]int{"us": 0}); err == nil {
		t.Fatal("expected an error when no \"default\" prefix is configured")
	}
	r, err := NewPrefixPartitionRouter(map[string]int{"us": 0, "eu": 1, "default": 2})
	if err != nil {
		t.Fatal(err)
	}
	nums, err := r.Route(Request{Operation: "get", Key: "us:alice"})
	if err != nil {
		t.Fatal(err)
	}
	if nums[0] != 0 {
		t.Fatalf("expected prefix \"us\" to route to shard 0, got %d", nums[0])
	}
	nums, err = r.Route(Request{Operation: "get", Key: "no-such-prefix:bob"})
	if err != nil {
		t.Fatal(err)
	}
	if nums[0] != 2 {
		t.Fatalf("expected unmatched prefix to fall back to default shard 2, got %d", nums[0])
	}
}
