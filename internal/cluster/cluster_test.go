package cluster

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/internal/router"
	pkgerrors "github.com/shardkv/shardkv/pkg/errors"
)

// fakeShard is a backend.Connection double whose Call behavior is driven by
// a caller-supplied function, letting tests simulate flakey or
// application-erroring transports without a real driver.
type fakeShard struct {
	num        int
	identifier string

	mu    sync.Mutex
	calls int
	fn    func(calls int, name string, args []any) (any, error)

	retryable func(error) bool
}

func (f *fakeShard) Num() int                   { return f.num }
func (f *fakeShard) Identifier() string         { return f.identifier }
func (f *fakeShard) Connect(context.Context) error { return nil }
func (f *fakeShard) Disconnect() error          { return nil }
func (f *fakeShard) SupportsPipelines() bool    { return false }
func (f *fakeShard) Pipeline() backend.Pipeline { panic("not supported") }

func (f *fakeShard) IsRetryable(err error) bool {
	if f.retryable != nil {
		return f.retryable(err)
	}
	return false
}

func (f *fakeShard) Call(ctx context.Context, name string, args ...any) (any, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, name, args)
}

var errRetryable = stderrors.New("connection reset")
var errWrongType = stderrors.New("WRONGTYPE: operation against a key holding the wrong kind of value")

func newTestCluster(shards map[int]backend.Connection, makeRouter func(router.HostSource) router.Router, opts ...Option) *Cluster {
	return New("test", shards, makeRouter, opts...)
}

// TestRetryOnFlakeyConnectionSwitchesShard exercises spec.md §8 scenario
// S5: a backend whose call fails once with a retryable error succeeds on
// the replacement shard the router hands back via retry_for.
func TestRetryOnFlakeyConnectionSwitchesShard(t *testing.T) {
	flakey := &fakeShard{
		num: 0, identifier: "host-0",
		retryable: func(err error) bool { return stderrors.Is(err, errRetryable) },
		fn: func(calls int, name string, args []any) (any, error) {
			return nil, errRetryable
		},
	}
	good := &fakeShard{
		num: 1, identifier: "host-1",
		fn: func(calls int, name string, args []any) (any, error) {
			return "bar", nil
		},
	}
	shards := map[int]backend.Connection{0: flakey, 1: good}

	c := newTestCluster(shards, func(hosts router.HostSource) router.Router {
		return &retryToOtherRouter{target: 1}
	})

	v, err := c.Execute(context.Background(), "foo")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v != "bar" {
		t.Fatalf("got %v, want \"bar\"", v)
	}
	if flakey.calls != 1 {
		t.Fatalf("flakey shard called %d times, want exactly 1", flakey.calls)
	}
	if good.calls != 1 {
		t.Fatalf("replacement shard called %d times, want exactly 1", good.calls)
	}
}

// retryToOtherRouter always routes to its first Route() target, then to a
// fixed replacement whenever RetryFor is set - a minimal stand-in for
// RoundRobinRouter's failover behavior with a deterministic replacement.
type retryToOtherRouter struct {
	target int
}

func (r *retryToOtherRouter) Route(req router.Request) ([]int, error) {
	if req.RetryFor != nil {
		return []int{r.target}, nil
	}
	return []int{0}, nil
}
func (r *retryToOtherRouter) Retryable() bool  { return true }
func (r *retryToOtherRouter) MarkDown(num int) {}
func (r *retryToOtherRouter) MarkUp(num int)   {}

// TestApplicationErrorDoesNotMarkShardDown exercises spec.md §8 scenario
// S8: a non-retryable application error propagates immediately and the
// router never sees a down-mark for that shard.
func TestApplicationErrorDoesNotMarkShardDown(t *testing.T) {
	shard := &fakeShard{
		num: 0, identifier: "host-0",
		retryable: func(err error) bool { return stderrors.Is(err, errRetryable) },
		fn: func(calls int, name string, args []any) (any, error) {
			return nil, errWrongType
		},
	}
	tracking := &trackingRouter{}
	c := newTestCluster(map[int]backend.Connection{0: shard}, func(hosts router.HostSource) router.Router {
		tracking.hosts = hosts
		return tracking
	})

	_, err := c.Execute(context.Background(), "get")
	if !stderrors.Is(err, errWrongType) {
		t.Fatalf("got error %v, want errWrongType propagated unchanged", err)
	}
	if tracking.downCalls != 0 {
		t.Fatalf("router.MarkDown called %d times, want 0 for an application error", tracking.downCalls)
	}
	if shard.calls != 1 {
		t.Fatalf("shard called %d times, want exactly 1 (no failover attempted)", shard.calls)
	}
}

type trackingRouter struct {
	hosts     router.HostSource
	downCalls int
}

func (r *trackingRouter) Route(req router.Request) ([]int, error) { return []int{0}, nil }
func (r *trackingRouter) Retryable() bool                         { return true }
func (r *trackingRouter) MarkDown(num int)                        { r.downCalls++ }
func (r *trackingRouter) MarkUp(num int)                           {}

// TestRetryBudgetExhausted exercises spec.md §8 scenario 7: a connection
// that always fails with a retryable error causes exactly
// max_connection_retries attempts before MaxRetriesExceededError surfaces.
func TestRetryBudgetExhausted(t *testing.T) {
	shard := &fakeShard{
		num: 0, identifier: "host-0",
		retryable: func(err error) bool { return true },
		fn: func(calls int, name string, args []any) (any, error) {
			return nil, errRetryable
		},
	}
	c := newTestCluster(map[int]backend.Connection{0: shard}, func(hosts router.HostSource) router.Router {
		return &retryToOtherRouter{target: 0}
	}, WithMaxConnectionRetries(5))

	_, err := c.Execute(context.Background(), "foo")
	var maxErr *pkgerrors.MaxRetriesExceededError
	if !stderrors.As(err, &maxErr) {
		t.Fatalf("got %v (%T), want *MaxRetriesExceededError", err, err)
	}
	if shard.calls != 5 {
		t.Fatalf("shard called %d times, want exactly 5 (the configured budget)", shard.calls)
	}
	if maxErr.Attempts != 5 {
		t.Fatalf("MaxRetriesExceededError.Attempts = %d, want 5", maxErr.Attempts)
	}
}

// TestBroadcastFansOutToEveryShard exercises spec.md §8 property 1 at the
// Cluster level: Execute on a cluster whose router broadcasts returns one
// result per shard, in shard-number order.
func TestBroadcastFansOutToEveryShard(t *testing.T) {
	shards := map[int]backend.Connection{}
	for i := 0; i < 3; i++ {
		i := i
		shards[i] = &fakeShard{
			num: i, identifier: "host",
			fn: func(calls int, name string, args []any) (any, error) {
				return i, nil
			},
		}
	}
	c := newTestCluster(shards, func(hosts router.HostSource) router.Router {
		return &allShardsRouter{hosts: hosts}
	})

	v, err := c.Execute(context.Background(), "ping")
	if err != nil {
		t.Fatal(err)
	}
	results, ok := v.([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("got %#v, want a 3-element slice", v)
	}
	for i, r := range results {
		if r != i {
			t.Fatalf("results = %v, want [0 1 2] in shard-number order", results)
		}
	}
}

type allShardsRouter struct{ hosts router.HostSource }

func (r *allShardsRouter) Route(router.Request) ([]int, error) { return r.hosts.ShardNums(), nil }
func (r *allShardsRouter) Retryable() bool                      { return false }
func (r *allShardsRouter) MarkDown(int)                         {}
func (r *allShardsRouter) MarkUp(int)                           {}
