package dispatch

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/internal/router"
)

// fakePipeline records every queued call and answers with the values (or
// errors) the test pre-seeded for its shard.
type fakePipeline struct {
	calls   []backend.Call
	results []any
	execErr error
}

func (p *fakePipeline) Add(call backend.Call) { p.calls = append(p.calls, call) }
func (p *fakePipeline) Execute(ctx context.Context) ([]any, error) {
	if p.execErr != nil {
		return nil, p.execErr
	}
	return p.results, nil
}

// fakeConn is a backend.Connection double for dispatch tests: Call and
// Pipeline both read from a caller-supplied script.
type fakeConn struct {
	num          int
	pipelines    bool
	callFn       func(name string, args []any) (any, error)
	newPipeline  func() *fakePipeline
	lastPipeline *fakePipeline
}

func (f *fakeConn) Num() int                      { return f.num }
func (f *fakeConn) Identifier() string             { return "host" }
func (f *fakeConn) Connect(context.Context) error  { return nil }
func (f *fakeConn) Disconnect() error              { return nil }
func (f *fakeConn) SupportsPipelines() bool        { return f.pipelines }
func (f *fakeConn) IsRetryable(err error) bool      { return false }
func (f *fakeConn) Call(ctx context.Context, name string, args ...any) (any, error) {
	return f.callFn(name, args)
}
func (f *fakeConn) Pipeline() backend.Pipeline {
	f.lastPipeline = f.newPipeline()
	return f.lastPipeline
}

// singleShardRouter always routes every request to one fixed shard,
// matching spec.md §8 scenario S4's "router returns [0] for every call".
type singleShardRouter struct{ num int }

func (r *singleShardRouter) Route(router.Request) ([]int, error) { return []int{r.num}, nil }
func (r *singleShardRouter) Retryable() bool                      { return false }
func (r *singleShardRouter) MarkDown(int)                         {}
func (r *singleShardRouter) MarkUp(int)                           {}

type fakeClusterView struct {
	nums      []int
	shards    map[int]backend.Connection
	rtr       router.Router
	pipelined bool
}

func (v *fakeClusterView) ShardNums() []int { return v.nums }
func (v *fakeClusterView) Shard(num int) (backend.Connection, bool) {
	s, ok := v.shards[num]
	return s, ok
}
func (v *fakeClusterView) Router() router.Router        { return v.rtr }
func (v *fakeClusterView) AllPipelineCapable() bool { return v.pipelined }

// TestMapSingleShardProducesExactlyOnePipelineExecute exercises spec.md §8
// scenario S4: two calls routed to the same pipeline-capable shard collapse
// into one pipeline.Execute with two queued commands, never a raw Call.
func TestMapSingleShardProducesExactlyOnePipelineExecute(t *testing.T) {
	directCalls := 0
	conn := &fakeConn{
		num:       0,
		pipelines: true,
		callFn: func(name string, args []any) (any, error) {
			directCalls++
			return nil, nil
		},
		newPipeline: func() *fakePipeline {
			return &fakePipeline{results: []any{"OK", "OK"}}
		},
	}
	view := &fakeClusterView{
		nums:      []int{0},
		shards:    map[int]backend.Connection{0: conn},
		rtr:       &singleShardRouter{num: 0},
		pipelined: true,
	}

	var p1, p2 *Promise
	outcome, err := Run(context.Background(), view, Options{}, func(d *Dispatcher) {
		p1 = d.Call("set", "a", 1)
		p2 = d.Call("set", "d", 1)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Pipelined {
		t.Fatal("expected pipelined outcome")
	}
	if directCalls != 0 {
		t.Fatalf("got %d direct Call invocations, want 0", directCalls)
	}
	if len(conn.lastPipeline.calls) != 2 {
		t.Fatalf("pipeline queued %d calls, want 2", len(conn.lastPipeline.calls))
	}
	if p1.Result().Value() != "OK" || p2.Result().Value() != "OK" {
		t.Fatalf("promises did not resolve to the pipeline's results: %v, %v", p1.Result(), p2.Result())
	}
}

// TestMapResolvesEveryInvokedPromise exercises spec.md §8 property 9: every
// promise invoked inside a map scope is resolved after scope exit,
// regardless of success or failure.
func TestMapResolvesEveryInvokedPromise(t *testing.T) {
	shard0 := &fakeConn{num: 0, callFn: func(name string, args []any) (any, error) { return "foo", nil }}
	errBoom := stderrors.New("error")
	shard1 := &fakeConn{num: 1, callFn: func(name string, args []any) (any, error) { return nil, errBoom }}

	view := &fakeClusterView{
		nums:   []int{0, 1},
		shards: map[int]backend.Connection{0: shard0, 1: shard1},
		rtr:    &perCallRouter{},
	}

	var p0, p1 *Promise
	outcome, err := Run(context.Background(), view, Options{FailSilently: true}, func(d *Dispatcher) {
		p0 = d.Call("foo", "on-shard-0")
		p1 = d.Call("foo", "on-shard-1")
	})
	if err != nil {
		t.Fatalf("fail_silently scope returned an error: %v", err)
	}
	if p0.Result().Value() != "foo" || p0.Result().IsError() {
		t.Fatalf("shard 0 promise = %v, want resolved value \"foo\"", p0.Result())
	}
	if !p1.Result().IsError() || !stderrors.Is(p1.Result().Err(), errBoom) {
		t.Fatalf("shard 1 promise = %v, want resolved to errBoom", p1.Result())
	}
	if len(outcome.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(outcome.Failures))
	}
}

// TestMapRaisesCommandErrorUnlessFailSilently exercises spec.md §8 scenario
// S6: without fail_silently, a scope with one failing call surfaces a
// CommandError after every promise has already resolved.
func TestMapRaisesCommandErrorUnlessFailSilently(t *testing.T) {
	errBoom := stderrors.New("error")
	shard0 := &fakeConn{num: 0, callFn: func(name string, args []any) (any, error) { return "foo", nil }}
	shard1 := &fakeConn{num: 1, callFn: func(name string, args []any) (any, error) { return nil, errBoom }}
	view := &fakeClusterView{
		nums:   []int{0, 1},
		shards: map[int]backend.Connection{0: shard0, 1: shard1},
		rtr:    &perCallRouter{},
	}

	var p0, p1 *Promise
	_, err := Run(context.Background(), view, Options{}, func(d *Dispatcher) {
		p0 = d.Call("foo", "on-shard-0")
		p1 = d.Call("foo", "on-shard-1")
	})
	if err == nil {
		t.Fatal("expected CommandError, got nil")
	}
	// Scope discipline: both promises are resolved even on the error path.
	if p0.Result().IsError() || p0.Result().Value() != "foo" {
		t.Fatalf("shard 0 promise not resolved correctly: %v", p0.Result())
	}
	if !p1.Result().IsError() {
		t.Fatal("shard 1 promise should have resolved to an error")
	}
}

// perCallRouter routes "on-shard-0" to shard 0 and "on-shard-1" to shard 1,
// keyed off the call's single string argument.
type perCallRouter struct{}

func (r *perCallRouter) Route(req router.Request) ([]int, error) {
	switch req.Key {
	case "on-shard-0":
		return []int{0}, nil
	case "on-shard-1":
		return []int{1}, nil
	default:
		return []int{0}, nil
	}
}
func (r *perCallRouter) Retryable() bool  { return false }
func (r *perCallRouter) MarkDown(int)     {}
func (r *perCallRouter) MarkUp(int)       {}
