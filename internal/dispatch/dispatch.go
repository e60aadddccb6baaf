package dispatch

import (
	"context"
	"sync"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/internal/router"
	pkgerrors "github.com/shardkv/shardkv/pkg/errors"
)

// maxWorkers bounds the pool regardless of the requested worker count or
// shard count (spec.md §4.4 step 3 / §5).
const maxWorkers = 16

// ClusterView is the slice of cluster.Cluster the dispatch engine needs:
// shard lookup, the bound router, and whether every shard can pipeline.
// Defined here (rather than imported from package cluster) so cluster can
// depend on dispatch without an import cycle.
type ClusterView interface {
	ShardNums() []int
	Shard(num int) (backend.Connection, bool)
	Router() router.Router
	AllPipelineCapable() bool
}

// Dispatcher records deferred calls inside a map() scope. Every Promise it
// hands out is resolved exactly once, when Run's scope exits.
type Dispatcher struct {
	cluster ClusterView

	mu       sync.Mutex
	promises []*Promise

	execMu        sync.Mutex
	pipelineExecs []int
}

// Call records one deferred call and returns its Promise. The call is not
// sent to any shard until the owning scope exits.
func (d *Dispatcher) Call(operation string, args ...any) *Promise {
	p := &Promise{Operation: operation}
	p.Call(args...)
	d.mu.Lock()
	d.promises = append(d.promises, p)
	d.mu.Unlock()
	return p
}

// Promises returns every promise recorded against this Dispatcher, called
// or not, in recording order.
func (d *Dispatcher) Promises() []*Promise {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Promise(nil), d.promises...)
}

// Options configures one map() scope.
type Options struct {
	// Workers caps the pool-mode worker count; 0 means "one per targeted
	// shard" (still bounded by maxWorkers).
	Workers int
	// FailSilently suppresses the CommandError Run would otherwise
	// return; callers inspect Outcome.Failures or each Promise's Result
	// instead.
	FailSilently bool
}

// Outcome is what Run returns once every promise is resolved: the final
// execution mode (for metrics/logging), the failures collected, and which
// shards ran a native pipeline.Execute (for PipelineExecsTotal).
type Outcome struct {
	Pipelined     bool
	Failures      []pkgerrors.FailedCommand
	PipelineExecs []int
}

// promiseGroup accumulates the per-shard results for one promise that was
// routed to one or more shards, so a promise fanned out to several shards
// can be resolved once as a shard-ordered list instead of racing each
// shard's goroutine to overwrite a scalar (spec.md §4.4 step 5).
type promiseGroup struct {
	nums []int // shard-iteration order, as returned by the router

	mu      sync.Mutex
	results map[int]Result
}

func newPromiseGroup(nums []int) *promiseGroup {
	return &promiseGroup{nums: nums, results: make(map[int]Result, len(nums))}
}

// record stores shard num's outcome for this promise. Safe for concurrent
// use by the different shard goroutines a multi-shard promise spans.
func (g *promiseGroup) record(num int, value any, err error) {
	g.mu.Lock()
	g.results[num] = Result{value: value, err: err}
	g.mu.Unlock()
}

// resolveInto finalizes p from every shard this group collected, called
// once per promise after every shard goroutine has returned. A single
// producer resolves to its scalar value; more than one resolves to the
// list of per-shard values in shard-iteration order, with any per-shard
// error both embedded in the list and surfaced as the promise's error so
// promise.IsError() still reports it (spec.md §4.4 step 5).
func (g *promiseGroup) resolveInto(p *Promise) {
	if len(g.nums) == 1 {
		r := g.results[g.nums[0]]
		p.resolve(r.value, r.err)
		return
	}
	values := make([]any, len(g.nums))
	var firstErr error
	for i, num := range g.nums {
		r := g.results[num]
		if r.err != nil {
			values[i] = r.err
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		values[i] = r.value
	}
	p.resolve(values, firstErr)
}

// Run opens a map() scope, lets fn record calls against the Dispatcher,
// then groups, dispatches, and resolves every recorded promise before
// returning — the scope is fully consumed by the time Run returns, on the
// success path and the error path alike (spec.md §5's "scope discipline").
func Run(ctx context.Context, cl ClusterView, opts Options, fn func(d *Dispatcher)) (Outcome, error) {
	d := &Dispatcher{cluster: cl}
	fn(d)
	return d.resolveAll(ctx, opts)
}

func (d *Dispatcher) resolveAll(ctx context.Context, opts Options) (Outcome, error) {
	rtr := d.cluster.Router()

	pending := make(map[int][]*Promise)
	groups := make(map[*Promise]*promiseGroup, len(d.promises))
	var order []int
	for _, p := range d.promises {
		if !p.called {
			continue
		}
		nums, err := rtr.Route(router.Request{Operation: p.Operation, Key: routingKey(p.Args)})
		if err != nil {
			p.resolve(nil, err)
			continue
		}
		if len(nums) == 0 {
			p.resolve(nil, router.ErrHostListExhausted)
			continue
		}
		groups[p] = newPromiseGroup(nums)
		for _, num := range nums {
			if _, seen := pending[num]; !seen {
				order = append(order, num)
			}
			pending[num] = append(pending[num], p)
		}
	}

	pipelined := d.cluster.AllPipelineCapable()

	// Single-operation fast path: exactly one promise on exactly one
	// shard resolves synchronously, bypassing the pool entirely.
	if len(order) == 1 && len(pending[order[0]]) == 1 {
		d.runPool(ctx, order[0], pending[order[0]], groups)
		d.resolveGroups(groups)
		return d.finalize(pipelined, opts)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = len(order)
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, num := range order {
		num := num
		promises := pending[num]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if pipelined {
				d.runPipeline(ctx, num, promises, groups)
			} else {
				d.runPool(ctx, num, promises, groups)
			}
		}()
	}
	wg.Wait()

	// Every shard goroutine has returned, so resolving each promise's
	// group here is single-threaded and race-free.
	d.resolveGroups(groups)

	return d.finalize(pipelined, opts)
}

// resolveGroups finalizes every routed promise from its collected
// per-shard results. Must only run after all shard goroutines touching
// these groups have finished (resolveAll only calls it post-wg.Wait()).
func (d *Dispatcher) resolveGroups(groups map[*Promise]*promiseGroup) {
	for p, g := range groups {
		g.resolveInto(p)
	}
}

// runPool executes promises targeting one shard serially on the calling
// goroutine, preserving per-shard call order (spec.md §5), recording each
// result into its promise's group rather than resolving directly — a
// promise routed to several shards must not have its result overwritten by
// whichever shard's goroutine finishes last.
func (d *Dispatcher) runPool(ctx context.Context, num int, promises []*Promise, groups map[*Promise]*promiseGroup) {
	shard, ok := d.cluster.Shard(num)
	if !ok {
		err := pkgerrors.NewRouterError(pkgerrors.ErrInvalidDBNum, "unknown shard %d", num)
		for _, p := range promises {
			groups[p].record(num, nil, err)
		}
		return
	}
	for _, p := range promises {
		v, err := shard.Call(ctx, p.Operation, p.Args...)
		groups[p].record(num, v, err)
	}
}

// runPipeline batches every promise targeting one shard into a single
// backend-native pipeline execution. A pipeline-level failure records the
// same error against every promise on that shard (spec.md §7); the final
// per-promise value is still built by resolveGroups once every shard a
// promise spans has reported in.
func (d *Dispatcher) runPipeline(ctx context.Context, num int, promises []*Promise, groups map[*Promise]*promiseGroup) {
	d.recordPipelineExec(num)

	shard, ok := d.cluster.Shard(num)
	if !ok {
		err := pkgerrors.NewRouterError(pkgerrors.ErrInvalidDBNum, "unknown shard %d", num)
		for _, p := range promises {
			groups[p].record(num, nil, err)
		}
		return
	}

	pipe := shard.Pipeline()
	for _, p := range promises {
		pipe.Add(p.call())
	}

	results, err := pipe.Execute(ctx)
	if err != nil {
		for _, p := range promises {
			groups[p].record(num, nil, err)
		}
		return
	}
	for i, p := range promises {
		if i >= len(results) {
			groups[p].record(num, nil, nil)
			continue
		}
		if resultErr, isErr := results[i].(error); isErr {
			groups[p].record(num, nil, resultErr)
			continue
		}
		groups[p].record(num, results[i], nil)
	}
}

func (d *Dispatcher) recordPipelineExec(num int) {
	d.execMu.Lock()
	d.pipelineExecs = append(d.pipelineExecs, num)
	d.execMu.Unlock()
}

func (d *Dispatcher) finalize(pipelined bool, opts Options) (Outcome, error) {
	var failures []pkgerrors.FailedCommand
	for _, p := range d.promises {
		result, resolved := p.resolvedResult()
		if p.called && resolved && result.IsError() {
			failures = append(failures, pkgerrors.FailedCommand{Command: p.Operation, Err: result.Err()})
		}
	}
	outcome := Outcome{Pipelined: pipelined, Failures: failures, PipelineExecs: d.pipelineExecs}
	if opts.FailSilently {
		return outcome, nil
	}
	return outcome, pkgerrors.NewCommandError(failures)
}

func routingKey(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
