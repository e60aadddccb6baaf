// Package cluster holds the fixed shard set and router for a logical
// cluster, and implements the public call surface: direct calls with
// retry-on-failover, get_conn, and the map scope (internal/dispatch).
package cluster

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/internal/events"
	"github.com/shardkv/shardkv/internal/router"
	"github.com/shardkv/shardkv/pkg/errors"
	"github.com/shardkv/shardkv/pkg/metrics"
	"github.com/shardkv/shardkv/pkg/resilience"
	"github.com/shardkv/shardkv/pkg/tracing"
)

// DefaultMaxConnectionRetries bounds the failover budget for a direct call
// when a cluster config doesn't override it.
const DefaultMaxConnectionRetries = 20

// Cluster is an immutable (after construction) set of shards plus a bound
// Router. It is safe for concurrent use by multiple goroutines: shard
// connections guard their own transport, and router state is synchronized
// internally by each router implementation.
type Cluster struct {
	Name string

	shards               map[int]backend.Connection
	router               router.Router
	maxConnectionRetries int
	callTimeout          time.Duration

	breakersMu sync.Mutex
	breakers   map[int]*resilience.CircuitBreaker

	metrics *metrics.Metrics
	events  *events.Publisher
	logger  *slog.Logger
}

// Option configures optional ambient collaborators on a Cluster.
type Option func(*Cluster)

// WithMetrics wires a Prometheus collector set into the cluster's retry
// and dispatch paths. A nil *metrics.Metrics is a safe no-op.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cluster) { c.metrics = m }
}

// WithEvents wires a shard-event publisher into the cluster. A nil
// *events.Publisher is a safe no-op.
func WithEvents(p *events.Publisher) Option {
	return func(c *Cluster) { c.events = p }
}

// WithMaxConnectionRetries overrides the default failover budget.
func WithMaxConnectionRetries(n int) Option {
	return func(c *Cluster) {
		if n > 0 {
			c.maxConnectionRetries = n
		}
	}
}

// WithLogger overrides the cluster's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

// WithCallTimeout bounds every individual shard.Call invocation with a
// context deadline, enforced independently of the caller's own context.
// Zero (the default) disables the wrapper.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Cluster) { c.callTimeout = d }
}

// New builds a Cluster over shards (keyed by stable shard number) using
// makeRouter to build the router once the shard set is known — routers
// need the final HostSource (the Cluster itself) to build rings/cyclers.
func New(name string, shards map[int]backend.Connection, makeRouter func(router.HostSource) router.Router, opts ...Option) *Cluster {
	c := &Cluster{
		Name:                 name,
		shards:               shards,
		maxConnectionRetries: DefaultMaxConnectionRetries,
		breakers:             make(map[int]*resilience.CircuitBreaker, len(shards)),
		logger:               slog.Default().With("component", "cluster", "cluster", name),
	}
	c.router = makeRouter(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShardNums implements router.HostSource.
func (c *Cluster) ShardNums() []int {
	nums := make([]int, 0, len(c.shards))
	for n := range c.shards {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Identifier implements router.HostSource.
func (c *Cluster) Identifier(num int) string {
	shard, ok := c.shards[num]
	if !ok {
		return ""
	}
	return shard.Identifier()
}

// Shard returns the shard connection for num, for callers (the dispatch
// engine) that already hold a resolved shard number.
func (c *Cluster) Shard(num int) (backend.Connection, bool) {
	shard, ok := c.shards[num]
	return shard, ok
}

// Router exposes the bound router, for the dispatch engine's grouping pass.
func (c *Cluster) Router() router.Router { return c.router }

// Execute resolves path to shards via the router, invokes it on each with
// retry-on-failover (spec.md §4.3), and returns a single value if exactly
// one shard was targeted, else a slice in shard-iteration order.
func (c *Cluster) Execute(ctx context.Context, path string, args ...any) (any, error) {
	ctx, span := tracing.StartChildSpan(ctx, "cluster.Execute")
	span.SetAttr("cluster", c.Name)
	span.SetAttr("operation", path)
	defer span.End()

	nums, err := c.router.Route(router.Request{Operation: path, Key: routingKey(args)})
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, router.ErrHostListExhausted
	}
	if len(nums) == 1 {
		return c.callWithRetry(ctx, nums[0], path, args)
	}

	results := make([]any, len(nums))
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for i, num := range nums {
		wg.Add(1)
		go func(i, num int) {
			defer wg.Done()
			v, err := c.callWithRetry(ctx, num, path, args)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[i] = v
		}(i, num)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// callWithRetry implements the per-shard retry loop: on a retryable error
// from a retryable router, ask the router for a replacement shard via
// retry_for and try again, bounded by maxConnectionRetries.
func (c *Cluster) callWithRetry(ctx context.Context, num int, path string, args []any) (any, error) {
	current := num
	var lastErr error
	recovering := false
	for attempt := 0; ; attempt++ {
		shard, ok := c.shards[current]
		if !ok {
			return nil, errors.NewRouterError(errors.ErrInvalidDBNum, "unknown shard %d", current)
		}

		v, err := c.callShard(ctx, shard, current, path, args)
		if err == nil {
			c.router.MarkUp(current)
			c.recordSuccess(path, current)
			if recovering {
				c.publishUp(ctx, current, path)
			}
			return v, nil
		}

		if stderrors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Warn("circuit open, skipping shard", "shard", current, "operation", path)
		} else if !shard.IsRetryable(err) || !c.router.Retryable() {
			return nil, err
		}

		c.logger.Warn("shard call failed, marking down", "shard", current, "operation", path, "error", err)
		c.router.MarkDown(current)
		c.recordRetry(path)
		c.recordShardHealth(current, false)
		c.publishDown(ctx, current, path, err)
		lastErr = err
		recovering = true

		if attempt+1 >= c.maxConnectionRetries {
			c.recordRetriesExhausted(path)
			c.publishRetriesExhausted(ctx, current, path, lastErr)
			return nil, &errors.MaxRetriesExceededError{Attempts: attempt + 1, LastErr: lastErr}
		}

		replacement := current
		nums, rerr := c.router.Route(router.Request{Operation: path, Key: routingKey(args), RetryFor: &replacement})
		if rerr != nil {
			return nil, rerr
		}
		if len(nums) == 0 {
			return nil, router.ErrHostListExhausted
		}
		current = nums[0]
	}
}

// callShard runs shard.Call through this shard's circuit breaker (tripping
// open after repeated transport failures, independent of the router's own
// down-connection tracking) and, if configured, a deadline via
// WithCallTimeout. Errors the shard does not report as retryable are
// returned unchanged and do not count as breaker failures.
func (c *Cluster) callShard(ctx context.Context, shard backend.Connection, num int, path string, args []any) (any, error) {
	cb := c.breakerFor(num)
	var result any
	var appErr error
	err := cb.Execute(func() error {
		var callErr error
		if c.callTimeout <= 0 {
			result, callErr = shard.Call(ctx, path, args...)
		} else {
			callErr = resilience.WithTimeout(ctx, c.callTimeout, path, func(tctx context.Context) error {
				var innerErr error
				result, innerErr = shard.Call(tctx, path, args...)
				return innerErr
			})
		}
		if callErr != nil && !shard.IsRetryable(callErr) {
			appErr = callErr
			return nil
		}
		return callErr
	})
	c.recordCircuitState(num, cb.GetState())
	if appErr != nil {
		return nil, appErr
	}
	return result, err
}

func (c *Cluster) breakerFor(num int) *resilience.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[num]
	if !ok {
		cb = resilience.NewCircuitBreaker(c.Name+"/"+shardLabel(num), resilience.CircuitBreakerConfig{})
		c.breakers[num] = cb
	}
	return cb
}

func (c *Cluster) recordCircuitState(num int, state resilience.State) {
	if c.metrics == nil {
		return
	}
	c.metrics.CircuitBreakerState.WithLabelValues(shardLabel(num)).Set(float64(state))
}

// GetConn resolves args to shard(s) via the router without invoking any
// operation, mirroring the source's get_conn escape hatch for callers that
// need direct access to a backend connection.
func (c *Cluster) GetConn(args ...any) ([]backend.Connection, error) {
	nums, err := c.router.Route(router.Request{Operation: "get_conn", Key: routingKey(args)})
	if err != nil {
		return nil, err
	}
	conns := make([]backend.Connection, len(nums))
	for i, num := range nums {
		conns[i] = c.shards[num]
	}
	return conns, nil
}

// Disconnect tears down every shard's transport, collecting the first
// error encountered.
func (c *Cluster) Disconnect() error {
	var firstErr error
	for num, shard := range c.shards {
		if err := shard.Disconnect(); err != nil {
			c.logger.Error("disconnect failed", "shard", num, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// AllPipelineCapable reports whether every shard advertises pipeline
// support, the condition the dispatch engine uses to pick pipelined mode
// over pool mode (spec.md §4.4 step 2).
func (c *Cluster) AllPipelineCapable() bool {
	for _, shard := range c.shards {
		if !shard.SupportsPipelines() {
			return false
		}
	}
	return true
}

func routingKey(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func (c *Cluster) recordSuccess(op string, shardNum int) {
	if c.metrics == nil {
		return
	}
	c.metrics.CommandsTotal.WithLabelValues(op, shardLabel(shardNum)).Inc()
	c.recordShardHealth(shardNum, true)
}

func (c *Cluster) recordRetry(op string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RetriesTotal.WithLabelValues(op).Inc()
}

func (c *Cluster) recordRetriesExhausted(op string) {
	if c.metrics == nil {
		return
	}
	c.metrics.RetriesExhausted.WithLabelValues(op).Inc()
}

func (c *Cluster) recordShardHealth(shardNum int, up bool) {
	if c.metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	c.metrics.ShardHealth.WithLabelValues(shardLabel(shardNum)).Set(v)
}

func shardLabel(num int) string {
	return strconv.Itoa(num)
}

func (c *Cluster) publishDown(ctx context.Context, shardNum int, op string, err error) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, events.ShardEvent{
		Kind:      events.ShardMarkedDown,
		Cluster:   c.Name,
		ShardNum:  shardNum,
		Operation: op,
		Message:   err.Error(),
	})
}

func (c *Cluster) publishUp(ctx context.Context, shardNum int, op string) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, events.ShardEvent{
		Kind:      events.ShardMarkedUp,
		Cluster:   c.Name,
		ShardNum:  shardNum,
		Operation: op,
	})
}

func (c *Cluster) publishRetriesExhausted(ctx context.Context, shardNum int, op string, err error) {
	if c.events == nil {
		return
	}
	c.events.Publish(ctx, events.ShardEvent{
		Kind:      events.RetriesExhausted,
		Cluster:   c.Name,
		ShardNum:  shardNum,
		Operation: op,
		Message:   err.Error(),
	})
}
