package cluster

import (
	"context"

	"github.com/shardkv/shardkv/internal/dispatch"
	"github.com/shardkv/shardkv/internal/events"
)

// Map opens a map() scope: fn records deferred calls against the
// Dispatcher it's given, and by the time Map returns every one of those
// calls has been grouped by shard, dispatched (pipelined if every shard
// supports it, pool-mode otherwise), and resolved (spec.md §4.4).
//
// Map returns a *errors.CommandError (package pkg/errors) wrapping every
// promise that resolved to an error unless opts.FailSilently is set, in
// which case the caller inspects dispatch.Dispatcher's promises directly.
func (c *Cluster) Map(ctx context.Context, opts dispatch.Options, fn func(d *dispatch.Dispatcher)) (*dispatch.Dispatcher, error) {
	var d *dispatch.Dispatcher
	outcome, err := dispatch.Run(ctx, c, opts, func(inner *dispatch.Dispatcher) {
		d = inner
		fn(inner)
	})

	c.recordMapScope(outcome)
	c.publishCommandFailures(ctx, outcome)
	return d, err
}

func (c *Cluster) recordMapScope(outcome dispatch.Outcome) {
	if c.metrics != nil {
		mode := "pool"
		if outcome.Pipelined {
			mode = "pipelined"
		}
		c.metrics.MapScopesTotal.WithLabelValues(mode).Inc()
		c.metrics.MapPromisesTotal.WithLabelValues("error").Add(float64(len(outcome.Failures)))
		for _, num := range outcome.PipelineExecs {
			c.metrics.PipelineExecsTotal.WithLabelValues(shardLabel(num)).Inc()
		}
	}
}

// publishCommandFailures emits one CommandFailed event per promise that
// resolved to an error inside the scope, mirroring the ShardMarkedDown/
// RetriesExhausted events the direct-call retry path already publishes.
func (c *Cluster) publishCommandFailures(ctx context.Context, outcome dispatch.Outcome) {
	if c.events == nil {
		return
	}
	for _, f := range outcome.Failures {
		c.events.Publish(ctx, events.ShardEvent{
			Kind:      events.CommandFailed,
			Cluster:   c.Name,
			Operation: f.Command,
			Message:   f.Err.Error(),
		})
	}
}
