// Package shardkv is a client-side sharding and fan-out library for
// key/value stores. It routes calls to one or more physical shards via a
// pluggable policy, dispatches them concurrently (pipelining where the
// backend supports it), and retries transport failures against alternate
// shards.
//
// A Client loads a configuration file naming one or more named clusters;
// each Cluster exposes direct calls with retry, GetConn for backend-level
// access, and Map for a batched call scope. See package cluster, router,
// and dispatch for the engine internals.
package shardkv

import (
	"fmt"

	"github.com/shardkv/shardkv/internal/cluster"
	"github.com/shardkv/shardkv/internal/dispatch"
	"github.com/shardkv/shardkv/internal/events"
	"github.com/shardkv/shardkv/pkg/config"
	"github.com/shardkv/shardkv/pkg/factory"
	"github.com/shardkv/shardkv/pkg/metrics"
)

// Cluster is the fixed shard set plus router for one logical cluster; see
// internal/cluster for its method set (Execute, GetConn, Map, Disconnect).
type Cluster = cluster.Cluster

// Dispatcher records deferred calls inside a Map scope.
type Dispatcher = dispatch.Dispatcher

// Promise is a deferred call recorded against a Dispatcher.
type Promise = dispatch.Promise

// Result is a resolved Promise's value/error pair.
type Result = dispatch.Result

// MapOptions configures one Map scope.
type MapOptions = dispatch.Options

// Client owns every cluster built from one configuration file, plus the
// ambient metrics collector and Kafka event publisher they share.
type Client struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	events   *events.Publisher
	clusters map[string]*Cluster
}

// Open loads configPath (or built-in defaults if empty) and eagerly builds
// every configured cluster. Shard connections themselves stay lazy: Open
// never dials a backend.
func Open(configPath string) (*Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("shardkv: loading config: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	pub := events.NewPublisher(cfg.Kafka)

	c := &Client{cfg: cfg, metrics: m, events: pub, clusters: make(map[string]*Cluster, len(cfg.Clusters))}
	for name := range cfg.Clusters {
		cl, err := factory.Build(name, cfg, m, pub)
		if err != nil {
			return nil, fmt.Errorf("shardkv: building cluster %q: %w", name, err)
		}
		c.clusters[name] = cl
	}
	return c, nil
}

// Cluster returns the named cluster, or false if no such cluster was
// configured.
func (c *Client) Cluster(name string) (*Cluster, bool) {
	cl, ok := c.clusters[name]
	return cl, ok
}

// Metrics returns the Prometheus collector set shared by every cluster,
// or nil if metrics were disabled in configuration.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Close disconnects every cluster's shards and flushes the event
// publisher, if one is configured.
func (c *Client) Close() error {
	var firstErr error
	for name, cl := range c.clusters {
		if err := cl.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnecting cluster %q: %w", name, err)
		}
	}
	if err := c.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
