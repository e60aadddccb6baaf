// Package metrics defines the Prometheus metric collectors for the sharding
// and dispatch engine, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a cluster.
type Metrics struct {
	CommandsTotal       *prometheus.CounterVec
	CommandLatency      *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	RetriesExhausted    *prometheus.CounterVec
	ShardHealth         *prometheus.GaugeVec
	MapScopesTotal      *prometheus.CounterVec
	MapPromisesTotal    *prometheus.CounterVec
	PipelineExecsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_commands_total",
				Help: "Total commands executed by operation and shard.",
			},
			[]string{"operation", "shard"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardkv_command_duration_seconds",
				Help:    "Per-command latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_retries_total",
				Help: "Total failover retries attempted against a replacement shard.",
			},
			[]string{"operation"},
		),
		RetriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_retries_exhausted_total",
				Help: "Total direct calls that exhausted max_connection_retries.",
			},
			[]string{"operation"},
		),
		ShardHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardkv_shard_up",
				Help: "1 if the shard is currently eligible for routing, 0 if marked down.",
			},
			[]string{"shard"},
		),
		MapScopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_map_scopes_total",
				Help: "Total map() scopes resolved, by execution mode (pool/pipelined).",
			},
			[]string{"mode"},
		),
		MapPromisesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_map_promises_total",
				Help: "Total promises inside map() scopes that resolved to an error (outcome=\"error\"); successful promises are not counted.",
			},
			[]string{"outcome"},
		),
		PipelineExecsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardkv_pipeline_executes_total",
				Help: "Total backend-native pipeline.execute() calls, by shard.",
			},
			[]string{"shard"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shardkv_circuit_breaker_state",
				Help: "Circuit breaker state per shard (0=closed, 1=open, 2=half-open).",
			},
			[]string{"shard"},
		),
	}

	prometheus.MustRegister(
		m.CommandsTotal,
		m.CommandLatency,
		m.RetriesTotal,
		m.RetriesExhausted,
		m.ShardHealth,
		m.MapScopesTotal,
		m.MapPromisesTotal,
		m.PipelineExecsTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
