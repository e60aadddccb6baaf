// Package factory builds a *cluster.Cluster from a config.ClusterConfig,
// resolving backend and router string identifiers the same way the
// source's "dotted path or string alias" construction worked (spec.md
// §6.2), minus the dynamic-import machinery a static language doesn't
// need: each identifier maps to a constructor registered in this package.
package factory

import (
	"fmt"
	"net"
	"strconv"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/internal/backend/memkv"
	"github.com/shardkv/shardkv/internal/backend/pgkv"
	"github.com/shardkv/shardkv/internal/backend/redisbackend"
	"github.com/shardkv/shardkv/internal/cluster"
	"github.com/shardkv/shardkv/internal/events"
	"github.com/shardkv/shardkv/internal/router"
	"github.com/shardkv/shardkv/pkg/config"
	"github.com/shardkv/shardkv/pkg/metrics"
)

// BackendBuilder constructs one shard's backend.Connection from its
// resolved host settings and the cluster-wide config.
type BackendBuilder func(num int, hostAddr string, settings map[string]any, cfg *config.Config) (backend.Connection, error)

// RouterBuilder constructs a router.Router bound to hosts. Most routers
// are plain functions of hosts; PrefixPartitionRouter additionally needs
// the raw per-shard settings to recover its prefix keys, so it is special
// cased in Build rather than fitting this signature.
type RouterBuilder func(hosts router.HostSource) router.Router

// backends is the registry of backend identifiers recognized in
// ClusterConfig.BackendName(). "engine" is accepted as a legacy alias by
// config.ClusterConfig.BackendName() itself.
var backends = map[string]BackendBuilder{
	"redis": buildRedisBackend,
	"pgkv":  buildPgkvBackend,
	"memkv": buildMemkvBackend,
}

// routers is the registry of router identifiers recognized in
// ClusterConfig.Router. The empty string resolves to BroadcastRouter
// (spec.md §6.2's default).
var routers = map[string]RouterBuilder{
	"":           func(hosts router.HostSource) router.Router { return router.NewBroadcastRouter(hosts) },
	"broadcast":  func(hosts router.HostSource) router.Router { return router.NewBroadcastRouter(hosts) },
	"partition":  func(hosts router.HostSource) router.Router { return router.NewPartitionRouter(hosts) },
	"xxhash":     func(hosts router.HostSource) router.Router { return router.NewXXHashPartitionRouter(hosts) },
	"roundrobin": func(hosts router.HostSource) router.Router { return router.NewRoundRobinRouter(hosts) },
	"ketama":     func(hosts router.HostSource) router.Router { return router.NewKetamaRouter(hosts) },
	"rendezvous": func(hosts router.HostSource) router.Router { return router.NewRendezvousRouter(hosts) },
}

// RegisterBackend adds or overrides a backend identifier, for host
// applications wiring in their own drivers.
func RegisterBackend(name string, b BackendBuilder) { backends[name] = b }

// RegisterRouter adds or overrides a router identifier.
func RegisterRouter(name string, r RouterBuilder) { routers[name] = r }

// Build constructs a named cluster from cfg.Clusters[name].
func Build(name string, cfg *config.Config, m *metrics.Metrics, pub *events.Publisher) (*cluster.Cluster, error) {
	cc, ok := cfg.Clusters[name]
	if !ok {
		return nil, fmt.Errorf("factory: no cluster configured named %q", name)
	}

	backendName := cc.BackendName()
	build, ok := backends[backendName]
	if !ok {
		return nil, fmt.Errorf("factory: unknown backend %q for cluster %q", backendName, name)
	}

	indices, hostSettings, err := cc.OrderedHosts()
	if err != nil {
		return nil, fmt.Errorf("factory: cluster %q: %w", name, err)
	}

	shards := make(map[int]backend.Connection, len(indices))
	prefixByShard := make(map[string]int, len(indices))
	for _, idx := range indices {
		settings := hostSettings[idx].Merge(cc.Defaults)
		addr := hostAddr(settings)
		conn, err := build(idx, addr, settings, cfg)
		if err != nil {
			return nil, fmt.Errorf("factory: cluster %q shard %d: %w", name, idx, err)
		}
		shards[idx] = conn
		if prefix, ok := settings["prefix"].(string); ok {
			prefixByShard[prefix] = idx
		}
	}

	makeRouter, err := resolveRouter(cc.Router, prefixByShard)
	if err != nil {
		return nil, fmt.Errorf("factory: cluster %q: %w", name, err)
	}

	opts := []cluster.Option{
		cluster.WithMetrics(m),
		cluster.WithEvents(pub),
	}
	if cc.MaxConnectionRetries > 0 {
		opts = append(opts, cluster.WithMaxConnectionRetries(cc.MaxConnectionRetries))
	}
	if cc.CallTimeout > 0 {
		opts = append(opts, cluster.WithCallTimeout(cc.CallTimeout))
	}

	return cluster.New(name, shards, makeRouter, opts...), nil
}

func resolveRouter(name string, prefixByShard map[string]int) (func(router.HostSource) router.Router, error) {
	if name == "prefix" {
		return func(hosts router.HostSource) router.Router {
			r, err := router.NewPrefixPartitionRouter(prefixByShard)
			if err != nil {
				// PrefixPartitionRouter's only failure mode is a missing
				// "default" entry, which is a configuration error the
				// caller should have caught before Build; panicking here
				// mirrors cluster.New's non-error constructor contract.
				panic(err)
			}
			return r
		}, nil
	}
	build, ok := routers[name]
	if !ok {
		return nil, fmt.Errorf("unknown router %q", name)
	}
	return build, nil
}

func hostAddr(settings map[string]any) string {
	host, _ := settings["host"].(string)
	if host == "" {
		host = "localhost"
	}
	port := settings["port"]
	if port == nil {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func buildRedisBackend(num int, addr string, settings map[string]any, cfg *config.Config) (backend.Connection, error) {
	rc := cfg.Redis
	if db, ok := settings["db"]; ok {
		if n, err := toInt(db); err == nil {
			rc.DB = n
		}
	}
	if password, ok := settings["password"].(string); ok {
		rc.Password = password
	}
	return redisbackend.New(num, addr, rc), nil
}

func buildPgkvBackend(num int, addr string, settings map[string]any, cfg *config.Config) (backend.Connection, error) {
	pc := cfg.Postgres
	if table, ok := settings["table"].(string); ok {
		pc.Table = table
	}
	if database, ok := settings["database"].(string); ok {
		pc.Database = database
	}
	return pgkv.New(num, addr, pc), nil
}

func buildMemkvBackend(num int, addr string, settings map[string]any, cfg *config.Config) (backend.Connection, error) {
	return memkv.New(num, addr), nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("factory: cannot convert %T to int", v)
	}
}
