// Package config loads and validates cluster configuration from YAML files
// with environment-variable overrides, the same way the rest of the
// codebase's ambient configuration works.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/shardkv/shardkv/pkg/errors"
)

// HostSettings is one shard's per-host configuration. It may unmarshal from
// a YAML mapping (keyword-style args), a YAML sequence (positional-style
// args), or a bare scalar (a single positional arg), mirroring the three
// shapes spec.md §6.2 allows.
type HostSettings struct {
	Mapping    map[string]any
	Positional []any
	Scalar     any
}

// UnmarshalYAML implements the three-shape decode described above.
func (h *HostSettings) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var m map[string]any
		if err := value.Decode(&m); err != nil {
			return err
		}
		h.Mapping = m
	case yaml.SequenceNode:
		var seq []any
		if err := value.Decode(&seq); err != nil {
			return err
		}
		h.Positional = seq
	default:
		var scalar any
		if err := value.Decode(&scalar); err != nil {
			return err
		}
		h.Scalar = scalar
	}
	return nil
}

// Merge combines this host's settings with cluster-wide defaults, host
// values winning over defaults (spec.md §6.2, "host values win"). Only a
// mapping-shaped host contributes keys; a positional or scalar host's
// values are not included, so the result holds the defaults alone.
func (h HostSettings) Merge(defaults map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range h.Mapping {
		merged[k] = v
	}
	return merged
}

// ClusterConfig describes one logical cluster: its backend, router, an
// optional cluster-type override, the ordered/keyed host list, and defaults
// merged into every host.
type ClusterConfig struct {
	// Backend is the backend constructor identifier. Engine is accepted
	// as a legacy alias and takes precedence only when Backend is empty.
	Backend string `yaml:"backend"`
	Engine  string `yaml:"engine"`
	// Router selects the routing policy by name; empty means the
	// broadcast router (spec.md §6.2 default).
	Router string `yaml:"router"`
	// Cluster optionally overrides the backend's declared default
	// cluster implementation (e.g. for single-endpoint backends).
	Cluster string `yaml:"cluster"`
	// HostsMap/HostsList hold the two resolved shapes; Load()
	// normalizes RawHosts into exactly one of them.
	HostsMap  map[string]HostSettings `yaml:"-"`
	HostsList []HostSettings          `yaml:"-"`
	RawHosts  yaml.Node               `yaml:"hosts"`
	Defaults  map[string]any          `yaml:"defaults"`
	// MaxConnectionRetries bounds the failover budget for direct calls
	// (spec.md §4.3). Zero means the package default of 20.
	MaxConnectionRetries int `yaml:"maxConnectionRetries"`
	// CallTimeout bounds each individual shard call. Zero disables the
	// wrapper and leaves timing entirely to the caller's context.
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// BackendName resolves Backend, falling back to the legacy Engine alias.
func (c ClusterConfig) BackendName() string {
	if c.Backend != "" {
		return c.Backend
	}
	return c.Engine
}

// resolveHosts decodes RawHosts into HostsMap/HostsList depending on its
// YAML shape.
func (c *ClusterConfig) resolveHosts() error {
	if c.RawHosts.Kind == 0 {
		return nil
	}
	switch c.RawHosts.Kind {
	case yaml.MappingNode:
		var m map[string]HostSettings
		if err := c.RawHosts.Decode(&m); err != nil {
			return fmt.Errorf("decoding hosts mapping: %w", err)
		}
		c.HostsMap = m
	case yaml.SequenceNode:
		var list []HostSettings
		if err := c.RawHosts.Decode(&list); err != nil {
			return fmt.Errorf("decoding hosts list: %w", err)
		}
		c.HostsList = list
	default:
		return fmt.Errorf("hosts must be a mapping or a sequence")
	}
	return nil
}

// OrderedHosts returns (shardIndex, settings) pairs in a stable order:
// numeric order for a mapping, positional order for a list.
func (c ClusterConfig) OrderedHosts() ([]int, map[int]HostSettings, error) {
	result := make(map[int]HostSettings)
	var indices []int
	if c.HostsMap != nil {
		for k, v := range c.HostsMap {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: shard index %q is not an integer: %v", pkgerrors.ErrInvalidDBNum, k, err)
			}
			result[idx] = v
			indices = append(indices, idx)
		}
	} else {
		for i, v := range c.HostsList {
			result[i] = v
			indices = append(indices, i)
		}
	}
	sortInts(indices)
	return indices, result, nil
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Config is the top-level application configuration: a set of named
// clusters plus the ambient stack settings shared across this repository's
// reference binaries.
type Config struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
	Server   ServerConfig             `yaml:"server"`
	Redis    RedisConfig              `yaml:"redis"`
	Postgres PostgresConfig           `yaml:"postgres"`
	Kafka    KafkaConfig              `yaml:"kafka"`
	Logging  LoggingConfig            `yaml:"logging"`
	Metrics  MetricsConfig            `yaml:"metrics"`
}

// ServerConfig holds the gateway binary's HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RedisConfig holds Redis connection parameters for the reference backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the table-backed
// reference backend.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds the broker list and topic used to publish shard
// health-transition events.
type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	EventTopic string   `yaml:"eventTopic"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), resolves each cluster's
// hosts shape, and applies environment-variable overrides. A blank path
// returns a Config with sensible local-development defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	for name, cluster := range cfg.Clusters {
		if err := cluster.resolveHosts(); err != nil {
			return nil, fmt.Errorf("cluster %q: %w", name, err)
		}
		cfg.Clusters[name] = cluster
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Clusters: map[string]ClusterConfig{},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:         "localhost",
			Port:         5432,
			Database:     "shardkv",
			User:         "shardkv",
			Password:     "localdev",
			SSLMode:      "disable",
			Table:        "shardkv_kv",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SHARDKV_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHARDKV_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SHARDKV_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SHARDKV_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SHARDKV_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SHARDKV_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SHARDKV_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SHARDKV_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
