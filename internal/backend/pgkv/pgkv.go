// Package pgkv is a reference backend.Connection backed by a PostgreSQL
// table via lib/pq. Unlike redisbackend it has no native batch protocol, so
// a Cluster of pgkv.Backends always dispatches map() scopes through the
// worker-pool path instead of a pipeline (spec.md §4.4's pool mode).
package pgkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/shardkv/shardkv/internal/backend"
	"github.com/shardkv/shardkv/pkg/config"
	"github.com/shardkv/shardkv/pkg/postgres"
	"github.com/shardkv/shardkv/pkg/resilience"
)

// Backend lazily opens a PostgreSQL connection pool scoped to one shard's
// host:port and serves a flat key/value table on it.
type Backend struct {
	num        int
	identifier string
	cfg        config.PostgresConfig

	mu     sync.Mutex
	client *postgres.Client
}

// New constructs a Backend for shard num against hostport ("host:port"),
// inheriting every other PostgreSQL setting (database, table, pool limits)
// from cfg.
func New(num int, hostport string, cfg config.PostgresConfig) *Backend {
	host, portStr, err := net.SplitHostPort(hostport)
	if err == nil {
		cfg.Host = host
		if port, perr := strconv.Atoi(portStr); perr == nil {
			cfg.Port = port
		}
	} else {
		cfg.Host = hostport
	}
	return &Backend{num: num, identifier: hostport, cfg: cfg}
}

func (b *Backend) Num() int                { return b.num }
func (b *Backend) Identifier() string      { return b.identifier }
func (b *Backend) SupportsPipelines() bool { return false }

// Connect opens the connection pool and pings it, satisfying the contract's
// lazy-dial requirement even though database/sql itself pools lazily under
// the hood.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}
	var client *postgres.Client
	name := fmt.Sprintf("postgres-connect-shard-%d", b.num)
	err := resilience.Retry(ctx, name, resilience.RetryConfig{MaxAttempts: 3}, func() error {
		c, err := postgres.New(b.cfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres shard %d (%s): %w", b.num, b.identifier, err)
	}
	if err := b.ensureSchema(ctx, client); err != nil {
		_ = client.Close()
		return err
	}
	b.client = client
	return nil
}

func (b *Backend) ensureSchema(ctx context.Context, client *postgres.Client) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key text PRIMARY KEY,
		value bytea NOT NULL,
		expires_at timestamptz
	)`, pq.QuoteIdentifier(b.cfg.Table))
	_, err := client.DB.ExecContext(ctx, stmt)
	return err
}

// Disconnect closes the pool; the next Call reopens it.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) conn(ctx context.Context) (*postgres.Client, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client, nil
}

// Call dispatches get/set/delete/exists against the shard's table.
func (b *Backend) Call(ctx context.Context, name string, args ...any) (any, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	table := pq.QuoteIdentifier(b.cfg.Table)
	switch name {
	case "get":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		var value []byte
		query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, table)
		err = client.DB.QueryRowContext(ctx, query, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return string(value), nil
	case "set":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("pgkv set: missing value argument")
		}
		value := fmt.Sprintf("%v", args[1])
		var expiresAt any
		if ttl := optionalDuration(args, 2); ttl > 0 {
			expiresAt = time.Now().Add(ttl)
		}
		query := fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, table)
		_, err = client.DB.ExecContext(ctx, query, key, []byte(value), expiresAt)
		return "OK", err
	case "delete":
		keys, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, table)
		res, err := client.DB.ExecContext(ctx, query, pq.Array(keys))
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		return n, nil
	case "exists":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		var exists bool
		query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now()))`, table)
		err = client.DB.QueryRowContext(ctx, query, key).Scan(&exists)
		return exists, err
	default:
		return nil, fmt.Errorf("pgkv: unsupported operation %q", name)
	}
}

// IsRetryable distinguishes connection-level faults from constraint
// violations and other application errors reported by the driver.
func (b *Backend) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Connection-exception and operator-intervention classes (see
		// Appendix A of the PostgreSQL error-codes table) are transient;
		// everything else (constraint violations, syntax errors) is not.
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return strings.Contains(err.Error(), "connection refused")
}

// Pipeline is unsupported; pgkv always takes the worker-pool dispatch path.
func (b *Backend) Pipeline() backend.Pipeline {
	panic("pgkv: Pipeline called on a backend that reports SupportsPipelines() == false")
}

func stringArg(args []any, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("pgkv: missing key argument")
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", fmt.Errorf("pgkv: argument %d must be a string, got %T", idx, args[idx])
	}
	return s, nil
}

func stringArgs(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("pgkv: argument %d must be a string, got %T", i, a)
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalDuration(args []any, idx int) time.Duration {
	if idx >= len(args) {
		return 0
	}
	if d, ok := args[idx].(time.Duration); ok {
		return d
	}
	return 0
}
