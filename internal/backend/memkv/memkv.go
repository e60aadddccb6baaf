package memkv

import (
	"context"
	"fmt"
	"time"

	"github.com/shardkv/shardkv/internal/backend"
)

// Backend is a shard's handle onto an in-memory store. Connect/Disconnect
// are no-ops beyond bookkeeping since there is no transport to dial.
type Backend struct {
	num        int
	identifier string
	store      *store
	connected  bool
}

// New constructs a Backend for shard num. identifier only needs to be
// unique and stable within a cluster (it feeds the consistent-hash ring).
func New(num int, identifier string) *Backend {
	return &Backend{num: num, identifier: identifier, store: newStore()}
}

func (b *Backend) Num() int                { return b.num }
func (b *Backend) Identifier() string      { return b.identifier }
func (b *Backend) SupportsPipelines() bool { return true }

func (b *Backend) Connect(ctx context.Context) error {
	b.connected = true
	return nil
}

func (b *Backend) Disconnect() error {
	b.connected = false
	return nil
}

// IsRetryable is always false: every error memkv returns is an
// application-level error (bad arguments), never a transport fault.
func (b *Backend) IsRetryable(err error) bool { return false }

// Call dispatches get/set/delete and their _multi counterparts, the same
// operation set available through a Pipeline.
func (b *Backend) Call(ctx context.Context, name string, args ...any) (any, error) {
	return resolve(b.store, backend.Call{Name: name, Args: args})
}

func (b *Backend) Pipeline() backend.Pipeline {
	return &pipeline{store: b.store}
}

func resolve(s *store, c backend.Call) (any, error) {
	switch c.Name {
	case "get":
		key, err := stringArg(c.Args, 0)
		if err != nil {
			return nil, err
		}
		v, ok := s.get(key)
		if !ok {
			return nil, nil
		}
		return string(v), nil
	case "set":
		key, err := stringArg(c.Args, 0)
		if err != nil {
			return nil, err
		}
		if len(c.Args) < 2 {
			return nil, fmt.Errorf("memkv set: missing value argument")
		}
		s.set(key, []byte(fmt.Sprintf("%v", c.Args[1])), optionalDuration(c.Args, 2))
		return "OK", nil
	case "delete":
		key, err := stringArg(c.Args, 0)
		if err != nil {
			return nil, err
		}
		return s.delete(key), nil
	case "get_multi":
		keys, err := stringSlice(c.Args, 0)
		if err != nil {
			return nil, err
		}
		result := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := s.get(k); ok {
				result[k] = string(v)
			}
		}
		return result, nil
	case "set_multi":
		pairs, ok := c.Args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("memkv set_multi: expected map[string]any, got %T", c.Args[0])
		}
		ttl := optionalDuration(c.Args, 1)
		for k, v := range pairs {
			s.set(k, []byte(fmt.Sprintf("%v", v)), ttl)
		}
		return "OK", nil
	case "delete_multi":
		keys, err := stringSlice(c.Args, 0)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			s.delete(k)
		}
		return "OK", nil
	default:
		return nil, fmt.Errorf("memkv: unsupported operation %q", c.Name)
	}
}

func stringArg(args []any, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("memkv: missing key argument")
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", fmt.Errorf("memkv: argument %d must be a string, got %T", idx, args[idx])
	}
	return s, nil
}

func stringSlice(args []any, idx int) ([]string, error) {
	if idx >= len(args) {
		return nil, fmt.Errorf("memkv: missing key list argument")
	}
	keys, ok := args[idx].([]string)
	if !ok {
		return nil, fmt.Errorf("memkv: argument %d must be []string, got %T", idx, args[idx])
	}
	return keys, nil
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
