package redisbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// queueCmd builds the redis.Cmder for a named operation against cmdable
// (which is satisfied by both *redis.Client and redis.Pipeliner), without
// forcing network I/O — that happens when the caller executes the command
// directly (client) or as part of a pipeline (pipe.Exec).
func queueCmd(cmdable redis.Cmdable, ctx context.Context, name string, args ...any) (redis.Cmder, error) {
	switch name {
	case "get":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return cmdable.Get(ctx, key), nil
	case "set":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("redis set: missing value argument")
		}
		ttl := optionalDuration(args, 2)
		return cmdable.Set(ctx, key, args[1], ttl), nil
	case "del":
		keys, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		return cmdable.Del(ctx, keys...), nil
	case "incr":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return cmdable.Incr(ctx, key), nil
	case "incrby":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := int64Arg(args, 1)
		if err != nil {
			return nil, err
		}
		return cmdable.IncrBy(ctx, key, amount), nil
	case "expire":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		ttl := optionalDuration(args, 1)
		return cmdable.Expire(ctx, key, ttl), nil
	case "exists":
		keys, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		return cmdable.Exists(ctx, keys...), nil
	default:
		return nil, fmt.Errorf("redisbackend: unsupported operation %q", name)
	}
}

// extractResult reads a fully-executed Cmder's value/error into the plain
// Go type dispatch() returns for direct calls.
func extractResult(cmd redis.Cmder) (any, error) {
	switch c := cmd.(type) {
	case *redis.StringCmd:
		v, err := c.Result()
		if err != nil {
			return nil, err
		}
		return v, nil
	case *redis.StatusCmd:
		return c.Result()
	case *redis.IntCmd:
		return c.Result()
	case *redis.BoolCmd:
		return c.Result()
	default:
		return nil, cmd.Err()
	}
}

// dispatch queues and immediately executes a command against a live
// connection (non-pipelined path).
func dispatch(ctx context.Context, client *redis.Client, name string, args ...any) (any, error) {
	cmd, err := queueCmd(client, ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return extractResult(cmd)
}

func stringArg(args []any, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("redisbackend: missing key argument")
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", fmt.Errorf("redisbackend: argument %d must be a string, got %T", idx, args[idx])
	}
	return s, nil
}

func stringArgs(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("redisbackend: argument %d must be a string, got %T", i, a)
		}
		out = append(out, s)
	}
	return out, nil
}

func int64Arg(args []any, idx int) (int64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("redisbackend: missing integer argument %d", idx)
	}
	switch v := args[idx].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("redisbackend: argument %d must be an integer, got %T", idx, args[idx])
	}
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
