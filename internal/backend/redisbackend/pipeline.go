package redisbackend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shardkv/shardkv/internal/backend"
)

// pipeline batches calls into a single native redis.Pipeliner round-trip,
// the backend.Pipeline a dispatcher reaches for when a map() scope targets
// a redisbackend.Backend shard (spec.md §4.4's pipelined mode).
type pipeline struct {
	backend *Backend
	pipe    redis.Pipeliner
	cmds    []redis.Cmder
	err     error
}

// Add queues one call against the pipeline. Argument errors are deferred to
// Execute so Add itself never needs to return one.
func (p *pipeline) Add(call backend.Call) {
	if p.err != nil {
		p.cmds = append(p.cmds, nil)
		return
	}
	if p.pipe == nil {
		client, err := p.backend.conn(context.Background())
		if err != nil {
			p.err = err
			return
		}
		p.pipe = client.Pipeline()
	}
	cmd, err := queueCmd(p.pipe, context.Background(), call.Name, call.Args...)
	if err != nil {
		p.cmds = append(p.cmds, nil)
		p.err = fmt.Errorf("queuing %q: %w", call.Name, err)
		return
	}
	p.cmds = append(p.cmds, cmd)
}

// Execute runs every queued command in one round-trip and returns one
// result (or per-command error wrapped as a value) per Add call, in order.
func (p *pipeline) Execute(ctx context.Context) ([]any, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.pipe == nil {
		return nil, nil
	}
	// redis.Pipeliner.Exec returns the first failed command's error, so an
	// error that some queued Cmder also carries is a per-command error (e.g.
	// a type mismatch): it is reported per-slot below instead of aborting
	// the batch. Only an error no command carries fails the whole batch.
	if _, err := p.pipe.Exec(ctx); err != nil && err != redis.Nil {
		perCommand := false
		for _, cmd := range p.cmds {
			if cmd != nil && cmd.Err() == err {
				perCommand = true
				break
			}
		}
		if !perCommand {
			return nil, fmt.Errorf("executing pipeline: %w", err)
		}
	}

	results := make([]any, len(p.cmds))
	for i, cmd := range p.cmds {
		if cmd == nil {
			continue
		}
		v, err := extractResult(cmd)
		if err != nil {
			results[i] = err
			continue
		}
		results[i] = v
	}
	return results, nil
}
