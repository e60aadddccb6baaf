// Package router selects which shard(s) in a cluster a call should be sent
// to. Every implementation is stateless with respect to the call itself:
// state (down connections, hash rings) lives on the Router value, built
// once from a HostSource and mutated only through MarkDown/MarkUp.
package router

import (
	"fmt"

	pkgerrors "github.com/shardkv/shardkv/pkg/errors"
)

// HostSource is the view of a cluster a Router needs: the set of live shard
// numbers and the stable identifier (conventionally "host:port") each one
// hashes by. A cluster.Cluster satisfies this directly.
type HostSource interface {
	ShardNums() []int
	Identifier(num int) string
}

// Request describes one call a Router must resolve to shard numbers.
type Request struct {
	// Operation is the dotted command name being routed, e.g. "get".
	Operation string
	// Key is the routing key, the first positional argument by
	// convention. A nil Key means "no key was given": BroadcastRouter,
	// PartitionRouter, XXHashPartitionRouter, KetamaRouter and
	// RendezvousRouter treat that as "broadcast to every shard".
	// RoundRobinRouter ignores Key and still returns its next single
	// shard, and PrefixPartitionRouter rejects a nil Key with an error.
	Key any
	// RetryFor is set when this Request is a retry after the shard
	// RetryFor failed; keyed routers use it to pick a different shard
	// and round-robin routers use it to mark RetryFor down first.
	RetryFor *int
}

// Router resolves a Request to the shard number(s) it should be sent to.
// Retryable routers (RoundRobinRouter and anything built on it) track
// shard health across calls via MarkDown/MarkUp.
type Router interface {
	// Route returns the shard numbers to dispatch req to. A retryable
	// router returns exactly one for a request with a non-nil Key.
	Route(req Request) ([]int, error)
	// Retryable reports whether a failed call routed here should be
	// retried against a different shard (spec.md §4.3).
	Retryable() bool
	// MarkDown records that shard num just failed a retryable error.
	// Routers that don't track health ignore this.
	MarkDown(num int)
	// MarkUp records that shard num is known-good again.
	MarkUp(num int)
}

// ErrHostListExhausted is returned when every shard a retryable router
// could pick is currently marked down.
// It is the same value as pkg/errors.ErrHostListExhausted.
var ErrHostListExhausted = pkgerrors.ErrHostListExhausted

// keyArg extracts a string form of req.Key for hashing, mirroring the
// original's "first positional arg, stringified" convention. A nil key
// formats as "<nil>".
func keyArg(req Request) string {
	return fmt.Sprintf("%v", req.Key)
}
