// Package backend defines the contract every driver must satisfy to plug
// into a Cluster (spec.md §4.1, §6.1): lazy connect/disconnect, a
// declared set of retryable error kinds, and an optional native pipeline.
package backend

import "context"

// Connection is the capability set a backend driver exposes to the cluster
// and dispatch engine. Implementations are expected to dial lazily: the
// first call that needs the transport triggers Connect, and Disconnect
// clears any cached transport so the next call reconnects.
type Connection interface {
	// Num is the shard's stable integer index within its cluster.
	Num() int
	// Identifier is an opaque, lifetime-stable string used by the
	// consistent-hash ring (conventionally "host:port").
	Identifier() string
	// Connect establishes the transport if it isn't already up.
	Connect(ctx context.Context) error
	// Disconnect tears down the transport; the next call reconnects.
	Disconnect() error
	// Call invokes the named operation with positional arguments and
	// returns its result or an error. Unknown operation names are
	// delegated to the native transport by the concrete implementation.
	Call(ctx context.Context, name string, args ...any) (any, error)
	// IsRetryable reports whether err signals a transport fault (try
	// another shard) as opposed to an application-level error.
	IsRetryable(err error) bool
	// SupportsPipelines reports whether Pipeline() is implemented.
	SupportsPipelines() bool
	// Pipeline returns a new backend-native batch. Only called when
	// SupportsPipelines returns true.
	Pipeline() Pipeline
}

// Call is one queued operation inside a Pipeline: an operation name plus
// its positional arguments.
type Call struct {
	Name string
	Args []any
}

// Pipeline is a per-shard batch object. Add queues calls in backend-native
// form; Execute runs them in a single round-trip and returns one result (or
// error value) per queued call, in queue order. Execute must be called at
// most once.
type Pipeline interface {
	Add(call Call)
	Execute(ctx context.Context) ([]any, error)
}
