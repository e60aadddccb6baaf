// Package dispatch implements the map() scope: it records deferred calls
// against a Dispatcher, groups them by target shard on scope exit, runs
// them through a worker pool or a backend-native pipeline per shard, and
// resolves each call's Result.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/shardkv/shardkv/internal/backend"
)

// Result is the explicit value/error pair a Promise resolves to (spec.md
// Design Notes §9 steers away from the source's eager value-proxy toward
// this shape). A Result is immutable once the promise has been resolved.
type Result struct {
	value any
	err   error
}

// Value returns the resolved value. A call that errored on its only shard
// has a nil value; a call fanned out to several shards keeps its per-shard
// list, with each failed shard's error in that shard's slot.
func (r Result) Value() any { return r.value }

// Err returns the resolved error, or nil on success.
func (r Result) Err() error { return r.err }

// IsError reports whether this Result resolved to an error.
func (r Result) IsError() bool { return r.err != nil }

// Promise is a deferred call recorded inside a map() scope. Calling it
// records the operation and arguments; it is not executed until the scope
// exits, at which point Result becomes valid.
type Promise struct {
	Operation string
	Args      []any

	called bool

	mu       sync.Mutex
	resolved bool
	result   Result
}

// Call records the deferred operation. It may be invoked at most once; a
// second call is a programming error (the source's promise identity is
// derived once, at first invocation).
func (p *Promise) Call(args ...any) *Promise {
	if p.called {
		panic(fmt.Sprintf("dispatch: promise for %q invoked more than once", p.Operation))
	}
	p.called = true
	p.Args = args
	return p
}

// Called reports whether Call was ever invoked on this promise.
func (p *Promise) Called() bool { return p.called }

// Result returns the resolved value/error. Valid only after the owning
// scope has exited; panics if called earlier, matching the "promise
// lifecycle" invariant in spec.md §3 (resolved exactly once at scope exit).
func (p *Promise) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.resolved {
		panic("dispatch: promise accessed before its map() scope exited")
	}
	return p.result
}

// resolvedResult is Result's non-panicking counterpart, used by the
// dispatch engine's own bookkeeping (finalize's failure collection) which
// must tolerate an unresolved promise (one that was never called) instead
// of treating it as a programming error.
func (p *Promise) resolvedResult() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.resolved
}

// resolve sets the promise's resolved value/error exactly once. Spec.md §3
// requires a promise be "resolved exactly once at scope exit"; the
// dispatch engine upholds that by construction (each promise's group is
// finalized by a single goroutine after every shard it targeted has
// reported in), but resolve stays idempotent and mutex-guarded as a
// last-writer-wins data race is strictly worse than a silently ignored
// second resolution.
func (p *Promise) resolve(value any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.result = Result{value: value, err: err}
	p.resolved = true
}

func (p *Promise) call() backend.Call {
	return backend.Call{Name: p.Operation, Args: p.Args}
}
