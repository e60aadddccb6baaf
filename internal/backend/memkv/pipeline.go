package memkv

import (
	"context"
	"fmt"
	"reflect"

	"github.com/shardkv/shardkv/internal/backend"
)

// pipeline batches get/set/delete calls into get_multi/set_multi/delete_multi
// whenever consecutive calls share a command name and the same trailing
// ("shared") arguments — the regrouping memcache clients do natively.
type pipeline struct {
	store   *store
	pending []backend.Call
}

func (p *pipeline) Add(call backend.Call) {
	p.pending = append(p.pending, call)
}

// group is one run of pending commands that will resolve as a single
// operation: either the lone command itself, or a synthesized _multi call
// plus the indices (into the original Add order) it answers for.
type group struct {
	command backend.Call
	indices []int
}

func (p *pipeline) Execute(ctx context.Context) ([]any, error) {
	groups := regroupCalls(p.pending)
	results := make([]any, len(p.pending))
	for _, g := range groups {
		value, err := resolve(p.store, g.command)
		if err != nil {
			for _, idx := range g.indices {
				results[idx] = err
			}
			continue
		}
		if len(g.indices) == 1 {
			results[g.indices[0]] = value
			continue
		}
		// A _multi command resolves to a map keyed by the original key
		// (get_multi) or nothing meaningful to split (set_multi/delete_multi,
		// which report "OK" for the whole batch).
		byKey, isMap := value.(map[string]any)
		for _, idx := range g.indices {
			if isMap {
				key, _ := p.pending[idx].Args[0].(string)
				results[idx] = byKey[key]
			} else {
				results[idx] = value
			}
		}
	}
	return results, nil
}

// sharedArgs returns the arguments a command shares with another command of
// the same name for grouping purposes: everything but the key (and, for
// set, the value too).
func sharedArgs(c backend.Call) []any {
	if c.Name == "set" {
		if len(c.Args) <= 2 {
			return nil
		}
		return c.Args[2:]
	}
	if len(c.Args) <= 1 {
		return nil
	}
	return c.Args[1:]
}

var multiCapable = map[string]bool{"get": true, "set": true, "delete": true}

func canGroup(a, b backend.Call) bool {
	if !multiCapable[a.Name] || a.Name != b.Name {
		return false
	}
	return reflect.DeepEqual(sharedArgs(a), sharedArgs(b))
}

// regroupCalls mirrors nydus's regroup_commands: a straight left-to-right
// scan that accumulates a run of groupable commands and flushes it (as a
// synthesized _multi command) whenever the run breaks.
func regroupCalls(calls []backend.Call) []group {
	var groups []group
	var pendingIdx []int

	flush := func() {
		if len(pendingIdx) == 0 {
			return
		}
		if len(pendingIdx) == 1 {
			groups = append(groups, group{command: calls[pendingIdx[0]], indices: pendingIdx})
		} else {
			groups = append(groups, group{command: multiCommand(calls, pendingIdx), indices: pendingIdx})
		}
		pendingIdx = nil
	}

	for i, c := range calls {
		if len(pendingIdx) > 0 && !canGroup(calls[pendingIdx[0]], c) {
			flush()
		}
		if multiCapable[c.Name] {
			pendingIdx = append(pendingIdx, i)
		} else {
			flush()
			groups = append(groups, group{command: c, indices: []int{i}})
		}
	}
	flush()
	return groups
}

// multiCommand builds the batch command ("<name>_multi") for a run of
// groupable calls sharing the index set idx.
func multiCommand(calls []backend.Call, idx []int) backend.Call {
	base := calls[idx[0]]
	shared := sharedArgs(base)
	switch base.Name {
	case "get", "delete":
		keys := make([]string, len(idx))
		for i, ci := range idx {
			keys[i], _ = calls[ci].Args[0].(string)
		}
		args := append([]any{keys}, shared...)
		return backend.Call{Name: base.Name + "_multi", Args: args}
	case "set":
		pairs := make(map[string]any, len(idx))
		for _, ci := range idx {
			key, _ := calls[ci].Args[0].(string)
			pairs[key] = calls[ci].Args[1]
		}
		args := append([]any{pairs}, shared...)
		return backend.Call{Name: "set_multi", Args: args}
	default:
		panic(fmt.Sprintf("memkv: command %q is not multi-capable", base.Name))
	}
}
