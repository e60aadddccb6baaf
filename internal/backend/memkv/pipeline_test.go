package memkv

import (
	"context"
	"testing"
	"time"

	"github.com/shardkv/shardkv/internal/backend"
)

// TestPipelineGroupsConsecutiveCompatibleSets exercises spec.md §8 property
// 10: three consecutive set calls sharing the same timeout collapse into
// one set_multi, while a differing timeout breaks the run.
func TestPipelineGroupsConsecutiveCompatibleSets(t *testing.T) {
	b := New(0, "host-0")
	pipe := b.Pipeline().(*pipeline)

	pipe.Add(backend.Call{Name: "set", Args: []any{"a", 1, 10 * time.Second}})
	pipe.Add(backend.Call{Name: "set", Args: []any{"b", 2, 10 * time.Second}})
	pipe.Add(backend.Call{Name: "set", Args: []any{"c", 3, 10 * time.Second}})

	groups := regroupCalls(pipe.pending)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (all three sets share timeout)", len(groups))
	}
	if groups[0].command.Name != "set_multi" {
		t.Fatalf("got command %q, want set_multi", groups[0].command.Name)
	}
	pairs, ok := groups[0].command.Args[0].(map[string]any)
	if !ok || len(pairs) != 3 {
		t.Fatalf("set_multi args[0] = %#v, want a 3-entry map", groups[0].command.Args[0])
	}

	results, err := pipe.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 (one per queued call)", len(results))
	}
	for i, v := range results {
		if v != "OK" {
			t.Fatalf("result %d = %v, want \"OK\"", i, v)
		}
	}

	for _, k := range []string{"a", "b", "c"} {
		v, ok := b.store.get(k)
		if !ok {
			t.Fatalf("key %q was not stored", k)
		}
		_ = v
	}
}

// TestPipelineSplitsOnDifferingSharedArgs exercises the other half of
// property 10: changing the timeout mid-sequence splits the group.
func TestPipelineSplitsOnDifferingSharedArgs(t *testing.T) {
	b := New(0, "host-0")
	pipe := b.Pipeline().(*pipeline)

	pipe.Add(backend.Call{Name: "set", Args: []any{"a", 1, 10 * time.Second}})
	pipe.Add(backend.Call{Name: "set", Args: []any{"b", 2, 10 * time.Second}})
	pipe.Add(backend.Call{Name: "set", Args: []any{"c", 3, 20 * time.Second}})

	groups := regroupCalls(pipe.pending)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 (differing timeout splits the run)", len(groups))
	}
	if groups[0].command.Name != "set_multi" || len(groups[0].indices) != 2 {
		t.Fatalf("first group = %+v, want a 2-entry set_multi", groups[0])
	}
	if groups[1].command.Name != "set" || len(groups[1].indices) != 1 {
		t.Fatalf("second group = %+v, want a lone set", groups[1])
	}
}

// TestPipelineGroupsGets exercises get_multi grouping and result
// distribution back to the original per-key promises by key.
func TestPipelineGroupsGets(t *testing.T) {
	b := New(0, "host-0")
	b.store.set("x", []byte("1"), 0)
	b.store.set("y", []byte("2"), 0)

	pipe := b.Pipeline().(*pipeline)
	pipe.Add(backend.Call{Name: "get", Args: []any{"x"}})
	pipe.Add(backend.Call{Name: "get", Args: []any{"y"}})

	results, err := pipe.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != "1" || results[1] != "2" {
		t.Fatalf("got %v, want [\"1\" \"2\"] distributed by key", results)
	}
}

// TestPipelineIncompatibleNeighborsExecuteIndividually checks that adjacent
// commands with different names (set then delete) are never merged into one
// group: each runs as its own command.
func TestPipelineIncompatibleNeighborsExecuteIndividually(t *testing.T) {
	b := New(0, "host-0")
	pipe := b.Pipeline().(*pipeline)

	pipe.Add(backend.Call{Name: "set", Args: []any{"a", 1}})
	pipe.Add(backend.Call{Name: "delete", Args: []any{"a"}})

	groups := regroupCalls(pipe.pending)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 (set and delete are never compatible)", len(groups))
	}
}
