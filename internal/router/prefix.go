package router

import (
	"fmt"
	"sort"
	"strings"

	pkgerrors "github.com/shardkv/shardkv/pkg/errors"
)

// PrefixPartitionRouter routes a key to the one shard whose configured
// prefix it starts with, falling back to a required "default" shard.
// Unlike the hashing routers it does not use Identifier() strings: it is
// built from a prefix→shard map, which pkg/factory fills from each host's
// "prefix" setting (the host keys themselves are shard numbers).
type PrefixPartitionRouter struct {
	prefixes      []string // longest first, so the most specific match wins
	shardByPrefix map[string]int
	defaultShard  int
	hasDefault    bool
}

// NewPrefixPartitionRouter builds a PrefixPartitionRouter from a map of
// prefix (including the literal "default") to shard number.
func NewPrefixPartitionRouter(shardByPrefix map[string]int) (*PrefixPartitionRouter, error) {
	defaultNum, hasDefault := shardByPrefix["default"]
	if !hasDefault {
		return nil, fmt.Errorf("%w: prefix partition router requires a %q host", pkgerrors.ErrUnableToSetupRouter, "default")
	}
	r := &PrefixPartitionRouter{
		shardByPrefix: make(map[string]int, len(shardByPrefix)),
		defaultShard:  defaultNum,
		hasDefault:    hasDefault,
	}
	for prefix, num := range shardByPrefix {
		if prefix == "default" {
			continue
		}
		r.prefixes = append(r.prefixes, prefix)
		r.shardByPrefix[prefix] = num
	}
	sort.Slice(r.prefixes, func(i, j int) bool { return len(r.prefixes[i]) > len(r.prefixes[j]) })
	return r, nil
}

func (r *PrefixPartitionRouter) Retryable() bool  { return false }
func (r *PrefixPartitionRouter) MarkDown(num int) {}
func (r *PrefixPartitionRouter) MarkUp(num int)   {}

func (r *PrefixPartitionRouter) Route(req Request) ([]int, error) {
	if req.Key == nil {
		return nil, fmt.Errorf("prefix partition router requires a key for routing")
	}
	key := keyArg(req)
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(key, prefix) {
			return []int{r.shardByPrefix[prefix]}, nil
		}
	}
	return []int{r.defaultShard}, nil
}
