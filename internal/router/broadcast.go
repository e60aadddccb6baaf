package router

// BroadcastRouter sends every call to every shard. It is the default when
// a cluster config names no router (spec.md §6.2).
type BroadcastRouter struct {
	hosts HostSource
}

// NewBroadcastRouter builds a BroadcastRouter over hosts.
func NewBroadcastRouter(hosts HostSource) *BroadcastRouter {
	return &BroadcastRouter{hosts: hosts}
}

func (r *BroadcastRouter) Route(req Request) ([]int, error) {
	return r.hosts.ShardNums(), nil
}

func (r *BroadcastRouter) Retryable() bool { return false }
func (r *BroadcastRouter) MarkDown(num int) {}
func (r *BroadcastRouter) MarkUp(num int)   {}
