package router

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRetryTimeout is how long a shard stays marked down before it's
// eligible to be tried again (nydus's RoundRobinRouter.retry_timeout).
const DefaultRetryTimeout = 30 * time.Second

// DefaultAttemptReconnectThreshold is how many routing attempts pass
// between sweeps that reassess down shards for readmission (nydus's
// attempt_reconnect_threshold).
const DefaultAttemptReconnectThreshold = 100000

// RoundRobinRouter cycles through shards in order, skipping any marked
// down within the last RetryTimeout. It is the base every health-tracking
// router (including KetamaRouter) builds on.
type RoundRobinRouter struct {
	hosts HostSource

	RetryTimeout              time.Duration
	AttemptReconnectThreshold int64

	mu       sync.Mutex
	cursor   int
	attempts int64
	downAt   map[int]time.Time
	sweep    singleflight.Group
}

// NewRoundRobinRouter builds a RoundRobinRouter over hosts with the
// package defaults for retry timeout and reconnect threshold.
func NewRoundRobinRouter(hosts HostSource) *RoundRobinRouter {
	return &RoundRobinRouter{
		hosts:                     hosts,
		RetryTimeout:              DefaultRetryTimeout,
		AttemptReconnectThreshold: DefaultAttemptReconnectThreshold,
		downAt:                    make(map[int]time.Time),
	}
}

func (r *RoundRobinRouter) Retryable() bool { return true }

func (r *RoundRobinRouter) Route(req Request) ([]int, error) {
	r.mu.Lock()
	r.attempts++
	attempts := r.attempts
	if req.RetryFor != nil {
		r.markDownLocked(*req.RetryFor)
	}
	r.mu.Unlock()

	if attempts > r.AttemptReconnectThreshold {
		// Only one goroutine actually performs the sweep per burst; the
		// rest just wait for it, same net effect as nydus's single
		// threaded check_down_connections.
		r.sweep.Do("check-down-connections", func() (any, error) {
			r.checkDownConnections()
			return nil, nil
		})
	}

	num, err := r.nextUp()
	if err != nil {
		return nil, err
	}
	return []int{num}, nil
}

func (r *RoundRobinRouter) nextUp() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nums := sortedShardNums(r.hosts)
	if len(nums) == 0 {
		return 0, ErrHostListExhausted
	}

	now := time.Now()
	for i := 0; i < len(nums); i++ {
		r.cursor = (r.cursor + 1) % len(nums)
		num := nums[r.cursor]
		markedAt, down := r.downAt[num]
		if !down || !markedAt.Add(r.RetryTimeout).After(now) {
			delete(r.downAt, num)
			return num, nil
		}
	}
	return 0, ErrHostListExhausted
}

func (r *RoundRobinRouter) checkDownConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for num, markedAt := range r.downAt {
		if !markedAt.Add(r.RetryTimeout).After(now) {
			delete(r.downAt, num)
		}
	}
	r.attempts = 0
}

// FlushDownConnections marks every currently-down shard up and resets the
// attempt counter (nydus's flush_down_connections).
func (r *RoundRobinRouter) FlushDownConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.downAt = make(map[int]time.Time)
}

func (r *RoundRobinRouter) MarkDown(num int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markDownLocked(num)
}

func (r *RoundRobinRouter) markDownLocked(num int) {
	r.downAt[num] = time.Now()
}

func (r *RoundRobinRouter) MarkUp(num int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.downAt, num)
}
