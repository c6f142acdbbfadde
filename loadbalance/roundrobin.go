package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes requests evenly across all endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation. The routing key is ignored.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Select(endpoints []string, _ string) (string, error) {
	if len(endpoints) == 0 {
		return "", noEndpoints()
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
