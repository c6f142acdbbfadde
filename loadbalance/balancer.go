// Package loadbalance provides strategies for choosing one endpoint out of the
// candidates discovered for a service.
//
// Three strategies are implemented:
//   - ConsistentHash:  default; stable key -> endpoint mapping under membership change
//   - RoundRobin:      stateless services, equal-capacity instances
//   - Random:          optionally weighted for heterogeneous instances
package loadbalance

import (
	"strings"

	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
)

// Strategy names accepted by New.
const (
	ConsistentHash = "consistent_hash"
	RoundRobin     = "round_robin"
	Random         = "random"
)

// Balancer is the interface for load balancing strategies.
// The client calls Select() before each RPC to pick a target endpoint.
type Balancer interface {
	// Select picks one of endpoints for the given routing key. Implementations
	// must be goroutine-safe and fail with rpcerr.ErrNoAvailableEndpoint when
	// endpoints is empty.
	Select(endpoints []string, key string) (string, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Weighted is implemented by balancers that honour per-endpoint weights. The client feeds it
// the weights published in the registry on every lookup.
type Weighted interface {
	SetWeights(weights map[string]int)
}

// New builds a balancer by configuration name. replicas only applies to consistent_hash.
func New(name string, replicas int) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", ConsistentHash, "consistenthash":
		return NewConsistentHashBalancer(replicas), nil
	case RoundRobin, "roundrobin":
		return &RoundRobinBalancer{}, nil
	case Random:
		return &RandomBalancer{}, nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}

func noEndpoints() error {
	return rpcerr.ErrNoAvailableEndpoint
}
