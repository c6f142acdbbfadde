package loadbalance

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// RandomBalancer picks an endpoint at random, proportionally to its weight.
// Endpoints missing from the weight table (or the zero value balancer) count as weight 1.
//
// Best for: heterogeneous instances (different CPU/memory).
type RandomBalancer struct {
	mu      sync.Mutex // serialises SetWeights
	weights atomic.Pointer[map[string]int]
}

// NewRandomBalancer copies weights into the initial table.
func NewRandomBalancer(weights map[string]int) *RandomBalancer {
	b := &RandomBalancer{}
	b.SetWeights(weights)
	return b
}

// SetWeights records the weights of the given endpoints; other endpoints keep theirs. Selects
// in progress keep reading the previous table.
func (b *RandomBalancer) SetWeights(weights map[string]int) {
	if len(weights) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]int)
	if cur := b.weights.Load(); cur != nil {
		for addr, w := range *cur {
			next[addr] = w
		}
	}
	for addr, w := range weights {
		next[addr] = w
	}
	b.weights.Store(&next)
}

func weightOf(weights map[string]int, addr string) int {
	if w, ok := weights[addr]; ok && w > 0 {
		return w
	}
	return 1
}

func (b *RandomBalancer) Select(endpoints []string, _ string) (string, error) {
	if len(endpoints) == 0 {
		return "", noEndpoints()
	}
	var weights map[string]int
	if p := b.weights.Load(); p != nil {
		weights = *p
	}

	totalWeight := 0
	for _, addr := range endpoints {
		totalWeight += weightOf(weights, addr)
	}

	// Walk the cumulative weights until the random point falls inside one
	r := rand.Intn(totalWeight)
	for _, addr := range endpoints {
		r -= weightOf(weights, addr)
		if r < 0 {
			return addr, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
