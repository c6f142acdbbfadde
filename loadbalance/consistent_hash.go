package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultReplicas = 100
	ringCacheSize   = 64
)

// ConsistentHashBalancer maps routing keys to endpoints using a hash ring.
// The same key always maps to the same endpoint until the endpoint set changes, and
// adding or removing one endpoint only remaps the keys on that endpoint's ring segments.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Rings are immutable once built. The most recent one is published through an atomic
// pointer and recent ones are kept in an LRU keyed by endpoint set, so concurrent
// selects always read a complete snapshot, even while another goroutine rebuilds.
type ConsistentHashBalancer struct {
	replicas int
	current  atomic.Pointer[hashRing]
	rings    *lru.Cache // endpoint set fingerprint -> *hashRing
}

type hashRing struct {
	fingerprint string
	points      []ringPoint // sorted by (hash, addr)
}

type ringPoint struct {
	hash uint32
	addr string
}

// NewConsistentHashBalancer creates a balancer with replicas virtual nodes per endpoint
// (DefaultReplicas when replicas <= 0).
func NewConsistentHashBalancer(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	cache, err := lru.New(ringCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &ConsistentHashBalancer{
		replicas: replicas,
		rings:    cache,
	}
}

// Select hashes key, then binary-searches for the first ring position >= that hash.
// If the hash is larger than every position it wraps around to the first one.
func (b *ConsistentHashBalancer) Select(endpoints []string, key string) (string, error) {
	if len(endpoints) == 0 {
		return "", noEndpoints()
	}
	ring := b.ringFor(endpoints)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring.points), func(i int) bool {
		return ring.points[i].hash >= hash
	})
	if idx == len(ring.points) {
		idx = 0
	}
	return ring.points[idx].addr, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) ringFor(endpoints []string) *hashRing {
	members := normalize(endpoints)
	fp := strings.Join(members, "\x00")

	if r := b.current.Load(); r != nil && r.fingerprint == fp {
		return r
	}
	if cached, ok := b.rings.Get(fp); ok {
		r := cached.(*hashRing)
		b.current.Store(r)
		return r
	}

	r := b.build(fp, members)
	b.rings.Add(fp, r)
	b.current.Store(r)
	return r
}

// build places every member onto a fresh ring with N virtual nodes,
// each hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) build(fp string, members []string) *hashRing {
	points := make([]ringPoint, 0, len(members)*b.replicas)
	for _, addr := range members {
		for i := 0; i < b.replicas; i++ {
			vnode := addr + "#" + strconv.Itoa(i)
			points = append(points, ringPoint{hash: crc32.ChecksumIEEE([]byte(vnode)), addr: addr})
		}
	}
	// Equal positions are ordered by endpoint so ties resolve the same way on every client
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		return points[i].addr < points[j].addr
	})
	return &hashRing{fingerprint: fp, points: points}
}

// normalize returns the sorted, de-duplicated endpoint set without touching the caller's slice.
func normalize(endpoints []string) []string {
	members := make([]string, len(endpoints))
	copy(members, endpoints)
	sort.Strings(members)

	out := members[:0]
	for i, addr := range members {
		if i > 0 && addr == members[i-1] {
			continue
		}
		out = append(out, addr)
	}
	return out
}
