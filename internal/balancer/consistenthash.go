package balancer

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// virtualNodesPerWeight is the number of ring points per unit of weight.
const virtualNodesPerWeight = 10

// ConsistentHash maps routing keys onto a hash ring so the same key keeps
// landing on the same backend while membership is stable, and only keys
// owned by a departed backend move when membership changes.
type ConsistentHash struct {
	mu         sync.Mutex
	membership string
	ring       []ringPoint
}

type ringPoint struct {
	hash    uint32
	backend *backend.Backend
}

// NewConsistentHash creates a consistent-hash strategy.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{}
}

// Name returns the strategy name.
func (s *ConsistentHash) Name() string { return config.StrategyConsistentHash }

// Order walks the ring clockwise from the key's hash, collecting each
// distinct backend once. The ring is rebuilt only when the eligible
// membership or weights change. Requests without a routing key hash a
// fresh random key so they spread across the pool instead of pinning to
// the empty string's ring position.
func (s *ConsistentHash) Order(candidates []*backend.Backend, key string) []*backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	if key == "" {
		key = uuid.NewString()
	}

	s.mu.Lock()
	ring := s.ringFor(candidates)
	s.mu.Unlock()

	keyHash := crc32.ChecksumIEEE([]byte(key))
	start := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= keyHash
	})

	seen := make(map[*backend.Backend]bool, len(candidates))
	ordered := make([]*backend.Backend, 0, len(candidates))
	for i := 0; i < len(ring) && len(ordered) < len(candidates); i++ {
		point := ring[(start+i)%len(ring)]
		if !seen[point.backend] {
			seen[point.backend] = true
			ordered = append(ordered, point.backend)
		}
	}
	return ordered
}

// ringFor returns the cached ring when membership is unchanged, rebuilding
// it otherwise. Callers must hold the mutex.
func (s *ConsistentHash) ringFor(candidates []*backend.Backend) []ringPoint {
	var sb strings.Builder
	for _, b := range candidates {
		fmt.Fprintf(&sb, "%s=%d;", b.Name(), b.Weight())
	}
	membership := sb.String()
	if membership == s.membership && len(s.ring) > 0 {
		return s.ring
	}

	ring := make([]ringPoint, 0, len(candidates)*virtualNodesPerWeight)
	for _, b := range candidates {
		nodes := b.Weight() * virtualNodesPerWeight
		if nodes < 1 {
			nodes = 1
		}
		for i := 0; i < nodes; i++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", b.Name(), i)))
			ring = append(ring, ringPoint{hash: h, backend: b})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash != ring[j].hash {
			return ring[i].hash < ring[j].hash
		}
		return ring[i].backend.Name() < ring[j].backend.Name()
	})

	s.membership = membership
	s.ring = ring
	return ring
}
