package balancer

import (
	"sync/atomic"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// RoundRobin cycles through eligible backends with a shared cursor, so
// consecutive selections rotate even across concurrent callers.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name returns the strategy name.
func (s *RoundRobin) Name() string { return config.StrategyRoundRobin }

// Order rotates the candidate list starting at the shared cursor position.
func (s *RoundRobin) Order(candidates []*backend.Backend, _ string) []*backend.Backend {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	start := int((s.cursor.Add(1) - 1) % uint64(n))
	ordered := make([]*backend.Backend, 0, n)
	for i := 0; i < n; i++ {
		ordered = append(ordered, candidates[(start+i)%n])
	}
	return ordered
}
