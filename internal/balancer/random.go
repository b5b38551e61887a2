package balancer

import (
	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// Random shuffles the eligible backends uniformly.
type Random struct{}

// NewRandom creates a random strategy.
func NewRandom() *Random {
	return &Random{}
}

// Name returns the strategy name.
func (s *Random) Name() string { return config.StrategyRandom }

// Order returns a uniform random permutation of the candidates.
func (s *Random) Order(candidates []*backend.Backend, _ string) []*backend.Backend {
	n := len(candidates)
	if n == 0 {
		return nil
	}

	ordered := append([]*backend.Backend(nil), candidates...)
	for i := n - 1; i > 0; i-- {
		j := secureRandomInt(i + 1)
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}
