package balancer

import (
	"sync"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// WeightedRoundRobin implements smooth weighted round-robin. Each selection
// adds every candidate's weight to its running score, picks the highest
// score, and subtracts the weight total from the winner. Over a full cycle
// each backend is selected in proportion to its weight without bursts.
type WeightedRoundRobin struct {
	mu     sync.Mutex
	scores map[string]int
}

// NewWeightedRoundRobin creates a weighted round-robin strategy.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{
		scores: make(map[string]int),
	}
}

// Name returns the strategy name.
func (s *WeightedRoundRobin) Name() string { return config.StrategyWeightedRoundRobin }

// Order picks the primary backend with the persistent smooth weighted
// cycle, then ranks the failover tail by continuing the cycle on a scratch
// copy of the scores.
func (s *WeightedRoundRobin) Order(candidates []*backend.Backend, _ string) []*backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop scores for backends that left the eligible set so stale state
	// does not skew future cycles.
	present := make(map[string]bool, len(candidates))
	for _, b := range candidates {
		present[b.Name()] = true
	}
	for name := range s.scores {
		if !present[name] {
			delete(s.scores, name)
		}
	}

	ordered := make([]*backend.Backend, 0, len(candidates))
	primary := pickSmooth(s.scores, candidates)
	ordered = append(ordered, primary)

	scratch := make(map[string]int, len(s.scores))
	for name, score := range s.scores {
		scratch[name] = score
	}
	remaining := withoutBackend(candidates, primary)
	for len(remaining) > 0 {
		next := pickSmooth(scratch, remaining)
		ordered = append(ordered, next)
		remaining = withoutBackend(remaining, next)
	}
	return ordered
}

// pickSmooth advances one step of the smooth weighted cycle over the given
// candidates and returns the winner. Scores are mutated in place.
func pickSmooth(scores map[string]int, candidates []*backend.Backend) *backend.Backend {
	total := 0
	var best *backend.Backend
	for _, b := range candidates {
		weight := b.Weight()
		total += weight
		scores[b.Name()] += weight
		if best == nil || scores[b.Name()] > scores[best.Name()] ||
			(scores[b.Name()] == scores[best.Name()] && lessByPriority(b, best)) {
			best = b
		}
	}
	scores[best.Name()] -= total
	return best
}

func lessByPriority(a, b *backend.Backend) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return a.Name() < b.Name()
}

func withoutBackend(backends []*backend.Backend, drop *backend.Backend) []*backend.Backend {
	out := make([]*backend.Backend, 0, len(backends)-1)
	for _, b := range backends {
		if b != drop {
			out = append(out, b)
		}
	}
	return out
}
