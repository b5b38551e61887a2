package balancer

import (
	"sort"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// ResponseTime prefers the backend with the lowest recent response time
// average. Backends with no recorded sample rank first so new members get
// traffic and earn a measurement. Ties fall back to the least-connections
// ordering.
type ResponseTime struct{}

// NewResponseTime creates a response-time strategy.
func NewResponseTime() *ResponseTime {
	return &ResponseTime{}
}

// Name returns the strategy name.
func (s *ResponseTime) Name() string { return config.StrategyResponseTime }

// Order sorts candidates by ascending response time average.
func (s *ResponseTime) Order(candidates []*backend.Backend, _ string) []*backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	ordered := byLoad(candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RecentResponseTime() < ordered[j].RecentResponseTime()
	})
	return ordered
}
