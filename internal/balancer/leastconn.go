package balancer

import (
	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// LeastConnections prefers the backend with the fewest in-flight requests,
// breaking ties by priority and then name.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections strategy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Name returns the strategy name.
func (s *LeastConnections) Name() string { return config.StrategyLeastConnections }

// Order sorts candidates by ascending active connection count.
func (s *LeastConnections) Order(candidates []*backend.Backend, _ string) []*backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	return byLoad(candidates)
}
