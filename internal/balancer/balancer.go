// Package balancer implements backend selection strategies for the router.
package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/metrics"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

var (
	// ErrUnknownStrategy is returned for an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown load balancing strategy")

	// ErrNoBackendAvailable is returned when no backend is eligible for
	// selection.
	ErrNoBackendAvailable = errors.New("no backend available")
)

// Strategy orders eligible backends for a dispatch attempt. The first
// element is the preferred backend; the rest are failover candidates in
// decreasing preference. Implementations must not mutate the input slice.
type Strategy interface {
	Name() string
	Order(candidates []*backend.Backend, key string) []*backend.Backend
}

// New returns the strategy registered under the given name.
func New(name string) (Strategy, error) {
	switch name {
	case config.StrategyRoundRobin:
		return NewRoundRobin(), nil
	case config.StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case config.StrategyLeastConnections:
		return NewLeastConnections(), nil
	case config.StrategyRandom:
		return NewRandom(), nil
	case config.StrategyConsistentHash:
		return NewConsistentHash(), nil
	case config.StrategyResponseTime:
		return NewResponseTime(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// Engine pairs a registry with the active selection strategy.
type Engine struct {
	registry *backend.Registry
	logger   observability.Logger
	metrics  *metrics.RouterMetrics

	mu       sync.RWMutex
	strategy Strategy
}

// EngineOption is a functional option for configuring an engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineMetrics sets the metrics collector for the engine.
func WithEngineMetrics(m *metrics.RouterMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine over the given registry using the named
// strategy.
func NewEngine(registry *backend.Registry, strategyName string, opts ...EngineOption) (*Engine, error) {
	strategy, err := New(strategyName)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry: registry,
		strategy: strategy,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// StrategyName returns the name of the active strategy.
func (e *Engine) StrategyName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategy.Name()
}

// SetStrategy swaps the active strategy at runtime.
func (e *Engine) SetStrategy(name string) error {
	strategy, err := New(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.strategy = strategy
	e.mu.Unlock()

	e.logger.Info("switched load balancing strategy",
		observability.String("strategy", name),
	)
	return nil
}

// Select returns the eligible backends for a dispatch attempt, ordered by
// the active strategy. The routing key is only consulted by key-affine
// strategies. It returns ErrNoBackendAvailable when nothing is eligible.
func (e *Engine) Select(key string) ([]*backend.Backend, error) {
	candidates := e.registry.Selectable()
	if len(candidates) == 0 {
		return nil, ErrNoBackendAvailable
	}

	e.mu.RLock()
	strategy := e.strategy
	e.mu.RUnlock()

	ordered := strategy.Order(candidates, key)
	if len(ordered) == 0 {
		return nil, ErrNoBackendAvailable
	}

	if e.metrics != nil {
		e.metrics.RecordSelection(ordered[0].Name(), strategy.Name())
	}
	return ordered, nil
}

// byLoad orders backends by active connections, breaking ties by priority
// and then name.
func byLoad(backends []*backend.Backend) []*backend.Backend {
	ordered := append([]*backend.Backend(nil), backends...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := ordered[i].ActiveConnections(), ordered[j].ActiveConnections()
		if ci != cj {
			return ci < cj
		}
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() < ordered[j].Priority()
		}
		return ordered[i].Name() < ordered[j].Name()
	})
	return ordered
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
