package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

const (
	breakerTimeout     = 30 * time.Second
	breakerMinRequests = 5
)

// BreakerPool maintains one circuit breaker per backend so a flapping
// backend sheds traffic without holding a request hostage for its timeout.
type BreakerPool struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   observability.Logger
}

// NewBreakerPool creates an empty breaker pool.
func NewBreakerPool(logger observability.Logger) *BreakerPool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &BreakerPool{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for a backend, creating it on first use.
func (p *BreakerPool) Get(name string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    breakerTimeout,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= 0.5
		},
		// A client hanging up mid-request says nothing about the
		// backend, so it must not count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("circuit breaker state change",
				observability.String("backend", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
	p.breakers[name] = cb
	return cb
}

// Forget drops the breaker for a removed backend.
func (p *BreakerPool) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, name)
}
