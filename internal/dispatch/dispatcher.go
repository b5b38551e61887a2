// Package dispatch routes requests to a selected backend with bounded
// failover across the remaining candidates.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/metrics"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// dispatchTracer is the OTEL tracer for dispatch operations.
var dispatchTracer = otel.Tracer("avllmrouter/dispatch")

// Dispatcher executes requests against the backends chosen by the engine.
// A failed attempt falls over to the next candidate until the retry budget
// is spent. Concurrency slots are reserved with TryAcquire before a call
// and always released, so the per-backend cap holds under failover.
type Dispatcher struct {
	engine           *balancer.Engine
	caller           Caller
	breakers         *BreakerPool
	maxRetries       int
	failureThreshold int64
	logger           observability.Logger
	metrics          *metrics.RouterMetrics
}

// DispatcherOption is a functional option for configuring a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector for the dispatcher.
func WithDispatcherMetrics(m *metrics.RouterMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithBreakers puts a per-backend circuit breaker in front of each
// attempt.
func WithBreakers(pool *BreakerPool) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakers = pool
	}
}

// NewDispatcher creates a dispatcher over the given engine and caller.
func NewDispatcher(engine *balancer.Engine, caller Caller, cfg config.LoadBalancerConfig, opts ...DispatcherOption) *Dispatcher {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	threshold := int64(cfg.FailureThreshold)
	if threshold < 1 {
		threshold = config.DefaultFailureThreshold
	}

	d := &Dispatcher{
		engine:           engine,
		caller:           caller,
		maxRetries:       maxRetries,
		failureThreshold: threshold,
		logger:           observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch selects backends for the routing key and attempts the request
// until one succeeds. The budget allows maxRetries attempts beyond the
// first; candidates rejected without sending traffic (full slots, open
// breakers) do not consume it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, key string) (*Response, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.strategy", d.engine.StrategyName()),
			attribute.String("dispatch.path", req.Path),
		),
	)
	defer span.End()

	candidates, err := d.engine.Select(key)
	if err != nil {
		if d.metrics != nil {
			d.metrics.DispatchExhaustedTotal.Inc()
		}
		span.RecordError(err)
		return nil, &Error{Op: "select", Err: ErrNoBackendAvailable}
	}

	tried := make([]string, 0, len(candidates))
	attempts := 0

	for _, b := range candidates {
		if attempts > d.maxRetries {
			break
		}

		resp, attemptErr := d.attempt(ctx, b, req)
		switch {
		case attemptErr == nil:
			span.SetAttributes(attribute.String("dispatch.backend", b.Name()))
			return resp, nil

		case errors.Is(attemptErr, context.Canceled):
			// The client went away; this says nothing about the backend.
			return nil, attemptErr

		case errors.Is(attemptErr, ErrSlotUnavailable), errors.Is(attemptErr, ErrBreakerOpen):
			tried = append(tried, b.Name())
			span.AddEvent("candidate rejected", trace.WithAttributes(
				attribute.String("backend", b.Name()),
				attribute.String("reason", attemptErr.Error()),
			))
			continue

		default:
			attempts++
			tried = append(tried, b.Name())
			span.AddEvent("attempt failed", trace.WithAttributes(
				attribute.String("backend", b.Name()),
				attribute.String("error", attemptErr.Error()),
			))
			if d.metrics != nil && attempts <= d.maxRetries {
				d.metrics.RecordRetry(retryReason(attemptErr))
			}
		}
	}

	if d.metrics != nil {
		d.metrics.DispatchExhaustedTotal.Inc()
	}
	err = &Error{Op: "dispatch", Tried: tried, Err: ErrAllBackendsExhausted}
	span.RecordError(err)
	d.logger.Warn("dispatch exhausted all candidates",
		observability.Strings("tried", tried),
		observability.Int("attempts", attempts),
	)
	return nil, err
}

// attempt runs one call against one backend, accounting for its slot,
// breaker, health counters, and metrics.
func (d *Dispatcher) attempt(ctx context.Context, b *backend.Backend, req *Request) (*Response, error) {
	if !b.TryAcquire() {
		return nil, ErrSlotUnavailable
	}
	defer b.Release()

	if d.metrics != nil {
		d.metrics.ActiveConnections.WithLabelValues(b.Name()).Set(float64(b.ActiveConnections()))
		defer func() {
			d.metrics.ActiveConnections.WithLabelValues(b.Name()).Set(float64(b.ActiveConnections()))
		}()
	}

	call := func() (*Response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, b.Timeout())
		defer cancel()
		return d.caller.Call(attemptCtx, b, req)
	}

	start := time.Now()
	var resp *Response
	var err error
	if d.breakers != nil {
		var result interface{}
		result, err = d.breakers.Get(b.Name()).Execute(func() (interface{}, error) {
			r, callErr := call()
			if callErr != nil {
				return nil, callErr
			}
			if r.StatusCode >= http.StatusInternalServerError {
				return r, serverError(r.StatusCode)
			}
			return r, nil
		})
		if r, ok := result.(*Response); ok {
			resp = r
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
	} else {
		resp, err = call()
		if err == nil && resp.StatusCode >= http.StatusInternalServerError {
			err = serverError(resp.StatusCode)
		}
	}
	elapsed := time.Since(start)

	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return nil, context.Canceled
	}

	if err != nil {
		failures := b.RecordFailure(err)
		if d.metrics != nil {
			d.metrics.RecordRequest(b.Name(), "failure", elapsed)
			d.metrics.RecordFailure(b.Name(), retryReason(err))
			d.metrics.ConsecutiveFailures.WithLabelValues(b.Name()).Set(float64(failures))
		}
		if failures >= d.failureThreshold && b.Healthy() {
			b.MarkUnhealthy()
			if d.metrics != nil {
				d.metrics.SetHealthStatus(b.Name(), false)
			}
			d.logger.Warn("backend marked unhealthy after dispatch failures",
				observability.String("backend", b.Name()),
				observability.Int64("consecutiveFailures", failures),
			)
		}
		d.logger.Debug("dispatch attempt failed",
			observability.String("backend", b.Name()),
			observability.Duration("elapsed", elapsed),
			observability.Error(err),
		)
		return nil, err
	}

	b.RecordSuccess(elapsed)
	if d.metrics != nil {
		d.metrics.RecordRequest(b.Name(), "success", elapsed)
	}
	return resp, nil
}

// retryReason buckets an attempt error for the retry counter.
func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	case errors.Is(err, ErrBackendTransport):
		return "transport"
	default:
		return "upstream_error"
	}
}

type statusError int

func (e statusError) Error() string {
	return http.StatusText(int(e))
}

// serverError wraps an upstream 5xx status as an error so it trips the
// failure accounting and, when enabled, the circuit breaker.
func serverError(code int) error {
	return statusError(code)
}
