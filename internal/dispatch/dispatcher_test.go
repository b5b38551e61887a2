package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

type callerFunc func(ctx context.Context, b *backend.Backend, req *Request) (*Response, error)

func (f callerFunc) Call(ctx context.Context, b *backend.Backend, req *Request) (*Response, error) {
	return f(ctx, b, req)
}

// recordingCaller tracks the order of backends attempted.
type recordingCaller struct {
	mu       sync.Mutex
	attempts []string
	fn       callerFunc
}

func (c *recordingCaller) Call(ctx context.Context, b *backend.Backend, req *Request) (*Response, error) {
	c.mu.Lock()
	c.attempts = append(c.attempts, b.Name())
	c.mu.Unlock()
	return c.fn(ctx, b, req)
}

func (c *recordingCaller) attempted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attempts...)
}

func newDispatchRegistry(t *testing.T, names ...string) *backend.Registry {
	t.Helper()
	r := backend.NewRegistry()
	for _, name := range names {
		_, err := r.Add(config.Backend{
			Name:     name,
			Endpoint: "http://" + name + ":8000",
		})
		require.NoError(t, err)
	}
	return r
}

func newTestDispatcher(t *testing.T, r *backend.Registry, caller Caller, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	cfg := config.LoadBalancerConfig{
		MaxRetries:       2,
		FailureThreshold: 3,
	}
	return NewDispatcher(engine, caller, cfg, opts...)
}

func okResponse(name string) *Response {
	return &Response{StatusCode: http.StatusOK, Backend: name}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	caller := callerFunc(func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
		return okResponse(b.Name()), nil
	})
	d := newTestDispatcher(t, r, caller)

	resp, err := d.Dispatch(context.Background(), &Request{Path: "/v1/chat/completions"}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vllm-a", resp.Backend)

	b, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.TotalRequests())
	assert.Zero(t, b.ActiveConnections())
	assert.Positive(t, int64(b.RecentResponseTime()))
}

func TestDispatch_NoBackends(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, backend.NewRegistry(), callerFunc(nil))

	_, err := d.Dispatch(context.Background(), &Request{}, "")
	assert.ErrorIs(t, err, ErrNoBackendAvailable)

	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "select", dispatchErr.Op)
}

func TestDispatch_SingleUnhealthyBackend(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	b, err := r.Get("vllm-a")
	require.NoError(t, err)
	b.MarkUnhealthy()

	d := newTestDispatcher(t, r, callerFunc(nil))

	_, err = d.Dispatch(context.Background(), &Request{}, "")
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestDispatch_FailoverToSecondCandidate(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a", "vllm-b")
	caller := &recordingCaller{
		fn: func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
			if b.Name() == "vllm-a" {
				return nil, ErrBackendTransport
			}
			return okResponse(b.Name()), nil
		},
	}
	d := newTestDispatcher(t, r, caller)

	resp, err := d.Dispatch(context.Background(), &Request{}, "")
	require.NoError(t, err)
	assert.Equal(t, "vllm-b", resp.Backend)
	assert.Equal(t, []string{"vllm-a", "vllm-b"}, caller.attempted())

	// The failed first candidate keeps its failure mark; only a probe or a
	// later success clears it.
	failed, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed.ConsecutiveFailures())
	assert.True(t, failed.Healthy())

	succeeded, err := r.Get("vllm-b")
	require.NoError(t, err)
	assert.Zero(t, succeeded.ConsecutiveFailures())
}

func TestDispatch_AllBackendsExhausted(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a", "vllm-b", "vllm-c")
	caller := callerFunc(func(_ context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
		return nil, ErrBackendTransport
	})
	d := newTestDispatcher(t, r, caller)

	_, err := d.Dispatch(context.Background(), &Request{}, "")
	require.ErrorIs(t, err, ErrAllBackendsExhausted)

	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Len(t, dispatchErr.Tried, 3)
}

func TestDispatch_RetryBudgetBoundsAttempts(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "a", "b", "c", "d", "e")
	caller := &recordingCaller{
		fn: func(_ context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
			return nil, ErrBackendTransport
		},
	}

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       2,
		FailureThreshold: 3,
	})

	_, err = d.Dispatch(context.Background(), &Request{}, "")
	require.ErrorIs(t, err, ErrAllBackendsExhausted)
	// One initial attempt plus two retries.
	assert.Len(t, caller.attempted(), 3)
}

func TestDispatch_ZeroRetries(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a", "vllm-b")
	caller := &recordingCaller{
		fn: func(_ context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
			return nil, ErrBackendTransport
		},
	}

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       0,
		FailureThreshold: 3,
	})

	_, err = d.Dispatch(context.Background(), &Request{}, "")
	require.ErrorIs(t, err, ErrAllBackendsExhausted)
	assert.Len(t, caller.attempted(), 1)
}

func TestDispatch_ServerErrorTriggersFailover(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a", "vllm-b")
	caller := &recordingCaller{
		fn: func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
			if b.Name() == "vllm-a" {
				return &Response{StatusCode: http.StatusBadGateway, Backend: b.Name()}, nil
			}
			return okResponse(b.Name()), nil
		},
	}
	d := newTestDispatcher(t, r, caller)

	resp, err := d.Dispatch(context.Background(), &Request{}, "")
	require.NoError(t, err)
	assert.Equal(t, "vllm-b", resp.Backend)

	failed, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed.ConsecutiveFailures())
}

func TestDispatch_ClientErrorIsNotAFailure(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	caller := callerFunc(func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusUnprocessableEntity, Backend: b.Name()}, nil
	})
	d := newTestDispatcher(t, r, caller)

	resp, err := d.Dispatch(context.Background(), &Request{}, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	b, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.Zero(t, b.ConsecutiveFailures())
}

func TestDispatch_FailureThresholdMarksUnhealthy(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	caller := callerFunc(func(_ context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
		return nil, ErrBackendTransport
	})

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       0,
		FailureThreshold: 3,
	})

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), &Request{}, "")
		require.Error(t, err)
	}

	b, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.False(t, b.Healthy())

	// The unhealthy backend is no longer selectable.
	_, err = d.Dispatch(context.Background(), &Request{}, "")
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestDispatch_SaturatedBackendNotSelected(t *testing.T) {
	t.Parallel()

	r := backend.NewRegistry()
	_, err := r.Add(config.Backend{
		Name:           "tiny",
		Endpoint:       "http://tiny:8000",
		MaxConcurrency: 1,
		Priority:       1,
	})
	require.NoError(t, err)
	_, err = r.Add(config.Backend{
		Name:     "roomy",
		Endpoint: "http://roomy:8000",
		Priority: 2,
	})
	require.NoError(t, err)

	tiny, err := r.Get("tiny")
	require.NoError(t, err)
	require.True(t, tiny.TryAcquire())
	t.Cleanup(tiny.Release)

	caller := &recordingCaller{
		fn: func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
			return okResponse(b.Name()), nil
		},
	}

	engine, err := balancer.NewEngine(r, config.StrategyLeastConnections)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       2,
		FailureThreshold: 3,
	})

	resp, err := d.Dispatch(context.Background(), &Request{}, "")
	require.NoError(t, err)
	assert.Equal(t, "roomy", resp.Backend)
	assert.Equal(t, []string{"roomy"}, caller.attempted())
	assert.Zero(t, tiny.ConsecutiveFailures())
}

func TestAttempt_SlotRaceSkipsWithoutFailureMark(t *testing.T) {
	t.Parallel()

	r := backend.NewRegistry()
	_, err := r.Add(config.Backend{
		Name:           "tiny",
		Endpoint:       "http://tiny:8000",
		MaxConcurrency: 1,
	})
	require.NoError(t, err)

	tiny, err := r.Get("tiny")
	require.NoError(t, err)
	// The slot is taken between selection and acquisition.
	require.True(t, tiny.TryAcquire())
	t.Cleanup(tiny.Release)

	d := newTestDispatcher(t, r, callerFunc(func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
		return okResponse(b.Name()), nil
	}))

	_, err = d.attempt(context.Background(), tiny, &Request{})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Zero(t, tiny.ConsecutiveFailures())
	assert.Equal(t, int64(1), tiny.ActiveConnections())
}

func TestDispatch_CallerCancellationPassesThrough(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a", "vllm-b")
	ctx, cancel := context.WithCancel(context.Background())

	caller := &recordingCaller{
		fn: func(callCtx context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
			cancel()
			<-callCtx.Done()
			return nil, context.Canceled
		},
	}
	d := newTestDispatcher(t, r, caller)

	_, err := d.Dispatch(ctx, &Request{}, "")
	assert.ErrorIs(t, err, context.Canceled)
	// No failover after client cancellation.
	assert.Len(t, caller.attempted(), 1)

	b, err := r.Get("vllm-a")
	require.NoError(t, err)
	assert.Zero(t, b.ConsecutiveFailures())
}

func TestDispatch_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	r := backend.NewRegistry()
	_, err := r.Add(config.Backend{
		Name:     "slow",
		Endpoint: "http://slow:8000",
		Timeout:  config.Duration(20 * time.Millisecond),
	})
	require.NoError(t, err)

	caller := callerFunc(func(ctx context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, errors.Join(ErrBackendTimeout, ctx.Err())
	})

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       0,
		FailureThreshold: 3,
	})

	_, err = d.Dispatch(context.Background(), &Request{}, "")
	require.ErrorIs(t, err, ErrAllBackendsExhausted)

	b, err := r.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ConsecutiveFailures())
}

func TestDispatch_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	caller := &recordingCaller{
		fn: func(_ context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
			return nil, ErrBackendTransport
		},
	}

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       0,
		FailureThreshold: 100,
	}, WithBreakers(NewBreakerPool(nil)))

	for i := 0; i < 10; i++ {
		_, err := d.Dispatch(context.Background(), &Request{}, "")
		require.Error(t, err)
	}

	// Once open, the breaker rejects without calling the backend.
	before := len(caller.attempted())
	_, err = d.Dispatch(context.Background(), &Request{}, "")
	require.Error(t, err)
	assert.Len(t, caller.attempted(), before)
}

func TestDispatch_BreakerIgnoresClientCancellations(t *testing.T) {
	t.Parallel()

	r := newDispatchRegistry(t, "vllm-a")
	caller := &recordingCaller{
		fn: func(callCtx context.Context, _ *backend.Backend, _ *Request) (*Response, error) {
			<-callCtx.Done()
			return nil, context.Canceled
		},
	}

	engine, err := balancer.NewEngine(r, config.StrategyRoundRobin)
	require.NoError(t, err)
	d := NewDispatcher(engine, caller, config.LoadBalancerConfig{
		MaxRetries:       0,
		FailureThreshold: 100,
	}, WithBreakers(NewBreakerPool(nil)))

	// Enough hang-ups to trip the breaker if they counted as failures.
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Dispatch(ctx, &Request{}, "")
		require.ErrorIs(t, err, context.Canceled)
	}

	// The backend still takes traffic; the breaker never opened.
	caller.fn = func(_ context.Context, b *backend.Backend, _ *Request) (*Response, error) {
		return okResponse(b.Name()), nil
	}
	resp, err := d.Dispatch(context.Background(), &Request{}, "")
	require.NoError(t, err)
	assert.Equal(t, "vllm-a", resp.Backend)
}
