package server

import (
	"context"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
)

// Invoker executes a data plane request against whatever backends the
// deployment has. The routing key is only meaningful to key-affine
// strategies and may be empty.
type Invoker interface {
	Invoke(ctx context.Context, req *dispatch.Request, key string) (*dispatch.Response, error)
}

// DirectInvoker sends every request to a single fixed backend. It is used
// when the deployment has one backend and load balancing is not engaged,
// skipping selection entirely.
type DirectInvoker struct {
	backend *backend.Backend
	caller  dispatch.Caller
}

// NewDirectInvoker creates an invoker bound to one backend.
func NewDirectInvoker(b *backend.Backend, caller dispatch.Caller) *DirectInvoker {
	return &DirectInvoker{backend: b, caller: caller}
}

// Invoke calls the fixed backend, honoring its concurrency cap and
// per-request timeout.
func (i *DirectInvoker) Invoke(ctx context.Context, req *dispatch.Request, _ string) (*dispatch.Response, error) {
	if !i.backend.TryAcquire() {
		return nil, &dispatch.Error{Op: "direct", Err: dispatch.ErrSlotUnavailable}
	}
	defer i.backend.Release()

	callCtx, cancel := context.WithTimeout(ctx, i.backend.Timeout())
	defer cancel()

	return i.caller.Call(callCtx, i.backend, req)
}

// EngineInvoker routes through the dispatch engine with failover.
type EngineInvoker struct {
	dispatcher *dispatch.Dispatcher
}

// NewEngineInvoker creates an invoker backed by the dispatcher.
func NewEngineInvoker(d *dispatch.Dispatcher) *EngineInvoker {
	return &EngineInvoker{dispatcher: d}
}

// Invoke dispatches the request through the engine.
func (i *EngineInvoker) Invoke(ctx context.Context, req *dispatch.Request, key string) (*dispatch.Response, error) {
	return i.dispatcher.Dispatch(ctx, req, key)
}
