package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
)

// maxResponseBody caps buffered upstream responses at 64 MiB.
const maxResponseBody = 64 << 20

// Request is an upstream call to be dispatched to some backend.
type Request struct {
	// Path is the upstream path, for example "/v1/chat/completions".
	Path string

	// Body is the JSON request payload.
	Body []byte

	// Header carries client headers to forward. Authorization is always
	// replaced with the selected backend's credential.
	Header http.Header
}

// Response is the upstream reply from the backend that served the request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Backend is the name of the backend that produced the response.
	Backend string
}

// Caller performs a single attempt against one backend. Implementations
// return an error only for transport-level problems; any HTTP response,
// including errors from the backend, comes back as a Response.
type Caller interface {
	Call(ctx context.Context, b *backend.Backend, req *Request) (*Response, error)
}

// HTTPCaller forwards requests to OpenAI-compatible HTTP backends.
type HTTPCaller struct {
	client *http.Client
}

// HTTPCallerOption is a functional option for configuring the caller.
type HTTPCallerOption func(*HTTPCaller)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPCallerOption {
	return func(c *HTTPCaller) {
		c.client = client
	}
}

// NewHTTPCaller creates an HTTP caller. Per-attempt deadlines come from
// the request context, so the underlying client carries no timeout of its
// own.
func NewHTTPCaller(opts ...HTTPCallerOption) *HTTPCaller {
	c := &HTTPCaller{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends the request to the backend and buffers the reply. The payload
// model field is rewritten to the backend's configured model so one client
// request can land on backends serving under different model names.
func (c *HTTPCaller) Call(ctx context.Context, b *backend.Backend, req *Request) (*Response, error) {
	body, err := rewriteModel(req.Body, b.Model())
	if err != nil {
		return nil, fmt.Errorf("preparing request body: %w", err)
	}

	url := strings.TrimSuffix(b.Endpoint(), "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for key, values := range req.Header {
		if strings.EqualFold(key, "Authorization") || strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if key := b.APIKey(); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrBackendTransport, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
		Backend:    b.Name(),
	}, nil
}

// classifyTransportError maps client errors onto the dispatch sentinels,
// leaving caller cancellation untouched so it is not treated as a backend
// fault.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendTransport, err)
}

// rewriteModel sets the model field of a JSON payload. Empty model or an
// empty body leaves the payload untouched.
func rewriteModel(body []byte, model string) ([]byte, error) {
	if model == "" || len(body) == 0 {
		return body, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		// Not a JSON object; forward as-is.
		return body, nil
	}

	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	payload["model"] = encoded
	return json.Marshal(payload)
}
