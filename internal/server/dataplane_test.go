package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
)

func TestDataPlane_ProxySuccess(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	invoker := &stubInvoker{
		resp: &dispatch.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       []byte(`{"choices":[]}`),
			Backend:    "vllm-a",
		},
	}
	srv, _ := newTestServer(t, invoker, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[]}`))
	req.Header.Set(HeaderRoutingKey, "session-7")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"choices":[]}`, rec.Body.String())
	assert.Equal(t, "vllm-a", rec.Header().Get("X-Backend"))

	// The routing key and the request body reach the invoker.
	assert.Equal(t, "session-7", invoker.key)
	require.NotNil(t, invoker.req)
	assert.Equal(t, "/v1/chat/completions", invoker.req.Path)
	assert.JSONEq(t, `{"model":"m","messages":[]}`, string(invoker.req.Body))
}

func TestDataPlane_AllRoutesRegistered(t *testing.T) {
	invoker := &stubInvoker{resp: &dispatch.Response{StatusCode: http.StatusOK}}
	srv, _ := newTestServer(t, invoker, true)

	for _, path := range []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings"} {
		rec := doRequest(srv, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestDataPlane_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "no backend available",
			err:        &dispatch.Error{Op: "select", Err: dispatch.ErrNoBackendAvailable},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "all backends exhausted",
			err:        &dispatch.Error{Op: "dispatch", Tried: []string{"a", "b"}, Err: dispatch.ErrAllBackendsExhausted},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "slot unavailable",
			err:        &dispatch.Error{Op: "direct", Err: dispatch.ErrSlotUnavailable},
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "backend timeout",
			err:        dispatch.ErrBackendTimeout,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "client cancellation",
			err:        context.Canceled,
			wantStatus: statusClientClosedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubInvoker{err: tt.err}, true)

			rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestDataPlane_PassesThroughUpstreamStatus(t *testing.T) {
	invoker := &stubInvoker{
		resp: &dispatch.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Body:       []byte(`{"error":"bad prompt"}`),
			Backend:    "vllm-a",
		},
	}
	srv, _ := newTestServer(t, invoker, true)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"error":"bad prompt"}`, rec.Body.String())
}
