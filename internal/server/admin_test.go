package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
)

type stubInvoker struct {
	resp *dispatch.Response
	err  error
	key  string
	req  *dispatch.Request
}

func (s *stubInvoker) Invoke(_ context.Context, req *dispatch.Request, key string) (*dispatch.Response, error) {
	s.req = req
	s.key = key
	return s.resp, s.err
}

func newTestServer(t *testing.T, invoker Invoker, withEngine bool) (*Server, *backend.Registry) {
	t.Helper()

	registry := backend.NewRegistry()
	_, err := registry.Add(config.Backend{
		Name:     "vllm-a",
		Endpoint: "http://10.0.0.1:8000",
		Model:    "qwen-omni-7b",
	})
	require.NoError(t, err)

	adminOpts := []AdminOption{}
	if withEngine {
		engine, err := balancer.NewEngine(registry, config.StrategyRoundRobin)
		require.NoError(t, err)
		adminOpts = append(adminOpts, WithAdminEngine(engine))
	}

	if invoker == nil {
		invoker = &stubInvoker{resp: &dispatch.Response{StatusCode: http.StatusOK}}
	}

	srv := NewServer(
		config.ServerConfig{Port: config.DefaultServerPort},
		registry,
		NewDataPlane(invoker, nil),
		NewAdmin(registry, adminOpts...),
	)
	return srv, registry
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestAdmin_ListBackends(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Backends []backend.View `json:"backends"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Backends, 1)
	assert.Equal(t, "vllm-a", resp.Backends[0].Name)
}

func TestAdmin_AddBackend(t *testing.T) {
	srv, registry := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPost, "/api/v1/loadbalancer/backends",
		`{"name":"vllm-b","endpoint":"http://10.0.0.2:8000","weight":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, registry.Len())

	b, err := registry.Get("vllm-b")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Weight())
}

func TestAdmin_AddBackend_Duplicate(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPost, "/api/v1/loadbalancer/backends",
		`{"name":"vllm-a","endpoint":"http://10.0.0.9:8000"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_AddBackend_Invalid(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPost, "/api/v1/loadbalancer/backends",
		`{"name":"bad","endpoint":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_GetBackend(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/backends/vllm-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view backend.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "vllm-a", view.Name)
	assert.True(t, view.Healthy)

	rec = doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/backends/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_UpdateBackend(t *testing.T) {
	srv, registry := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPatch, "/api/v1/loadbalancer/backends/vllm-a",
		`{"weight":7,"maxConcurrency":20}`)
	require.Equal(t, http.StatusOK, rec.Code)

	b, err := registry.Get("vllm-a")
	require.NoError(t, err)
	assert.Equal(t, 7, b.Weight())
	assert.Equal(t, 20, b.MaxConcurrency())
}

func TestAdmin_UpdateBackend_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPatch, "/api/v1/loadbalancer/backends/missing", `{"weight":2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_RemoveBackend(t *testing.T) {
	srv, registry := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodDelete, "/api/v1/loadbalancer/backends/vllm-a", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, registry.Len())

	rec = doRequest(srv, http.MethodDelete, "/api/v1/loadbalancer/backends/vllm-a", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_EnableDisable(t *testing.T) {
	srv, registry := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPost, "/api/v1/loadbalancer/backends/vllm-a/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)

	b, err := registry.Get("vllm-a")
	require.NoError(t, err)
	assert.False(t, b.Enabled())

	rec = doRequest(srv, http.MethodPost, "/api/v1/loadbalancer/backends/vllm-a/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.Enabled())
}

func TestAdmin_Strategy(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/strategy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), config.StrategyRoundRobin)

	rec = doRequest(srv, http.MethodPut, "/api/v1/loadbalancer/strategy",
		`{"strategy":"least_connections"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/strategy", "")
	assert.Contains(t, rec.Body.String(), config.StrategyLeastConnections)
}

func TestAdmin_Strategy_Unknown(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodPut, "/api/v1/loadbalancer/strategy",
		`{"strategy":"fastest_cpu"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Strategy_NotEngaged(t *testing.T) {
	srv, _ := newTestServer(t, nil, false)

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/strategy", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(srv, http.MethodPut, "/api/v1/loadbalancer/strategy",
		`{"strategy":"random"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_Status(t *testing.T) {
	srv, _ := newTestServer(t, nil, true)

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["engaged"])
	assert.Equal(t, float64(1), status["poolSize"])
	assert.Equal(t, float64(1), status["healthy"])
	assert.Equal(t, config.StrategyRoundRobin, status["strategy"])

	backends, ok := status["backends"].([]any)
	require.True(t, ok)
	require.Len(t, backends, 1)
	view, ok := backends[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "vllm-a", view["name"])
	assert.Equal(t, true, view["healthy"])
	assert.Equal(t, float64(0), view["activeConnections"])
	assert.Equal(t, float64(1), view["successRate"])
}

func TestAdmin_Status_ReportsBackendFailures(t *testing.T) {
	srv, reg := newTestServer(t, nil, true)

	b, err := reg.Get("vllm-a")
	require.NoError(t, err)
	b.RecordSuccess(20 * time.Millisecond)
	b.RecordFailure(errors.New("upstream status 502"))

	rec := doRequest(srv, http.MethodGet, "/api/v1/loadbalancer/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	backends, ok := status["backends"].([]any)
	require.True(t, ok)
	require.Len(t, backends, 1)
	view, ok := backends[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), view["totalRequests"])
	assert.Equal(t, float64(1), view["totalFailures"])
	assert.Equal(t, float64(0.5), view["successRate"])
	assert.Equal(t, "upstream status 502", view["lastError"])
}
