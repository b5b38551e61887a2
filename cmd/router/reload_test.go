package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/balancer"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

func reloadTestApp(t *testing.T, names ...string) *application {
	t.Helper()

	registry := backend.NewRegistry()
	backends := make([]config.Backend, 0, len(names))
	for _, name := range names {
		backends = append(backends, config.Backend{
			Name:     name,
			Endpoint: "http://" + name + ":8000",
		})
	}
	require.NoError(t, registry.LoadFromConfig(backends))

	engine, err := balancer.NewEngine(registry, config.StrategyRoundRobin)
	require.NoError(t, err)

	cfg := &config.RouterConfig{Backends: backends}
	cfg.LoadBalancer.Enabled = true
	cfg.LoadBalancer.Strategy = config.StrategyRoundRobin
	cfg.ApplyDefaults()

	return &application{
		config:   cfg,
		registry: registry,
		engine:   engine,
	}
}

func TestReload_AddsAndRemovesBackends(t *testing.T) {
	t.Parallel()

	app := reloadTestApp(t, "vllm-a", "vllm-b")

	newCfg := &config.RouterConfig{
		Backends: []config.Backend{
			{Name: "vllm-b", Endpoint: "http://vllm-b:8000"},
			{Name: "vllm-c", Endpoint: "http://vllm-c:8000"},
		},
	}
	newCfg.LoadBalancer.Enabled = true
	newCfg.LoadBalancer.Strategy = config.StrategyRoundRobin
	newCfg.ApplyDefaults()

	require.NoError(t, reload(app, newCfg, observability.NopLogger()))

	_, err := app.registry.Get("vllm-a")
	assert.Error(t, err)
	_, err = app.registry.Get("vllm-b")
	assert.NoError(t, err)
	_, err = app.registry.Get("vllm-c")
	assert.NoError(t, err)
}

func TestReload_UpdatesExistingBackend(t *testing.T) {
	t.Parallel()

	app := reloadTestApp(t, "vllm-a")

	newCfg := &config.RouterConfig{
		Backends: []config.Backend{
			{Name: "vllm-a", Endpoint: "http://vllm-a:8000", Weight: 9},
		},
	}
	newCfg.LoadBalancer.Enabled = true
	newCfg.LoadBalancer.Strategy = config.StrategyRoundRobin
	newCfg.ApplyDefaults()

	require.NoError(t, reload(app, newCfg, observability.NopLogger()))

	b, err := app.registry.Get("vllm-a")
	require.NoError(t, err)
	assert.Equal(t, 9, b.Weight())
}

func TestReload_SwitchesStrategy(t *testing.T) {
	t.Parallel()

	app := reloadTestApp(t, "vllm-a")

	newCfg := &config.RouterConfig{
		Backends: []config.Backend{
			{Name: "vllm-a", Endpoint: "http://vllm-a:8000"},
		},
	}
	newCfg.LoadBalancer.Enabled = true
	newCfg.LoadBalancer.Strategy = config.StrategyLeastConnections
	newCfg.ApplyDefaults()

	require.NoError(t, reload(app, newCfg, observability.NopLogger()))
	assert.Equal(t, config.StrategyLeastConnections, app.engine.StrategyName())
}

func TestReload_KeepsGoingAfterBadBackend(t *testing.T) {
	t.Parallel()

	app := reloadTestApp(t, "vllm-a")

	newCfg := &config.RouterConfig{
		Backends: []config.Backend{
			{Name: "broken", Endpoint: "not a url"},
			{Name: "vllm-d", Endpoint: "http://vllm-d:8000"},
		},
	}
	newCfg.LoadBalancer.Enabled = true
	newCfg.LoadBalancer.Strategy = config.StrategyRoundRobin

	err := reload(app, newCfg, observability.NopLogger())
	require.Error(t, err)

	// The valid backend still landed.
	_, getErr := app.registry.Get("vllm-d")
	assert.NoError(t, getErr)
}