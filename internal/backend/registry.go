package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/metrics"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// Registry is the authoritative set of backends known to the router.
// All mutations go through the registry so listeners observe a consistent
// membership.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	logger   observability.Logger
	metrics  *metrics.RouterMetrics
}

// RegistryOption is a functional option for configuring a registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector for the registry.
func WithRegistryMetrics(m *metrics.RouterMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: make(map[string]*Backend),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add validates the configuration, applies defaults, and registers a new
// backend. It returns ErrDuplicateBackend when the name is taken.
func (r *Registry) Add(cfg config.Backend) (*Backend, error) {
	cfg.ApplyDefaults()
	if err := config.ValidateBackend(&cfg); err != nil {
		return nil, fmt.Errorf("invalid backend %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, cfg.Name)
	}

	b := New(cfg)
	r.backends[cfg.Name] = b
	r.syncGaugesLocked(b)

	r.logger.Info("registered backend",
		observability.String("backend", b.Name()),
		observability.String("endpoint", b.Endpoint()),
		observability.Int("weight", b.Weight()),
		observability.Int("maxConcurrency", b.MaxConcurrency()),
	)
	return b, nil
}

// Remove deletes a backend by name. In-flight requests holding the record
// finish against it; new selections no longer see it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; !exists {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	delete(r.backends, name)
	if r.metrics != nil {
		r.metrics.DeleteBackend(name)
		r.metrics.PoolSize.Set(float64(len(r.backends)))
	}

	r.logger.Info("removed backend", observability.String("backend", name))
	return nil
}

// UpdatePatch describes a partial backend update. Nil fields keep their
// current value.
type UpdatePatch struct {
	Endpoint       *string          `json:"endpoint,omitempty"`
	Model          *string          `json:"model,omitempty"`
	APIKey         *string          `json:"apiKey,omitempty"`
	Weight         *int             `json:"weight,omitempty"`
	MaxConcurrency *int             `json:"maxConcurrency,omitempty"`
	Timeout        *config.Duration `json:"timeout,omitempty"`
	Priority       *int             `json:"priority,omitempty"`
	Tags           *[]string        `json:"tags,omitempty"`
	Enabled        *bool            `json:"enabled,omitempty"`
}

// Update applies a partial patch to an existing backend. The record is
// rebuilt with the merged configuration and carries over its runtime state,
// so health and traffic counters survive the update.
func (r *Registry) Update(name string, patch UpdatePatch) (*Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	cfg := config.Backend{
		Name:           old.name,
		Endpoint:       old.endpoint,
		Model:          old.model,
		APIKey:         old.apiKey,
		Weight:         old.weight,
		MaxConcurrency: old.maxConcurrency,
		Timeout:        config.Duration(old.timeout),
		Priority:       old.priority,
		Tags:           old.Tags(),
	}
	probe := old.probe
	cfg.Probe = &probe

	if patch.Endpoint != nil {
		cfg.Endpoint = *patch.Endpoint
	}
	if patch.Model != nil {
		cfg.Model = *patch.Model
	}
	if patch.APIKey != nil {
		cfg.APIKey = *patch.APIKey
	}
	if patch.Weight != nil {
		cfg.Weight = *patch.Weight
	}
	if patch.MaxConcurrency != nil {
		cfg.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.Timeout != nil {
		cfg.Timeout = *patch.Timeout
	}
	if patch.Priority != nil {
		cfg.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		cfg.Tags = append([]string(nil), (*patch.Tags)...)
	}

	if err := config.ValidateBackend(&cfg); err != nil {
		return nil, fmt.Errorf("invalid update for backend %q: %w", name, err)
	}

	updated := New(cfg)
	updated.adoptState(old)
	if patch.Enabled != nil {
		updated.SetEnabled(*patch.Enabled)
	}

	r.backends[name] = updated
	r.logger.Info("updated backend", observability.String("backend", name))
	return updated, nil
}

// Enable marks a backend as administratively enabled.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable takes a backend out of rotation without removing it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.RLock()
	b, exists := r.backends[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	b.SetEnabled(enabled)
	r.logger.Info("changed backend enablement",
		observability.String("backend", name),
		observability.Bool("enabled", enabled),
	)
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return b, nil
}

// List returns all backends ordered by priority, then name. The order is
// stable across calls with unchanged membership, which keeps rotation-based
// strategies deterministic.
func (r *Registry) List() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool {
		if backends[i].Priority() != backends[j].Priority() {
			return backends[i].Priority() < backends[j].Priority()
		}
		return backends[i].Name() < backends[j].Name()
	})
	return backends
}

// Selectable returns the backends currently eligible for new requests in
// the same stable order as List.
func (r *Registry) Selectable() []*Backend {
	all := r.List()
	eligible := make([]*Backend, 0, len(all))
	for _, b := range all {
		if b.Selectable() {
			eligible = append(eligible, b)
		}
	}
	return eligible
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Snapshot returns point-in-time views of all backends in List order.
func (r *Registry) Snapshot() []View {
	backends := r.List()
	views := make([]View, 0, len(backends))
	for _, b := range backends {
		views = append(views, b.View())
	}
	return views
}

// LoadFromConfig registers all configured backends, stopping at the first
// failure.
func (r *Registry) LoadFromConfig(backends []config.Backend) error {
	for _, cfg := range backends {
		if _, err := r.Add(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) syncGaugesLocked(b *Backend) {
	if r.metrics == nil {
		return
	}
	r.metrics.PoolSize.Set(float64(len(r.backends)))
	r.metrics.SetHealthStatus(b.Name(), b.Healthy())
}
