package config

import "time"

// Default values for backend descriptors and global parameters.
const (
	DefaultServerPort      = 8080
	DefaultMetricsPort     = 9090
	DefaultServerTimeout   = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	DefaultWeight          = 1
	DefaultMaxConcurrency  = 10
	DefaultBackendTimeout  = 30 * time.Second
	DefaultHealthProbePath = "/v1/models"

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultProbeTimeout        = 5 * time.Second
	DefaultMaxRetries          = 2
	DefaultFailureThreshold    = 3
)

// Probe protocol constants.
const (
	ProbeProtocolHTTP = "http"
	ProbeProtocolGRPC = "grpc"
)

// Backend describes one upstream model-serving endpoint.
type Backend struct {
	// Name uniquely identifies the backend within the registry.
	Name string `yaml:"name" json:"name"`

	// Endpoint is the base URL of the upstream, e.g. http://10.0.0.1:8000.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Model is the model identifier forwarded in the request body.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey is an opaque credential passed through as a bearer token.
	APIKey string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`

	// Weight is the relative traffic share under weighted strategies.
	Weight int `yaml:"weight,omitempty" json:"weight,omitempty"`

	// MaxConcurrency caps simultaneous in-flight requests to this backend.
	MaxConcurrency int `yaml:"maxConcurrency,omitempty" json:"maxConcurrency,omitempty"`

	// Timeout bounds a single upstream call.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Priority orders failover preference; lower is tried first.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Tags are informational labels, unused by the balancing algorithms.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Enabled is the operator switch, independent of health. Descriptors
	// default to enabled; the YAML field allows pre-disabling a backend.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Probe configures the liveness probe for this backend.
	Probe *ProbeConfig `yaml:"probe,omitempty" json:"probe,omitempty"`
}

// ProbeConfig configures the liveness probe for a backend.
type ProbeConfig struct {
	// Protocol is "http" (GET of Path) or "grpc" (grpc.health.v1 Check).
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`

	// Path is the HTTP probe path. Default /v1/models.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Service is the service name for gRPC probes; empty checks the server.
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
}

// ApplyDefaults fills unset backend fields with their default values.
func (b *Backend) ApplyDefaults() {
	if b.Weight == 0 {
		b.Weight = DefaultWeight
	}
	if b.MaxConcurrency == 0 {
		b.MaxConcurrency = DefaultMaxConcurrency
	}
	if b.Timeout == 0 {
		b.Timeout = Duration(DefaultBackendTimeout)
	}
	if b.Probe == nil {
		b.Probe = &ProbeConfig{}
	}
	if b.Probe.Protocol == "" {
		b.Probe.Protocol = ProbeProtocolHTTP
	}
	if b.Probe.Path == "" {
		b.Probe.Path = DefaultHealthProbePath
	}
}
