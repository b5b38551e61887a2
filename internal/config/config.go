// Package config provides configuration management for the router.
// Configuration is loaded from a YAML file with environment variable
// substitution; the backend pool section can be reloaded at runtime.
package config

// Strategy name constants for the load balancer.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyRandom             = "random"
	StrategyConsistentHash     = "consistent_hash"
	StrategyResponseTime       = "response_time"
)

// KnownStrategies lists every valid strategy name.
var KnownStrategies = []string{
	StrategyRoundRobin,
	StrategyWeightedRoundRobin,
	StrategyLeastConnections,
	StrategyRandom,
	StrategyConsistentHash,
	StrategyResponseTime,
}

// IsKnownStrategy reports whether name is a valid strategy name.
func IsKnownStrategy(name string) bool {
	for _, s := range KnownStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// RouterConfig is the root configuration for the router.
type RouterConfig struct {
	Server        ServerConfig       `yaml:"server" json:"server"`
	Observability Observability      `yaml:"observability,omitempty" json:"observability,omitempty"`
	LoadBalancer  LoadBalancerConfig `yaml:"loadBalancer" json:"loadBalancer"`
	Backends      []Backend          `yaml:"backends" json:"backends"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int      `yaml:"port,omitempty" json:"port,omitempty"`
	MetricsPort     int      `yaml:"metricsPort,omitempty" json:"metricsPort,omitempty"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`

	// RateLimit caps data-plane requests per second per client.
	// Zero disables rate limiting.
	RateLimitRPS   int `yaml:"rateLimitRPS,omitempty" json:"rateLimitRPS,omitempty"`
	RateLimitBurst int `yaml:"rateLimitBurst,omitempty" json:"rateLimitBurst,omitempty"`
}

// Observability holds logging and tracing settings.
type Observability struct {
	LogLevel  string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty" json:"logFormat,omitempty"`
	LogOutput string `yaml:"logOutput,omitempty" json:"logOutput,omitempty"`

	TracingEnabled bool    `yaml:"tracingEnabled,omitempty" json:"tracingEnabled,omitempty"`
	OTLPEndpoint   string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate   float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// LoadBalancerConfig holds the global dispatch parameters.
type LoadBalancerConfig struct {
	// Enabled forces the full engine even with a single backend.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Strategy selects the balancing algorithm. Default round_robin.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// HealthCheckInterval is the period between probe rounds. Default 30s.
	HealthCheckInterval Duration `yaml:"healthCheckInterval,omitempty" json:"healthCheckInterval,omitempty"`

	// ProbeTimeout bounds each liveness probe. Must be shorter than the
	// interval. Default 5s.
	ProbeTimeout Duration `yaml:"probeTimeout,omitempty" json:"probeTimeout,omitempty"`

	// MaxRetries is the number of failover attempts after the first. Default 2.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// FailureThreshold is the consecutive-failure count that marks a
	// backend unhealthy. Default 3.
	FailureThreshold int `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`

	// CircuitBreaker enables a per-backend breaker in front of dispatch.
	CircuitBreaker bool `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// Engaged reports whether the dispatch engine should be constructed.
// The engine runs when load balancing is explicitly enabled or when more
// than one backend is configured; a lone backend without the explicit flag
// is called directly with no engine overhead.
func (c *RouterConfig) Engaged() bool {
	return c.LoadBalancer.Enabled || len(c.Backends) > 1
}

// ApplyDefaults fills unset fields with their default values.
func (c *RouterConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = DefaultMetricsPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultServerTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultServerTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.LoadBalancer.Strategy == "" {
		c.LoadBalancer.Strategy = StrategyRoundRobin
	}
	if c.LoadBalancer.HealthCheckInterval == 0 {
		c.LoadBalancer.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.LoadBalancer.ProbeTimeout == 0 {
		c.LoadBalancer.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if c.LoadBalancer.MaxRetries == 0 {
		c.LoadBalancer.MaxRetries = DefaultMaxRetries
	}
	if c.LoadBalancer.FailureThreshold == 0 {
		c.LoadBalancer.FailureThreshold = DefaultFailureThreshold
	}
	for i := range c.Backends {
		c.Backends[i].ApplyDefaults()
	}
}
