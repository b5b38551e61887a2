package config

import (
	"fmt"
	"net/url"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// Validate checks the full configuration. Errors here are fatal at startup.
func Validate(cfg *RouterConfig) error {
	if len(cfg.Backends) == 0 {
		return &ValidationError{Field: "backends", Message: "at least one backend is required"}
	}
	if !IsKnownStrategy(cfg.LoadBalancer.Strategy) {
		return &ValidationError{
			Field:   "loadBalancer.strategy",
			Message: fmt.Sprintf("unknown strategy %q", cfg.LoadBalancer.Strategy),
		}
	}
	if cfg.LoadBalancer.MaxRetries < 0 {
		return &ValidationError{
			Field:   "loadBalancer.maxRetries",
			Message: "must not be negative",
		}
	}
	if cfg.LoadBalancer.FailureThreshold < 1 {
		return &ValidationError{
			Field:   "loadBalancer.failureThreshold",
			Message: "must be at least 1",
		}
	}
	if cfg.LoadBalancer.ProbeTimeout.Duration() >= cfg.LoadBalancer.HealthCheckInterval.Duration() {
		return &ValidationError{
			Field:   "loadBalancer.probeTimeout",
			Message: "must be shorter than healthCheckInterval",
		}
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if err := ValidateBackend(b); err != nil {
			return err
		}
		if seen[b.Name] {
			return &ValidationError{
				Field:   "backends",
				Message: fmt.Sprintf("duplicate backend name %q", b.Name),
			}
		}
		seen[b.Name] = true
	}

	return nil
}

// ValidateBackend checks a single backend descriptor.
func ValidateBackend(b *Backend) error {
	if b.Name == "" {
		return &ValidationError{Field: "backends.name", Message: "is required"}
	}
	if b.Endpoint == "" {
		return &ValidationError{
			Field:   fmt.Sprintf("backends[%s].endpoint", b.Name),
			Message: "is required",
		}
	}
	u, err := url.Parse(b.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{
			Field:   fmt.Sprintf("backends[%s].endpoint", b.Name),
			Message: "must be an absolute URL",
		}
	}
	if b.Weight < 1 {
		return &ValidationError{
			Field:   fmt.Sprintf("backends[%s].weight", b.Name),
			Message: "must be positive",
		}
	}
	if b.MaxConcurrency < 1 {
		return &ValidationError{
			Field:   fmt.Sprintf("backends[%s].maxConcurrency", b.Name),
			Message: "must be positive",
		}
	}
	if b.Timeout <= 0 {
		return &ValidationError{
			Field:   fmt.Sprintf("backends[%s].timeout", b.Name),
			Message: "must be positive",
		}
	}
	if p := b.Probe; p != nil {
		if p.Protocol != ProbeProtocolHTTP && p.Protocol != ProbeProtocolGRPC {
			return &ValidationError{
				Field:   fmt.Sprintf("backends[%s].probe.protocol", b.Name),
				Message: fmt.Sprintf("unknown protocol %q", p.Protocol),
			}
		}
	}
	return nil
}
