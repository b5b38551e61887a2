// Package health implements periodic health probing of registered backends.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/metrics"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// Checker periodically probes every registered backend and drives the
// healthy flag on each record. A backend turns unhealthy after reaching the
// consecutive failure threshold and turns healthy again on the first
// successful probe.
type Checker struct {
	registry         *backend.Registry
	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int64
	client           *http.Client
	logger           observability.Logger
	metrics          *metrics.RouterMetrics

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// CheckerOption is a functional option for configuring the checker.
type CheckerOption func(*Checker)

// WithCheckerLogger sets the logger for the checker.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = logger
	}
}

// WithCheckerMetrics sets the metrics collector for the checker.
func WithCheckerMetrics(m *metrics.RouterMetrics) CheckerOption {
	return func(c *Checker) {
		c.metrics = m
	}
}

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(client *http.Client) CheckerOption {
	return func(c *Checker) {
		c.client = client
	}
}

// NewChecker creates a checker over the given registry.
func NewChecker(registry *backend.Registry, cfg config.LoadBalancerConfig, opts ...CheckerOption) *Checker {
	interval := time.Duration(cfg.HealthCheckInterval)
	if interval <= 0 {
		interval = time.Duration(config.DefaultHealthCheckInterval)
	}
	probeTimeout := time.Duration(cfg.ProbeTimeout)
	if probeTimeout <= 0 {
		probeTimeout = time.Duration(config.DefaultProbeTimeout)
	}
	threshold := int64(cfg.FailureThreshold)
	if threshold < 1 {
		threshold = config.DefaultFailureThreshold
	}

	c := &Checker{
		registry:         registry,
		interval:         interval,
		probeTimeout:     probeTimeout,
		failureThreshold: threshold,
		client:           &http.Client{Timeout: probeTimeout},
		logger:           observability.NopLogger(),
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
		grpcConns:        make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the probe loop. It runs an immediate round before the
// first tick so startup does not wait a full interval for health state.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info("starting health checker",
		observability.Duration("interval", c.interval),
		observability.Duration("probeTimeout", c.probeTimeout),
		observability.Int64("failureThreshold", c.failureThreshold),
	)
	go c.run(ctx)
}

// Stop terminates the probe loop and waits for it to drain.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stoppedCh
	c.closeGRPCConns()
}

// IsRunning reports whether the probe loop is active.
func (c *Checker) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every enabled backend concurrently and waits for the
// round to finish. Disabled backends are skipped and keep their last known
// health state.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range c.registry.List() {
		if !b.Enabled() {
			continue
		}
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			c.Check(ctx, b)
		}(b)
	}
	wg.Wait()
}

// Check probes one backend and updates its health state.
func (c *Checker) Check(ctx context.Context, b *backend.Backend) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if b.Probe().Protocol == config.ProbeProtocolGRPC {
		err = c.probeGRPC(probeCtx, b)
	} else {
		err = c.probeHTTP(probeCtx, b)
	}
	elapsed := time.Since(start)

	if err != nil {
		c.recordFailure(b, elapsed, err)
		return
	}
	c.recordSuccess(b, elapsed)
}

func (c *Checker) probeHTTP(ctx context.Context, b *backend.Backend) error {
	probeURL := strings.TrimSuffix(b.Endpoint(), "/") + b.Probe().Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	if key := b.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Checker) probeGRPC(ctx context.Context, b *backend.Backend) error {
	addr, err := grpcTarget(b.Endpoint())
	if err != nil {
		return err
	}

	conn, err := c.getGRPCConn(addr)
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{
		Service: b.Probe().Service,
	})
	if err != nil {
		c.closeGRPCConn(addr)
		return fmt.Errorf("grpc health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (c *Checker) recordSuccess(b *backend.Backend, elapsed time.Duration) {
	wasHealthy := b.Healthy()
	b.MarkHealthy()

	if c.metrics != nil {
		c.metrics.RecordHealthCheck(b.Name(), "success", elapsed)
		c.metrics.SetHealthStatus(b.Name(), true)
		c.metrics.ConsecutiveFailures.WithLabelValues(b.Name()).Set(0)
	}
	if !wasHealthy {
		c.logger.Info("backend became healthy",
			observability.String("backend", b.Name()),
			observability.Duration("probeDuration", elapsed),
		)
	}
}

func (c *Checker) recordFailure(b *backend.Backend, elapsed time.Duration, err error) {
	failures := b.MarkProbeFailure(err)

	if c.metrics != nil {
		c.metrics.RecordHealthCheck(b.Name(), "failure", elapsed)
		c.metrics.ConsecutiveFailures.WithLabelValues(b.Name()).Set(float64(failures))
	}

	if failures >= c.failureThreshold && b.Healthy() {
		b.MarkUnhealthy()
		if c.metrics != nil {
			c.metrics.SetHealthStatus(b.Name(), false)
		}
		c.logger.Warn("backend became unhealthy",
			observability.String("backend", b.Name()),
			observability.Int64("consecutiveFailures", failures),
			observability.Error(err),
		)
		return
	}

	c.logger.Debug("health probe failed",
		observability.String("backend", b.Name()),
		observability.Int64("consecutiveFailures", failures),
		observability.Error(err),
	)
}

func (c *Checker) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	c.grpcMu.Lock()
	defer c.grpcMu.Unlock()

	if conn, ok := c.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(c.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.grpcConns[addr] = conn
	return conn, nil
}

func (c *Checker) closeGRPCConn(addr string) {
	c.grpcMu.Lock()
	defer c.grpcMu.Unlock()

	if conn, ok := c.grpcConns[addr]; ok {
		_ = conn.Close()
		delete(c.grpcConns, addr)
	}
}

func (c *Checker) closeGRPCConns() {
	c.grpcMu.Lock()
	defer c.grpcMu.Unlock()

	for addr, conn := range c.grpcConns {
		_ = conn.Close()
		delete(c.grpcConns, addr)
	}
}

// grpcTarget extracts a host:port dial target from a backend endpoint URL.
func grpcTarget(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":443"
	}
	return host, nil
}
