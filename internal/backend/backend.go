// Package backend provides backend records and the backend registry for the router.
package backend

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

// ewmaAlpha is the smoothing factor for the recent response time average.
// Higher values react faster to latency changes.
const ewmaAlpha = 0.3

// Backend is a single upstream inference endpoint tracked by the registry.
// Configuration fields are immutable after construction; mutable state is
// held in atomics so the hot path never takes a lock.
type Backend struct {
	name           string
	endpoint       string
	model          string
	apiKey         string
	weight         int
	maxConcurrency int
	timeout        time.Duration
	priority       int
	tags           []string
	probe          config.ProbeConfig

	enabled             atomic.Bool
	healthy             atomic.Bool
	consecutiveFailures atomic.Int64
	activeConnections   atomic.Int64
	totalRequests       atomic.Int64
	totalFailures       atomic.Int64
	recentResponseTime  atomic.Uint64
	lastProbeNano       atomic.Int64
	lastError           atomic.Value
}

// New creates a backend record from configuration. The configuration must
// already have defaults applied and be validated.
func New(cfg config.Backend) *Backend {
	b := &Backend{
		name:           cfg.Name,
		endpoint:       cfg.Endpoint,
		model:          cfg.Model,
		apiKey:         cfg.APIKey,
		weight:         cfg.Weight,
		maxConcurrency: cfg.MaxConcurrency,
		timeout:        time.Duration(cfg.Timeout),
		priority:       cfg.Priority,
		tags:           append([]string(nil), cfg.Tags...),
	}
	if cfg.Probe != nil {
		b.probe = *cfg.Probe
	} else {
		b.probe = config.ProbeConfig{
			Protocol: config.ProbeProtocolHTTP,
			Path:     config.DefaultHealthProbePath,
		}
	}

	b.enabled.Store(!cfg.Disabled)
	// New backends start healthy so they are immediately eligible; the
	// first probe corrects this if the endpoint is actually down.
	b.healthy.Store(true)
	return b
}

// Name returns the unique backend name.
func (b *Backend) Name() string { return b.name }

// Endpoint returns the backend base URL.
func (b *Backend) Endpoint() string { return b.endpoint }

// Model returns the model identifier served by this backend.
func (b *Backend) Model() string { return b.model }

// APIKey returns the credential presented to the backend, empty if none.
func (b *Backend) APIKey() string { return b.apiKey }

// Weight returns the relative selection weight.
func (b *Backend) Weight() int { return b.weight }

// MaxConcurrency returns the in-flight request cap.
func (b *Backend) MaxConcurrency() int { return b.maxConcurrency }

// Timeout returns the per-request timeout for this backend.
func (b *Backend) Timeout() time.Duration { return b.timeout }

// Priority returns the tie-break priority (lower wins).
func (b *Backend) Priority() int { return b.priority }

// Tags returns a copy of the backend tags.
func (b *Backend) Tags() []string { return append([]string(nil), b.tags...) }

// Probe returns the health probe configuration.
func (b *Backend) Probe() config.ProbeConfig { return b.probe }

// Enabled reports whether the backend is administratively enabled.
func (b *Backend) Enabled() bool { return b.enabled.Load() }

// SetEnabled flips the administrative enable flag.
func (b *Backend) SetEnabled(enabled bool) { b.enabled.Store(enabled) }

// Healthy reports whether the last health evaluation passed.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// ActiveConnections returns the current in-flight request count.
func (b *Backend) ActiveConnections() int64 { return b.activeConnections.Load() }

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Backend) ConsecutiveFailures() int64 { return b.consecutiveFailures.Load() }

// TotalRequests returns the lifetime request count.
func (b *Backend) TotalRequests() int64 { return b.totalRequests.Load() }

// TotalFailures returns the lifetime failure count.
func (b *Backend) TotalFailures() int64 { return b.totalFailures.Load() }

// RecentResponseTime returns the exponentially weighted moving average of
// observed response times. Zero means no sample has been recorded yet.
func (b *Backend) RecentResponseTime() time.Duration {
	return time.Duration(math.Float64frombits(b.recentResponseTime.Load()))
}

// LastError returns the message of the most recent request or probe
// failure, empty if none has occurred.
func (b *Backend) LastError() string {
	if v, ok := b.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// SuccessRate returns the lifetime fraction of requests that succeeded.
// A backend that has served no requests reports 1.
func (b *Backend) SuccessRate() float64 {
	total := b.totalRequests.Load()
	if total == 0 {
		return 1
	}
	return float64(total-b.totalFailures.Load()) / float64(total)
}

// LastProbe returns the time of the most recent health probe, or the zero
// time if the backend has never been probed.
func (b *Backend) LastProbe() time.Time {
	nano := b.lastProbeNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Selectable reports whether the backend may receive a new request: it must
// be enabled, healthy, and below its concurrency cap.
func (b *Backend) Selectable() bool {
	return b.enabled.Load() && b.healthy.Load() &&
		b.activeConnections.Load() < int64(b.maxConcurrency)
}

// TryAcquire reserves a connection slot. It returns false when the backend
// is already at its concurrency cap. The caller must pair a successful
// acquire with exactly one Release.
func (b *Backend) TryAcquire() bool {
	for {
		current := b.activeConnections.Load()
		if current >= int64(b.maxConcurrency) {
			return false
		}
		if b.activeConnections.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a connection slot reserved by TryAcquire.
func (b *Backend) Release() {
	if b.activeConnections.Add(-1) < 0 {
		// Unbalanced release; clamp rather than go negative.
		b.activeConnections.Store(0)
	}
}

// RecordSuccess records a completed request. It resets the consecutive
// failure counter and folds the observed duration into the response time
// average, but it never flips an unhealthy backend back to healthy; only a
// successful probe does that.
func (b *Backend) RecordSuccess(duration time.Duration) {
	b.totalRequests.Add(1)
	b.consecutiveFailures.Store(0)
	b.observeResponseTime(duration)
}

// RecordFailure records a failed request and returns the new consecutive
// failure count so the caller can compare it against the failure threshold.
func (b *Backend) RecordFailure(err error) int64 {
	b.totalRequests.Add(1)
	b.totalFailures.Add(1)
	if err != nil {
		b.lastError.Store(err.Error())
	}
	return b.consecutiveFailures.Add(1)
}

// MarkHealthy records a successful health probe.
func (b *Backend) MarkHealthy() {
	b.consecutiveFailures.Store(0)
	b.healthy.Store(true)
	b.lastProbeNano.Store(time.Now().UnixNano())
}

// MarkProbeFailure records a failed health probe and returns the new
// consecutive failure count.
func (b *Backend) MarkProbeFailure(err error) int64 {
	b.lastProbeNano.Store(time.Now().UnixNano())
	if err != nil {
		b.lastError.Store(err.Error())
	}
	return b.consecutiveFailures.Add(1)
}

// MarkUnhealthy marks the backend as failing health evaluation.
func (b *Backend) MarkUnhealthy() {
	b.healthy.Store(false)
}

// adoptState carries runtime state over from a previous incarnation of the
// same backend, used when a configuration patch rebuilds the record.
func (b *Backend) adoptState(old *Backend) {
	b.enabled.Store(old.enabled.Load())
	b.healthy.Store(old.healthy.Load())
	b.consecutiveFailures.Store(old.consecutiveFailures.Load())
	b.activeConnections.Store(old.activeConnections.Load())
	b.totalRequests.Store(old.totalRequests.Load())
	b.totalFailures.Store(old.totalFailures.Load())
	b.recentResponseTime.Store(old.recentResponseTime.Load())
	b.lastProbeNano.Store(old.lastProbeNano.Load())
	if msg := old.LastError(); msg != "" {
		b.lastError.Store(msg)
	}
}

func (b *Backend) observeResponseTime(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	sample := float64(duration)
	for {
		oldBits := b.recentResponseTime.Load()
		old := math.Float64frombits(oldBits)
		updated := sample
		if old > 0 {
			updated = ewmaAlpha*sample + (1-ewmaAlpha)*old
		}
		if b.recentResponseTime.CompareAndSwap(oldBits, math.Float64bits(updated)) {
			return
		}
	}
}

// View is an immutable snapshot of a backend's configuration and state.
type View struct {
	Name                string        `json:"name"`
	Endpoint            string        `json:"endpoint"`
	Model               string        `json:"model,omitempty"`
	Weight              int           `json:"weight"`
	MaxConcurrency      int           `json:"maxConcurrency"`
	Timeout             time.Duration `json:"timeout"`
	Priority            int           `json:"priority"`
	Tags                []string      `json:"tags,omitempty"`
	Enabled             bool          `json:"enabled"`
	Healthy             bool          `json:"healthy"`
	Selectable          bool          `json:"selectable"`
	ActiveConnections   int64         `json:"activeConnections"`
	ConsecutiveFailures int64         `json:"consecutiveFailures"`
	TotalRequests       int64         `json:"totalRequests"`
	TotalFailures       int64         `json:"totalFailures"`
	SuccessRate         float64       `json:"successRate"`
	RecentResponseTime  time.Duration `json:"recentResponseTime"`
	LastProbe           time.Time     `json:"lastProbe,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
}

// View returns a point-in-time snapshot of the backend.
func (b *Backend) View() View {
	return View{
		Name:                b.name,
		Endpoint:            b.endpoint,
		Model:               b.model,
		Weight:              b.weight,
		MaxConcurrency:      b.maxConcurrency,
		Timeout:             b.timeout,
		Priority:            b.priority,
		Tags:                b.Tags(),
		Enabled:             b.Enabled(),
		Healthy:             b.Healthy(),
		Selectable:          b.Selectable(),
		ActiveConnections:   b.ActiveConnections(),
		ConsecutiveFailures: b.ConsecutiveFailures(),
		TotalRequests:       b.TotalRequests(),
		TotalFailures:       b.TotalFailures(),
		SuccessRate:         b.SuccessRate(),
		RecentResponseTime:  b.RecentResponseTime(),
		LastProbe:           b.LastProbe(),
		LastError:           b.LastError(),
	}
}
