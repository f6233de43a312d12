// ABOUTME: Prometheus collector for engine transitions, escalations and queue operations
// ABOUTME: Owns a private registry and serves it on the configured metrics path

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "concierge",
		Path:      "/metrics",
	}
}

// Collector wraps the Prometheus metrics exported by the service. A nil
// *Collector is valid and records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	Transitions         *prometheus.CounterVec
	ApplyDuration       *prometheus.HistogramVec
	CommitRetries       *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	QueueOperations     *prometheus.CounterVec
	QueueReclaimed      *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	ns := cfg.Namespace
	reg := prometheus.NewRegistry()

	c := &Collector{
		config:   cfg,
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transitions_total",
			Help:      "Committed conversation transitions by resolution route",
		}, []string{"workspace", "route"}),
		ApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "apply_duration_seconds",
			Help:      "Duration of inbound event processing in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workspace"}),
		CommitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commit_retries_total",
			Help:      "State commits retried after a version conflict or busy store",
		}, []string{"workspace"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "escalations_total",
			Help:      "Customers handed to the human queue by reason",
		}, []string{"workspace", "reason"}),
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "queue_operations_total",
			Help:      "Human queue operations by outcome",
		}, []string{"workspace", "operation", "status"}),
		QueueReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "queue_reclaimed_total",
			Help:      "Expired operator locks returned to waiting",
		}, []string{"workspace"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.Transitions,
		c.ApplyDuration,
		c.CommitRetries,
		c.Escalations,
		c.QueueOperations,
		c.QueueReclaimed,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordTransition counts a committed transition and its processing time.
func (c *Collector) RecordTransition(workspace, route string, d time.Duration) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(workspace, route).Inc()
	c.ApplyDuration.WithLabelValues(workspace).Observe(d.Seconds())
}

// RecordCommitRetry counts one retried commit.
func (c *Collector) RecordCommitRetry(workspace string) {
	if c == nil {
		return
	}
	c.CommitRetries.WithLabelValues(workspace).Inc()
}

// RecordEscalation counts an escalation decision acted on by the engine.
func (c *Collector) RecordEscalation(workspace, reason string) {
	if c == nil {
		return
	}
	c.Escalations.WithLabelValues(workspace, reason).Inc()
}

// RecordQueueOperation counts a queue operation with status "ok" or "error".
func (c *Collector) RecordQueueOperation(workspace, operation string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.QueueOperations.WithLabelValues(workspace, operation, status).Inc()
}

// RecordReclaimed counts expired locks returned to waiting.
func (c *Collector) RecordReclaimed(workspace string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.QueueReclaimed.WithLabelValues(workspace).Add(float64(n))
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
