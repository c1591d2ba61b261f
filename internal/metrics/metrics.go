// Package metrics provides Prometheus metrics for FORGELOOP monitoring.
// Exports sandbox, gateway, provider, and execution metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for FORGELOOP
type Metrics struct {
	// Sandbox metrics
	ContainersCreatedTotal prometheus.Counter
	ContainerFailuresTotal *prometheus.CounterVec
	ContainersActive       prometheus.Gauge
	ContainerQueueLength   prometheus.Gauge
	ContainerQueueWait     prometheus.Histogram
	ContainersDestroyed    *prometheus.CounterVec
	SandboxCommandDuration prometheus.Histogram
	SnapshotsCreatedTotal  prometheus.Counter

	// Gateway / provider metrics
	AIRequestsTotal    *prometheus.CounterVec
	AIRequestDuration  *prometheus.HistogramVec
	AIFallbacksTotal   *prometheus.CounterVec
	AIRetriesTotal     prometheus.Counter
	GatewayQueueLength prometheus.Gauge
	GatewayQueueWait   prometheus.Histogram
	ModelSelections    *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   prometheus.Histogram
	ExecutionIterations prometheus.Histogram
	ExecutionsActive    prometheus.Gauge

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsEvicted prometheus.Counter
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		ContainersCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "forgeloop_containers_created_total",
			Help: "Total sandbox containers created",
		}),
		ContainerFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_container_failures_total",
			Help: "Sandbox container creation failures by category",
		}, []string{"category"}),
		ContainersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forgeloop_containers_active",
			Help: "Sandbox containers currently running",
		}),
		ContainerQueueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forgeloop_container_queue_length",
			Help: "Creation requests waiting for a pool slot",
		}),
		ContainerQueueWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeloop_container_queue_wait_seconds",
			Help:    "Time creation requests spent queued",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ContainersDestroyed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_containers_destroyed_total",
			Help: "Sandbox containers destroyed by reason",
		}, []string{"reason"}),
		SandboxCommandDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeloop_sandbox_command_duration_seconds",
			Help:    "Duration of commands executed inside sandboxes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		SnapshotsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "forgeloop_snapshots_created_total",
			Help: "Container snapshots committed",
		}),

		AIRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_ai_requests_total",
			Help: "AI provider requests by provider and status",
		}, []string{"provider", "status"}),
		AIRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgeloop_ai_request_duration_seconds",
			Help:    "AI request latency by provider",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"provider"}),
		AIFallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_ai_fallbacks_total",
			Help: "Failovers from primary to fallback endpoint",
		}, []string{"provider"}),
		AIRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "forgeloop_ai_retries_total",
			Help: "Retried AI invocations",
		}),
		GatewayQueueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forgeloop_gateway_queue_length",
			Help: "Pending chat-provider invocations",
		}),
		GatewayQueueWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeloop_gateway_queue_wait_seconds",
			Help:    "Time chat invocations spent in the gateway queue",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		ModelSelections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_model_selections_total",
			Help: "Adaptive model selections by model and reason",
		}, []string{"model", "reason"}),

		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeloop_executions_total",
			Help: "Autonomous executions by terminal state",
		}, []string{"state"}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeloop_execution_duration_seconds",
			Help:    "Wall-clock duration of executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ExecutionIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeloop_execution_iterations",
			Help:    "Build iterations consumed per execution",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		ExecutionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forgeloop_executions_active",
			Help: "Executions currently in flight",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forgeloop_sessions_active",
			Help: "Sessions resident in the store",
		}),
		SessionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "forgeloop_sessions_evicted_total",
			Help: "Sessions evicted by the TTL sweeper",
		}),
	}
}
