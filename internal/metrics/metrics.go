// Package metrics holds the Prometheus instrumentation for the pipeline.
// Counters are fire-and-forget: no metric update may affect an outcome.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pipeline updates.
type Metrics struct {
	RefusalsTotal      *prometheus.CounterVec
	EscalationsTotal   *prometheus.CounterVec
	FalsePositives     prometheus.Counter
	ResolutionLatency  prometheus.Histogram
	PreCheckLatency    prometheus.Histogram
	SandboxLatency     prometheus.Histogram
	SandboxTokens      prometheus.Histogram
	WorkerProcessed    *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	StoreHealthy       prometheus.Gauge
	AuditHealthy       prometheus.Gauge
	SuspensionsTotal   *prometheus.CounterVec
	RateDenialsTotal   *prometheus.CounterVec
	CanariesInjected   prometheus.Counter
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		RefusalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_refusals_total",
			Help: "Deterministic refusals by reason code",
		}, []string{"reason_code"}),

		EscalationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_escalations_total",
			Help: "Escalations opened, by severity",
		}, []string{"severity"}),

		FalsePositives: promauto.NewCounter(prometheus.CounterOpts{
			Name: "safety_false_positives_total",
			Help: "Escalations approved by a reviewer (released as safe)",
		}),

		ResolutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_resolution_latency_seconds",
			Help:    "Time from escalation to reviewer resolution",
			Buckets: []float64{30, 60, 300, 900, 3600, 14400, 86400},
		}),

		PreCheckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_precheck_latency_ms",
			Help:    "Pre-check evaluation latency in milliseconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
		}),

		SandboxLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_sandbox_latency_seconds",
			Help:    "Model call latency inside the sandbox",
			Buckets: prometheus.DefBuckets,
		}),

		SandboxTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_sandbox_tokens_used",
			Help:    "Tokens reported per sandboxed model call",
			Buckets: []float64{16, 64, 256, 512, 1024, 2048, 4096},
		}),

		WorkerProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_worker_processed_total",
			Help: "Messages processed by the worker pool, by outcome",
		}, []string{"outcome"}), // completed, flagged, error

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "safety_inference_queue_depth",
			Help: "Current length of the inference stream",
		}),

		StoreHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "safety_coordination_store_healthy",
			Help: "Whether the coordination store is reachable (1) or not (0)",
		}),

		AuditHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "safety_audit_store_healthy",
			Help: "Whether the audit store is healthy (1) or not (0)",
		}),

		SuspensionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_suspensions_total",
			Help: "User suspensions, by cause",
		}, []string{"cause"}), // severity, misuse

		RateDenialsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_rate_denials_total",
			Help: "Governor denials, by reason",
		}, []string{"reason"}),

		CanariesInjected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "safety_canaries_injected_total",
			Help: "Canary tokens injected into released outputs",
		}),
	}
}
