package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the pipeline.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	nodeErrors      *prometheus.CounterVec
	finalConfidence prometheus.Histogram
}

// Run outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeEscalated = "escalated"
	OutcomeError     = "error"
)

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masis",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"outcome"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masis",
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Supervisor retry decisions by reason.",
		}, []string{"reason"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "masis",
			Subsystem: "pipeline",
			Name:      "node_duration_seconds",
			Help:      "Per-node execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"node"}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masis",
			Subsystem: "pipeline",
			Name:      "node_errors_total",
			Help:      "Fatal node failures.",
		}, []string{"node"}),
		finalConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "masis",
			Subsystem: "pipeline",
			Name:      "final_confidence",
			Help:      "Confidence of terminated runs.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
}

// ObserveNode records one node execution.
func (m *Metrics) ObserveNode(node string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
	if err != nil {
		m.nodeErrors.WithLabelValues(node).Inc()
	}
}

// ObserveRun records one terminated run.
func (m *Metrics) ObserveRun(outcome string, confidence float64, retryReasons []string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	for _, reason := range retryReasons {
		m.retriesTotal.WithLabelValues(reason).Inc()
	}
	if outcome != OutcomeError {
		m.finalConfidence.Observe(confidence)
	}
}
