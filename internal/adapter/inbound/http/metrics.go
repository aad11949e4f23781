package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "policyshield"

// Metrics holds the Prometheus metrics recorded by the API server.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
	ReloadsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"path", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Total shield decisions by effective verdict",
			},
			[]string{"verdict"},
		),
		ReloadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reloads_total",
				Help:      "Total rule set reload attempts",
			},
			[]string{"result"}, // result=ok/error
		),
	}
}

// knownPaths bounds the path label so unmatched request paths cannot blow
// up metric cardinality.
var knownPaths = map[string]struct{}{
	"/api/v1/check":             {},
	"/api/v1/post-check":        {},
	"/api/v1/constraints":       {},
	"/api/v1/reload":            {},
	"/api/v1/respond-approval":  {},
	"/api/v1/check-approval":    {},
	"/api/v1/pending-approvals": {},
	"/api/v1/clear-taint":       {},
	"/api/v1/health":            {},
	"/api/v1/status":            {},
	"/admin/kill":               {},
	"/admin/resume":             {},
}

func pathLabel(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}
