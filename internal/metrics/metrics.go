// Package metrics exposes Prometheus instrumentation for the scanners,
// the policy engine and the workflow runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by pipewright.
type Metrics struct {
	registry *prometheus.Registry

	FilesScanned  *prometheus.CounterVec
	ScanFailures  *prometheus.CounterVec
	ScanDuration  *prometheus.HistogramVec
	GraphNodes    prometheus.Gauge
	GraphEdges    prometheus.Gauge
	Evaluations   *prometheus.CounterVec
	Violations    *prometheus.CounterVec
	EvalDuration  prometheus.Histogram
	WorkflowSteps *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	Approvals     *prometheus.CounterVec
}

// New creates a Metrics set backed by its own registry.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers every collector on the given registry. Separate
// registries keep repeated construction (tests, embedded use) from
// tripping duplicate-registration panics.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FilesScanned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_files_scanned_total",
			Help: "Number of source files scanned",
		}, []string{"language"}),
		ScanFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_scan_failures_total",
			Help: "Number of per-file scan failures",
		}, []string{"language"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipewright_scan_duration_seconds",
			Help:    "Source scan duration per file",
			Buckets: prometheus.DefBuckets,
		}, []string{"language"}),
		GraphNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipewright_graph_nodes",
			Help: "Nodes in the most recently assembled dependency graph",
		}),
		GraphEdges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipewright_graph_edges",
			Help: "Edges in the most recently assembled dependency graph",
		}),
		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_policy_evaluations_total",
			Help: "Policy evaluations by outcome",
		}, []string{"outcome"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_policy_violations_total",
			Help: "Policy violations by severity",
		}, []string{"severity"}),
		EvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipewright_policy_evaluation_duration_seconds",
			Help:    "Policy set evaluation duration",
			Buckets: prometheus.DefBuckets,
		}),
		WorkflowSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_workflow_steps_total",
			Help: "Workflow step executions by type and terminal status",
		}, []string{"type", "status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipewright_active_workflows",
			Help: "Workflows currently executing",
		}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipewright_approval_decisions_total",
			Help: "Approval decisions by outcome",
		}, []string{"decision"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
