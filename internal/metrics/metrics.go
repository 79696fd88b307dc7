// Package metrics exposes inspection and hazard counters on a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	inspections *prometheus.CounterVec
	scores      *prometheus.HistogramVec
	findings    *prometheus.CounterVec
	hazards     *prometheus.CounterVec
	followUps   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		inspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspectline",
			Name:      "inspections_submitted_total",
			Help:      "Submitted inspections by checklist type and verdict.",
		}, []string{"checklist_type", "status"}),
		scores: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inspectline",
			Name:      "inspection_score",
			Help:      "Compliance score of submitted inspections.",
			Buckets:   []float64{50, 70, 80, 90, 95, 100},
		}, []string{"checklist_type"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspectline",
			Name:      "findings_total",
			Help:      "Findings recorded on submitted inspections by severity.",
		}, []string{"severity"}),
		hazards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inspectline",
			Name:      "hazard_assessments_total",
			Help:      "Stored hazard assessments by overall risk level.",
		}, []string{"level"}),
		followUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inspectline",
			Name:      "followups_overdue_total",
			Help:      "Inspections flagged with an overdue follow-up.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inspections, m.scores, m.findings, m.hazards, m.followUps,
	)
	return m
}

func (m *Metrics) InspectionSubmitted(checklistType, status string, score int, severities []string) {
	if m == nil {
		return
	}
	m.inspections.WithLabelValues(checklistType, status).Inc()
	m.scores.WithLabelValues(checklistType).Observe(float64(score))
	for _, s := range severities {
		m.findings.WithLabelValues(s).Inc()
	}
}

func (m *Metrics) HazardAssessed(level string) {
	if m == nil {
		return
	}
	if level == "" {
		level = "none"
	}
	m.hazards.WithLabelValues(level).Inc()
}

func (m *Metrics) FollowUpsOverdue(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.followUps.Add(float64(n))
}

// Registry is the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
