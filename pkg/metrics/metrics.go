// Package metrics wires the worker's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type WorkerMetrics struct {
	RunsClaimed  prometheus.Counter
	RunsFinished *prometheus.CounterVec
	PollLatency  prometheus.Histogram
	QueueDepth   prometheus.Gauge
}

func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		RunsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgegate", Subsystem: "worker",
			Name: "runs_claimed_total",
			Help: "Runs claimed from the queue.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgegate", Subsystem: "worker",
			Name: "runs_finished_total",
			Help: "Terminal runs by outcome.",
		}, []string{"outcome"}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "edgegate", Subsystem: "worker",
			Name:    "backend_poll_seconds",
			Help:    "Latency of one backend poll round trip.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgegate", Subsystem: "worker",
			Name: "queued_runs",
			Help: "Runs waiting in queued state.",
		}),
	}
	reg.MustRegister(m.RunsClaimed, m.RunsFinished, m.PollLatency, m.QueueDepth)
	return m
}

// Claimed is nil-safe so the executor works without instrumentation.
func (m *WorkerMetrics) Claimed() {
	if m != nil {
		m.RunsClaimed.Inc()
	}
}

func (m *WorkerMetrics) Finished(outcome string) {
	if m != nil {
		m.RunsFinished.WithLabelValues(outcome).Inc()
	}
}

func (m *WorkerMetrics) ObservePoll(seconds float64) {
	if m != nil {
		m.PollLatency.Observe(seconds)
	}
}
