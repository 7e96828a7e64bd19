// Package metrics exposes Prometheus collectors for the engine.
//
// Each engine instance builds its own registry so independent instances
// (and tests) never collide on metric registration. The registry is served
// by the coordinator's HTTP endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors. All fields are safe for
// concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	AgentsTotal prometheus.Gauge
	AgentsIdle  prometheus.Gauge
	AgentsBusy  prometheus.Gauge
	QueueLength prometheus.Gauge

	MessagesRouted   *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	DeadLetters      prometheus.Counter
	BreakerOpens     prometheus.Counter

	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	GateRejections prometheus.Counter
	ScaleUps       prometheus.Counter
	ScaleDowns     prometheus.Counter

	TaskDuration prometheus.Histogram
}

// New creates a metrics set backed by a fresh registry labelled with the
// instance name.
func New(instanceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"instance_name": instanceName}

	return &Metrics{
		registry: registry,

		AgentsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warren_agents_total", Help: "Agents currently in the pool.", ConstLabels: labels,
		}),
		AgentsIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warren_agents_idle", Help: "Agents currently idle.", ConstLabels: labels,
		}),
		AgentsBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warren_agents_busy", Help: "Agents currently executing a task.", ConstLabels: labels,
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warren_queue_length", Help: "Tasks waiting in the priority queue.", ConstLabels: labels,
		}),

		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warren_messages_routed_total", Help: "Messages successfully delivered, by type.", ConstLabels: labels,
		}, []string{"type"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_delivery_failures_total", Help: "Messages that exhausted delivery retries.", ConstLabels: labels,
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_dead_letters_total", Help: "Messages placed in the dead-letter store.", ConstLabels: labels,
		}),
		BreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_breaker_opens_total", Help: "Circuit breaker open transitions.", ConstLabels: labels,
		}),

		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_tasks_completed_total", Help: "Tasks that reached completed.", ConstLabels: labels,
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_tasks_failed_total", Help: "Tasks that reached failed or cancelled.", ConstLabels: labels,
		}),
		GateRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_gate_rejections_total", Help: "Quality gate rejections.", ConstLabels: labels,
		}),
		ScaleUps: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_scale_ups_total", Help: "Pool scale-up actions.", ConstLabels: labels,
		}),
		ScaleDowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "warren_scale_downs_total", Help: "Pool scale-down actions.", ConstLabels: labels,
		}),

		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "warren_task_duration_seconds",
			Help:        "Wall-clock task execution time.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

// Handler returns an HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
