// Package metrics exposes Prometheus collectors for the delivery
// engine. Collectors are registered on the default registry, the host
// process decides how to expose them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var SessionsOpened = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Name:      "smtp_sessions_opened",
		Help:      "Outbound SMTP sessions established",
	},
)

var Deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Name:      "deliveries",
		Help:      "Per-recipient delivery outcomes recorded",
	},
	[]string{"result"},
)

var WorkerPasses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Name:      "worker_passes",
		Help:      "Delivery passes made by the background worker",
	},
)

var QueuedTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mailout",
		Name:      "queued_tasks",
		Help:      "Tasks waiting in the worker queue",
	},
)

func init() {
	prometheus.MustRegister(SessionsOpened)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(WorkerPasses)
	prometheus.MustRegister(QueuedTasks)
}
