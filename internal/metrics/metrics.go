package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdex_dispatches_total",
			Help: "Total number of dispatch attempts by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdex_callbacks_total",
			Help: "Total number of callback deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	CallbackAnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verdex_callback_anomalies_total",
			Help: "Callbacks contradicting an earlier terminal state.",
		},
	)

	WatchdogReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verdex_watchdog_reclaims_total",
			Help: "Runs force-failed by the stuck-run watchdog.",
		},
	)

	TerminalRaceLossesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdex_terminal_race_losses_total",
			Help: "Conditional terminal writes that lost the transition race.",
		},
		[]string{"writer"},
	)

	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdex_run_duration_seconds",
			Help:    "Wall-clock duration of validation runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	QueueDispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verdex_queue_dispatch_retries_total",
			Help: "Retried dispatch attempts on the queue backend.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchesTotal,
		CallbacksTotal,
		CallbackAnomaliesTotal,
		WatchdogReclaimsTotal,
		TerminalRaceLossesTotal,
		RunDurationSeconds,
		QueueDispatchRetriesTotal,
	)
}
