// Package metrics holds the Prometheus collectors updated by the ledger,
// lifecycle engine and background loops. They are registered in init() and
// served at /metrics by the HTTP server.
//
//   - algobot_signals_total{command,status}
//   - algobot_orders_total{side,outcome}
//   - algobot_auto_closes_total{reason}
//   - algobot_repairs_total{kind}
//   - algobot_lock_timeouts_total
//   - algobot_lock_wait_seconds
//   - algobot_active_positions
//   - algobot_notifications_dropped_total
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algobot_signals_total",
			Help: "Signals handled, by command and result status",
		},
		[]string{"command", "status"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algobot_orders_total",
			Help: "Orders sent to the broker, by side and outcome (filled|failed)",
		},
		[]string{"side", "outcome"},
	)

	AutoCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algobot_auto_closes_total",
			Help: "Positions closed by the safety scheduler",
		},
		[]string{"reason"},
	)

	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "algobot_repairs_total",
			Help: "Ledger repairs applied by integrity checks and reconciliation",
		},
		[]string{"kind"},
	)

	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "algobot_lock_timeouts_total",
			Help: "Lease acquisitions that gave up at their timeout",
		},
	)

	LockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "algobot_lock_wait_seconds",
			Help:    "Time spent waiting for a lease",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "algobot_active_positions",
			Help: "Active positions seen by the last safety scan",
		},
	)

	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "algobot_notifications_dropped_total",
			Help: "Events discarded because the notification queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(Signals, Orders, AutoCloses, Repairs)
	prometheus.MustRegister(LockTimeouts, LockWait, ActivePositions, NotificationsDropped)
}
