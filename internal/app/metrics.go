package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Total number of transfer requests by outcome",
		},
		[]string{"outcome"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Duration of transfer execution",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	transferFeesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_transfer_fees_total",
			Help: "Number of transfers that carried a fee",
		},
	)

	notificationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_notification_attempts_total",
			Help: "Total number of notification attempts by result",
		},
		[]string{"result"},
	)

	notificationJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_notification_jobs_total",
			Help: "Total number of notification jobs by terminal state",
		},
		[]string{"state"},
	)

	auditViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_audit_violations_total",
			Help: "Invariant violations found by the ledger audit",
		},
		[]string{"check"},
	)
)
