// Package metrics defines the Prometheus collectors for the lending service.
// All collectors register with the default registry on package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bookwise"

// Borrow outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeDenied   = "denied"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// BorrowsTotal counts borrow attempts.
// Labels:
//   - outcome: success, denied, conflict, error
//   - reason: denial reason code, empty unless outcome is denied
var BorrowsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "borrows_total",
		Help:      "Total number of borrow attempts by outcome.",
	},
	[]string{"outcome", "reason"},
)

// BorrowDuration measures a borrow from fact loading to commit.
var BorrowDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "borrow_duration_seconds",
		Help:      "Duration of borrow operations.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// ReturnsTotal counts return attempts.
// Label:
//   - result: success, release_pending, error
var ReturnsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "returns_total",
		Help:      "Total number of loan returns by result.",
	},
	[]string{"result"},
)

// CompensationsTotal counts reservations rolled back after a failed ledger insert.
// Label:
//   - result: released, failed
var CompensationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservation_compensations_total",
		Help:      "Reserved copies released because the loan could not be recorded.",
	},
	[]string{"result"},
)

// OverdueTransitionsTotal counts loans moved from BORROWED to OVERDUE.
var OverdueTransitionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "overdue_transitions_total",
		Help:      "Loans transitioned to OVERDUE by the scanner.",
	},
)

// OverdueNotificationsTotal counts overdue events handed to the notification workflow.
// Label:
//   - result: sent, failed
var OverdueNotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "overdue_notifications_total",
		Help:      "Overdue events emitted to the notification workflow.",
	},
	[]string{"result"},
)

// ScanDuration measures a single overdue sweep.
var ScanDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "overdue_scan_duration_seconds",
		Help:      "Duration of overdue scanner sweeps.",
		Buckets:   prometheus.DefBuckets,
	},
)

// InventoryViolations is the number of titles flagged by the last audit.
var InventoryViolations = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inventory_audit_violations",
		Help:      "Titles whose copy counts disagree with active loans at the last audit.",
	},
)
