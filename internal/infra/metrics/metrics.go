// Package metrics provides Prometheus metrics for tallyd — counters and
// gauges for the credit ledger, streaming sessions, and the usage log.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Credits ────────────────────────────────────────────────────────────────

// CreditsAllocated tracks total credits granted (admin grants, refunds).
var CreditsAllocated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "credits_allocated_total",
	Help:      "Total credits granted across all users.",
})

// CreditsDeducted tracks total credits deducted (sync spends and reservations).
var CreditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "credits_deducted_total",
	Help:      "Total credits deducted across all users.",
})

// CreditsRefunded tracks credits returned at session settlement.
var CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "credits_refunded_total",
	Help:      "Total credits refunded at session settlement.",
})

// DeductionsRejected tracks deductions refused for insufficient balance.
var DeductionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "deductions_rejected_total",
	Help:      "Total deductions rejected due to insufficient credits.",
})

// ─── Streaming sessions ─────────────────────────────────────────────────────

// SessionsActive tracks currently open streaming sessions.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tallyd",
	Name:      "sessions_active",
	Help:      "Number of streaming sessions currently holding a reservation.",
})

// SessionsSettled tracks settled sessions by terminal outcome.
var SessionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "sessions_settled_total",
	Help:      "Total settled streaming sessions by outcome.",
}, []string{"outcome"})

// SessionsFlagged tracks settlements capped for later reconciliation.
var SessionsFlagged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "sessions_reconciliation_flagged_total",
	Help:      "Sessions whose overrun charge was capped and flagged for reconciliation.",
})

// ─── Usage log ──────────────────────────────────────────────────────────────

// UsageRecords tracks usage records appended, by service.
var UsageRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tallyd",
	Name:      "usage_records_total",
	Help:      "Total usage records appended.",
}, []string{"service"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

// RequestDuration tracks API request latency per route and status class.
var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tallyd",
	Name:      "http_request_duration_seconds",
	Help:      "API request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "status"})
