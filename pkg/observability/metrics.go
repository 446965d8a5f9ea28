package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger and webhook metrics, registered on the default registry and served
// by the /metrics endpoint in cmd/api.
var (
	CreditsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumiscan_credits_consumed_total",
		Help: "Total credits deducted from the ledger.",
	})

	ConsumeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumiscan_consume_conflicts_total",
		Help: "CAS conflicts observed while deducting credits, including retried ones.",
	})

	ConsumeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumiscan_consume_failures_total",
		Help: "Consume calls that returned an error, by reason.",
	}, []string{"reason"})

	BillingDesync = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumiscan_billing_desync_total",
		Help: "Paid compute results that could not be billed after retries; needs manual reconciliation.",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumiscan_webhook_events_total",
		Help: "Subscription lifecycle events received, by type and outcome.",
	}, []string{"type", "outcome"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lumiscan_analysis_duration_seconds",
		Help:    "End-to-end latency of billable image analysis calls.",
		Buckets: prometheus.DefBuckets,
	})
)
