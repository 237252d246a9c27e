package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttempts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "dispatch_attempts_total", Help: "Total dispatch attempts"})
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "matches_total", Help: "Total accepted matches"})
	UnmatchedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "unmatched_total", Help: "Appointments surfaced as unmatched after exhausting retries"})

	OffersByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "offers_total", Help: "Acceptance offers by outcome"},
		[]string{"outcome"},
	)

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "inspection_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	IntentsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "payment_intents_created_total", Help: "Payment intents created"})
	IntentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "payment_intents_confirmed_total", Help: "Payment intents confirmed successfully"})
	PaymentFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "payment_failures_total", Help: "Payment confirmations that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inspection_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspection_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
