package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paramify"

// Metrics holds the Prometheus collectors for the settlement engine.
type Metrics struct {
	Operations      *prometheus.CounterVec // labels: operation, outcome={ok,<error code>}
	TreasuryBalance prometheus.Gauge
	FeedPrice       prometheus.Gauge
	Threshold       prometheus.Gauge
	PoliciesActive  prometheus.Gauge
	Payouts         prometheus.Counter
	PayoutAmount    prometheus.Counter
	HTTPDuration    *prometheus.HistogramVec // labels: route, status
}

// NewMetrics creates all collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		TreasuryBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "treasury_balance",
			Help:      "Treasury balance after the last committed operation.",
		}),
		FeedPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_price",
			Help:      "Last flood level read from the feed.",
		}),
		Threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Configured payout threshold.",
		}),
		PoliciesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies_active",
			Help:      "Number of active policies.",
		}),
		Payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Settled policies.",
		}),
		PayoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_amount_total",
			Help:      "Sum of released payouts.",
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.Operations,
		m.TreasuryBalance,
		m.FeedPrice,
		m.Threshold,
		m.PoliciesActive,
		m.Payouts,
		m.PayoutAmount,
		m.HTTPDuration,
	)
	return m
}
