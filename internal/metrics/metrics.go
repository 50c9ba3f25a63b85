package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tixsaga"

type Metrics struct {
	Reservations     *prometheus.CounterVec
	Resolutions      *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	DispatchAttempts *prometheus.CounterVec
	DeliveryFailed   *prometheus.CounterVec
	Expirations      *prometheus.CounterVec
	ResolveDuration  prometheus.Histogram
}

// New registers the saga collectors on reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Reservations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Reserve calls by result",
			},
			[]string{"result"},
		),
		Resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Validation callbacks by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Buyer notifications by result",
			},
			[]string{"result"},
		),
		DispatchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Deliveries of validation requests to the authority by result",
			},
			[]string{"result"},
		),
		DeliveryFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_failed_total",
				Help:      "Validation requests that could not be enqueued or delivered",
			},
			[]string{"stage"},
		),
		Expirations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expirations_total",
				Help:      "Pending tickets rejected by compensation, by reason",
			},
			[]string{"reason"},
		),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Latency of the resolve transaction",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
