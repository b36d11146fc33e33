package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the billing collectors.
type Metrics struct {
	CycleRuns            *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	ChargedTotal         prometheus.Counter
	ProvidersDeactivated prometheus.Counter
	OffersDeactivated    *prometheus.CounterVec
	Activations          *prometheus.CounterVec
	Topups               *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CycleRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offerbilling_cycle_runs_total",
				Help: "Billing cycle runs by result",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offerbilling_cycle_duration_seconds",
				Help:    "Billing cycle run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ChargedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offerbilling_charged_minor_units_total",
				Help: "Total amount debited by daily charges, in minor currency units",
			},
		),
		ProvidersDeactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offerbilling_providers_deactivated_total",
				Help: "Providers whose offers were deactivated for insufficient funds",
			},
		),
		OffersDeactivated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offerbilling_offers_deactivated_total",
				Help: "Offers moved from active to inactive",
			},
			[]string{"reason"},
		),
		Activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offerbilling_activations_total",
				Help: "Offer activation attempts by result",
			},
			[]string{"result"},
		),
		Topups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offerbilling_topups_total",
				Help: "Top-up confirmations by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.CycleRuns,
		m.CycleDuration,
		m.ChargedTotal,
		m.ProvidersDeactivated,
		m.OffersDeactivated,
		m.Activations,
		m.Topups,
	)
	return m
}
