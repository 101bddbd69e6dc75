package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrackedInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metering_tracked_instances",
			Help: "Number of instances currently tracked for billing",
		},
	)

	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_charges_microcredits_total",
			Help: "Total microcredits charged, by charge kind",
		},
		[]string{"kind"}, // "reservation", "cycle", "overdraft"
	)

	RefundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_create_refunds_total",
			Help: "Compensating refunds issued after failed VM creation",
		},
	)

	DeadbeatTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_deadbeat_terminations_total",
			Help: "Involuntary terminations requested for underfunded instances",
		},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metering_charge_cycle_duration_seconds",
			Help:    "Duration of one charge cycle including persistence commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	CycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metering_charge_cycle_errors_total",
			Help: "Charge cycles aborted before commit",
		},
	)
)

// RecordCharge adds a charge amount in microcredits under a charge kind.
func RecordCharge(kind string, amount int64) {
	ChargesTotal.WithLabelValues(kind).Add(float64(amount))
}
