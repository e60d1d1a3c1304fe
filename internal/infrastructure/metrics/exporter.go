// Package metrics exports reservation ledger health to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	appcredits "github.com/fieldops/backend/internal/application/credits"
)

var (
	pendingReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credits_pending_reservations",
		Help: "Number of reservation ledger lines currently pending",
	})

	reservationsNearingExpiry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credits_reservations_nearing_expiry",
		Help: "Pending reservation lines expiring within the near-expiry window",
	})

	compensationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credits_compensation_queue_depth",
		Help: "Reservation lines awaiting escalated compensation handling",
	})

	finalizeSuccessRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credits_finalize_success_rate",
		Help: "Fraction of resolved reservations that finalized within the rolling window",
	})

	finalizeAttemptsAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credits_finalize_attempts_avg",
		Help: "Average recorded finalize attempts across finalized reservations in the rolling window",
	})
)

// Exporter pushes health snapshots into the Prometheus gauges above
type Exporter struct{}

// NewExporter creates a new Exporter
func NewExporter() *Exporter {
	return &Exporter{}
}

// Observe records one health snapshot
func (e *Exporter) Observe(snapshot *appcredits.HealthSnapshot) {
	pendingReservations.Set(float64(snapshot.PendingReservations))
	reservationsNearingExpiry.Set(float64(snapshot.NearingExpiry))
	compensationQueueDepth.Set(float64(snapshot.CompensationQueue))
	finalizeSuccessRate.Set(snapshot.FinalizeSuccessRate)
	finalizeAttemptsAvg.Set(snapshot.AvgFinalizeAttempts)
}
