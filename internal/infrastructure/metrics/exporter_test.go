package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	appcredits "github.com/fieldops/backend/internal/application/credits"
)

func TestExporter_Observe(t *testing.T) {
	exporter := NewExporter()

	exporter.Observe(&appcredits.HealthSnapshot{
		TakenAt:             time.Now(),
		PendingReservations: 42,
		NearingExpiry:       3,
		CompensationQueue:   2,
		FinalizeSuccessRate: 0.97,
		AvgFinalizeAttempts: 1.5,
	})

	assert.Equal(t, 42.0, testutil.ToFloat64(pendingReservations))
	assert.Equal(t, 3.0, testutil.ToFloat64(reservationsNearingExpiry))
	assert.Equal(t, 2.0, testutil.ToFloat64(compensationQueueDepth))
	assert.Equal(t, 0.97, testutil.ToFloat64(finalizeSuccessRate))
	assert.Equal(t, 1.5, testutil.ToFloat64(finalizeAttemptsAvg))

	// Later snapshots overwrite, gauges track the current state only.
	exporter.Observe(&appcredits.HealthSnapshot{FinalizeSuccessRate: 1.0})
	assert.Equal(t, 1.0, testutil.ToFloat64(finalizeSuccessRate))
	assert.Equal(t, 0.0, testutil.ToFloat64(pendingReservations))
}
