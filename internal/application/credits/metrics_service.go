package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"go.uber.org/zap"
)

// AlertLevel grades how urgently an alert needs attention
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is one threshold breach observed in a health snapshot
type Alert struct {
	Level   AlertLevel
	Code    string
	Message string
}

// HealthSnapshot is a point-in-time picture of the consumption pipeline
type HealthSnapshot struct {
	TakenAt             time.Time
	PendingReservations int64
	NearingExpiry       int64
	CompensationQueue   int64
	FinalizeSuccessRate float64
	AvgFinalizeAttempts float64
	ResolvedInWindow    int64
	EscalatedInWindow   int64
}

// MetricsConfig holds the health thresholds
type MetricsConfig struct {
	// SuccessRateWindow is how far back resolution stats reach
	SuccessRateWindow time.Duration

	// NearExpiryWindow matches the sweep's definition of nearing expiry
	NearExpiryWindow time.Duration

	// SuccessRateWarning triggers a warning alert below this rate
	SuccessRateWarning float64

	// SuccessRateCritical triggers a critical alert below this rate
	SuccessRateCritical float64

	// CompensationQueueWarning triggers on queue depth at or above this
	CompensationQueueWarning int64

	// PendingBacklogWarning triggers on pending count at or above this
	PendingBacklogWarning int64
}

// DefaultMetricsConfig returns the default health thresholds
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		SuccessRateWindow:        time.Hour,
		NearExpiryWindow:         2 * time.Minute,
		SuccessRateWarning:       0.98,
		SuccessRateCritical:      0.95,
		CompensationQueueWarning: 1,
		PendingBacklogWarning:    10000,
	}
}

// MetricsService reads pipeline health off the reservation ledger
type MetricsService struct {
	reservations credits.ReservationRepository
	logger       *zap.Logger
	config       MetricsConfig
}

// NewMetricsService creates a new MetricsService
func NewMetricsService(
	reservations credits.ReservationRepository,
	logger *zap.Logger,
	config MetricsConfig,
) *MetricsService {
	defaults := DefaultMetricsConfig()
	if config.SuccessRateWindow <= 0 {
		config.SuccessRateWindow = defaults.SuccessRateWindow
	}
	if config.NearExpiryWindow <= 0 {
		config.NearExpiryWindow = defaults.NearExpiryWindow
	}
	if config.SuccessRateWarning <= 0 {
		config.SuccessRateWarning = defaults.SuccessRateWarning
	}
	if config.SuccessRateCritical <= 0 {
		config.SuccessRateCritical = defaults.SuccessRateCritical
	}
	if config.CompensationQueueWarning <= 0 {
		config.CompensationQueueWarning = defaults.CompensationQueueWarning
	}
	if config.PendingBacklogWarning <= 0 {
		config.PendingBacklogWarning = defaults.PendingBacklogWarning
	}
	return &MetricsService{
		reservations: reservations,
		logger:       logger,
		config:       config,
	}
}

// Snapshot collects the current health picture from the ledger
func (s *MetricsService) Snapshot(ctx context.Context) (*HealthSnapshot, error) {
	now := time.Now()

	pending, err := s.reservations.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	nearing, err := s.reservations.CountNearingExpiry(ctx, now, s.config.NearExpiryWindow)
	if err != nil {
		return nil, err
	}
	queued, err := s.reservations.CountCompensationRequired(ctx)
	if err != nil {
		return nil, err
	}
	resolution, err := s.reservations.ResolutionStats(ctx, now.Add(-s.config.SuccessRateWindow))
	if err != nil {
		return nil, err
	}

	return &HealthSnapshot{
		TakenAt:             now,
		PendingReservations: pending,
		NearingExpiry:       nearing,
		CompensationQueue:   queued,
		FinalizeSuccessRate: resolution.SuccessRate(),
		AvgFinalizeAttempts: resolution.AvgFinalizeAttempts,
		ResolvedInWindow:    resolution.Resolved(),
		EscalatedInWindow:   resolution.CompensationRequired,
	}, nil
}

// EvaluateAlerts checks a snapshot against the configured thresholds. The
// success rate thresholds only fire once the window has actual resolutions,
// so a quiet system does not alarm on an empty denominator.
func (s *MetricsService) EvaluateAlerts(snapshot *HealthSnapshot) []Alert {
	var alerts []Alert

	if snapshot.ResolvedInWindow > 0 {
		switch {
		case snapshot.FinalizeSuccessRate < s.config.SuccessRateCritical:
			alerts = append(alerts, Alert{
				Level: AlertLevelCritical,
				Code:  "FINALIZE_SUCCESS_RATE_CRITICAL",
				Message: fmt.Sprintf("finalize success rate %.2f%% below critical threshold %.2f%%",
					snapshot.FinalizeSuccessRate*100, s.config.SuccessRateCritical*100),
			})
		case snapshot.FinalizeSuccessRate < s.config.SuccessRateWarning:
			alerts = append(alerts, Alert{
				Level: AlertLevelWarning,
				Code:  "FINALIZE_SUCCESS_RATE_LOW",
				Message: fmt.Sprintf("finalize success rate %.2f%% below warning threshold %.2f%%",
					snapshot.FinalizeSuccessRate*100, s.config.SuccessRateWarning*100),
			})
		}
	}

	if snapshot.CompensationQueue >= s.config.CompensationQueueWarning {
		alerts = append(alerts, Alert{
			Level: AlertLevelCritical,
			Code:  "COMPENSATION_QUEUE_NONEMPTY",
			Message: fmt.Sprintf("%d reservations awaiting compensation",
				snapshot.CompensationQueue),
		})
	}

	if snapshot.PendingReservations >= s.config.PendingBacklogWarning {
		alerts = append(alerts, Alert{
			Level: AlertLevelWarning,
			Code:  "PENDING_BACKLOG_HIGH",
			Message: fmt.Sprintf("%d pending reservations, backlog threshold is %d",
				snapshot.PendingReservations, s.config.PendingBacklogWarning),
		})
	}

	return alerts
}

// ReportHealth takes a snapshot, evaluates it, and logs any alerts. Returns
// the snapshot so callers can export it.
func (s *MetricsService) ReportHealth(ctx context.Context) (*HealthSnapshot, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	for _, alert := range s.EvaluateAlerts(snapshot) {
		fields := []zap.Field{
			zap.String("code", alert.Code),
			zap.Int64("pending", snapshot.PendingReservations),
			zap.Int64("compensation_queue", snapshot.CompensationQueue),
			zap.Float64("success_rate", snapshot.FinalizeSuccessRate),
		}
		switch alert.Level {
		case AlertLevelCritical:
			s.logger.Error(alert.Message, fields...)
		default:
			s.logger.Warn(alert.Message, fields...)
		}
	}

	return snapshot, nil
}
