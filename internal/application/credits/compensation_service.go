package credits

import (
	"context"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompensationConfig holds the background recovery policy
type CompensationConfig struct {
	// BatchSize bounds how many ledger lines one sweep picks up
	BatchSize int

	// AttemptCeiling is the number of background finalize attempts after
	// which a line escalates to the compensation queue. Counted separately
	// from inline attempts: a line that burned its inline budget still gets
	// the full ceiling of background retries.
	AttemptCeiling int

	// MinBackoff is the first background retry interval
	MinBackoff time.Duration

	// MaxBackoff caps the doubling retry interval
	MaxBackoff time.Duration

	// DeadlinePadding keeps a rescheduled line's deadline past its retry time
	DeadlinePadding time.Duration

	// MaxExtension bounds total deadline extension from a line's original expiry
	MaxExtension time.Duration

	// NearExpiryWindow is how close to its deadline a line must be before the
	// sweep steps in to keep an attempted finalize from expiring
	NearExpiryWindow time.Duration

	// StaleAfter is the age past which a pending line counts as stale for
	// reconciliation
	StaleAfter time.Duration

	// QueueSampleSize is how many compensation queue entries get logged per sweep
	QueueSampleSize int
}

// DefaultCompensationConfig returns the default background recovery policy
func DefaultCompensationConfig() CompensationConfig {
	return CompensationConfig{
		BatchSize:        50,
		AttemptCeiling:   10,
		MinBackoff:       2 * time.Minute,
		MaxBackoff:       30 * time.Minute,
		DeadlinePadding:  time.Minute,
		MaxExtension:     24 * time.Hour,
		NearExpiryWindow: 2 * time.Minute,
		StaleAfter:       10 * time.Minute,
		QueueSampleSize:  5,
	}
}

// CompensationSweepStats reports what one compensation sweep did
type CompensationSweepStats struct {
	GroupsDue   int
	Finalized   int
	Resolved    int
	Rescheduled int
	Escalated   int
	Extended    int
	QueueDepth  int64
}

// ReconciliationStats reports what one reconciliation sweep did
type ReconciliationStats struct {
	StaleGroups int
	Finalized   int
	Resolved    int
	Rescheduled int
	Escalated   int
}

// CompensationService is the background half of the finalize retry story. It
// picks up reservations whose inline retries were exhausted, retries them on
// a doubling schedule, keeps their deadlines ahead of the next retry, and
// escalates whatever runs out of road to the compensation queue.
type CompensationService struct {
	finalizer    Finalizer
	reservations credits.ReservationRepository
	logger       *zap.Logger
	config       CompensationConfig
}

// NewCompensationService creates a new CompensationService
func NewCompensationService(
	finalizer Finalizer,
	reservations credits.ReservationRepository,
	logger *zap.Logger,
	config CompensationConfig,
) *CompensationService {
	defaults := DefaultCompensationConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.AttemptCeiling <= 0 {
		config.AttemptCeiling = defaults.AttemptCeiling
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.DeadlinePadding <= 0 {
		config.DeadlinePadding = defaults.DeadlinePadding
	}
	if config.MaxExtension <= 0 {
		config.MaxExtension = defaults.MaxExtension
	}
	if config.NearExpiryWindow <= 0 {
		config.NearExpiryWindow = defaults.NearExpiryWindow
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.QueueSampleSize <= 0 {
		config.QueueSampleSize = defaults.QueueSampleSize
	}
	return &CompensationService{
		finalizer:    finalizer,
		reservations: reservations,
		logger:       logger,
		config:       config,
	}
}

// RunCompensationSweep retries every group whose scheduled retry has come
// due, protects attempted-but-unresolved lines from expiring, and reports the
// compensation queue depth.
func (s *CompensationService) RunCompensationSweep(ctx context.Context) (*CompensationSweepStats, error) {
	now := time.Now()
	stats := &CompensationSweepStats{}

	due, err := s.reservations.FindDueForRetry(ctx, now, s.config.AttemptCeiling, s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	groups := groupReservations(due)
	stats.GroupsDue = len(groups)
	for groupID, lines := range groups {
		s.retryGroup(ctx, groupID, lines, now, &stats.Finalized, &stats.Resolved, &stats.Rescheduled, &stats.Escalated)
	}

	if err := s.protectNearingExpiry(ctx, now, stats); err != nil {
		s.logger.Error("Failed to extend reservations nearing expiry", zap.Error(err))
	}

	depth, err := s.reservations.CountCompensationRequired(ctx)
	if err != nil {
		return stats, err
	}
	stats.QueueDepth = depth
	if depth > 0 {
		s.logCompensationQueue(ctx, depth)
	}

	return stats, nil
}

// RunReconciliationSweep finds pending lines old enough that no inline path
// can still be working on them and drives them to an outcome. Meant to run on
// startup and periodically after, so a crash between send and finalize never
// strands a reservation past its extension window.
func (s *CompensationService) RunReconciliationSweep(ctx context.Context) (*ReconciliationStats, error) {
	now := time.Now()
	stats := &ReconciliationStats{}

	stale, err := s.reservations.FindStalePending(ctx, now.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	groups := groupReservations(stale)
	stats.StaleGroups = len(groups)
	for groupID, lines := range groups {
		s.retryGroup(ctx, groupID, lines, now, &stats.Finalized, &stats.Resolved, &stats.Rescheduled, &stats.Escalated)
	}

	if stats.StaleGroups > 0 {
		s.logger.Info("Reconciliation sweep completed",
			zap.Int("stale_groups", stats.StaleGroups),
			zap.Int("finalized", stats.Finalized),
			zap.Int("rescheduled", stats.Rescheduled),
			zap.Int("escalated", stats.Escalated),
		)
	}
	return stats, nil
}

// retryGroup attempts one finalize for the group and either counts the
// outcome or reschedules the group's lines for a later retry
func (s *CompensationService) retryGroup(
	ctx context.Context,
	groupID uuid.UUID,
	lines []credits.Reservation,
	now time.Time,
	finalized, resolved, rescheduled, escalated *int,
) {
	result, err := s.finalizer.Finalize(ctx, groupID)
	if err == nil {
		*resolved++
		if result.Finalized() {
			*finalized++
			s.logger.Info("Background finalize succeeded",
				zap.String("group_id", groupID.String()),
				zap.Int64("consumed", result.Consumed),
			)
		} else {
			s.logger.Warn("Background finalize resolved without consuming",
				zap.String("group_id", groupID.String()),
				zap.String("status", string(result.Status)),
			)
		}
		return
	}

	s.reschedule(ctx, groupID, lines, now, err, rescheduled, escalated)
}

// reschedule pushes the group's next retry out on a doubling schedule and
// extends deadlines to match. Lines at the attempt ceiling, or whose
// extension window cannot reach the next retry, escalate instead.
func (s *CompensationService) reschedule(
	ctx context.Context,
	groupID uuid.UUID,
	lines []credits.Reservation,
	now time.Time,
	cause error,
	rescheduled, escalated *int,
) {
	attempts := 0
	for i := range lines {
		if lines[i].BackgroundAttempts() > attempts {
			attempts = lines[i].BackgroundAttempts()
		}
	}

	nextRetry := now.Add(s.backoffFor(attempts))
	deadline := nextRetry.Add(s.config.DeadlinePadding)

	groupEscalated := false
	for i := range lines {
		line := &lines[i]
		if !line.IsPending() {
			continue
		}
		if line.BackgroundAttempts()+1 >= s.config.AttemptCeiling || !line.ExtendDeadline(deadline, s.config.MaxExtension) {
			if err := line.RequireCompensation(now); err != nil {
				continue
			}
			groupEscalated = true
		} else {
			line.RecordAttempt(cause.Error(), &nextRetry)
		}
		if err := s.reservations.Save(ctx, line); err != nil {
			s.logger.Error("Failed to persist retry schedule",
				zap.String("group_id", groupID.String()),
				zap.String("reservation_id", line.ID.String()),
				zap.Error(err),
			)
		}
	}

	if groupEscalated {
		*escalated++
		s.logger.Error("Reservation escalated to compensation queue",
			zap.String("group_id", groupID.String()),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return
	}
	*rescheduled++
	s.logger.Warn("Background finalize failed, retry rescheduled",
		zap.String("group_id", groupID.String()),
		zap.Int("attempts", attempts),
		zap.Time("next_retry_at", nextRetry),
		zap.Error(cause),
	)
}

// backoffFor doubles the retry interval with each recorded attempt, clamped
// to the configured ceiling
func (s *CompensationService) backoffFor(attempts int) time.Duration {
	backoff := s.config.MinBackoff
	for i := 0; i < attempts && backoff < s.config.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > s.config.MaxBackoff {
		backoff = s.config.MaxBackoff
	}
	return backoff
}

// protectNearingExpiry keeps lines that already saw a finalize attempt from
// expiring while unresolved. An attempted finalize means the send happened,
// so letting the line lapse into a release would under-bill. Untouched lines
// (no attempts) are left to expire: their send outcome is unknown and release
// is the safe default.
func (s *CompensationService) protectNearingExpiry(ctx context.Context, now time.Time, stats *CompensationSweepStats) error {
	nearing, err := s.reservations.FindNearingExpiry(ctx, now, s.config.NearExpiryWindow, s.config.BatchSize)
	if err != nil {
		return err
	}

	nextRetry := now.Add(s.backoffFor(1))
	deadline := nextRetry.Add(s.config.DeadlinePadding)
	for i := range nearing {
		line := &nearing[i]
		if line.AttemptCount == 0 {
			continue
		}
		if line.ExtendDeadline(deadline, s.config.MaxExtension) {
			line.NextRetryAt = &nextRetry
			stats.Extended++
		} else {
			if err := line.RequireCompensation(now); err != nil {
				continue
			}
			stats.Escalated++
			s.logger.Error("Reservation at extension cap escalated to compensation queue",
				zap.String("group_id", line.GroupID.String()),
				zap.String("reservation_id", line.ID.String()),
			)
		}
		if err := s.reservations.Save(ctx, line); err != nil {
			s.logger.Error("Failed to persist deadline extension",
				zap.String("reservation_id", line.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// logCompensationQueue samples the queue so operators see concrete stuck
// reservations, not just a depth number
func (s *CompensationService) logCompensationQueue(ctx context.Context, depth int64) {
	sample, err := s.reservations.FindCompensationRequired(ctx, s.config.QueueSampleSize)
	if err != nil {
		s.logger.Error("Compensation queue has entries but sampling failed",
			zap.Int64("queue_depth", depth),
			zap.Error(err),
		)
		return
	}
	for i := range sample {
		line := &sample[i]
		s.logger.Error("Reservation awaiting compensation",
			zap.String("group_id", line.GroupID.String()),
			zap.String("reservation_id", line.ID.String()),
			zap.String("tenant_id", line.TenantID.String()),
			zap.String("pack_type", string(line.PackType)),
			zap.Int64("quantity", line.Quantity),
			zap.Int("attempts", line.AttemptCount),
			zap.String("last_error", line.LastError),
		)
	}
	s.logger.Error("Compensation queue is non-empty",
		zap.Int64("queue_depth", depth),
	)
}

// groupReservations buckets ledger lines by their group ID
func groupReservations(lines []credits.Reservation) map[uuid.UUID][]credits.Reservation {
	groups := make(map[uuid.UUID][]credits.Reservation)
	for _, line := range lines {
		groups[line.GroupID] = append(groups[line.GroupID], line)
	}
	return groups
}
