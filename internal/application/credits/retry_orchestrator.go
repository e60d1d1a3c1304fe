package credits

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Finalizer is the slice of the consumption engine the retry machinery needs
type Finalizer interface {
	Finalize(ctx context.Context, groupID uuid.UUID) (*FinalizeResult, error)
}

// PersistentFailureError is returned by FinalizeDurably under the fail-closed
// policy when every inline attempt failed. The reservation is not lost: it
// was handed to the background compensation processor before this error was
// produced.
type PersistentFailureError struct {
	GroupID  uuid.UUID
	Attempts int
	LastErr  error
}

// Error implements the error interface
func (e *PersistentFailureError) Error() string {
	return fmt.Sprintf("finalize of reservation %s failed after %d attempts: %v", e.GroupID, e.Attempts, e.LastErr)
}

// Unwrap returns the last underlying error
func (e *PersistentFailureError) Unwrap() error {
	return e.LastErr
}

// RetryConfig holds the inline retry policy
type RetryConfig struct {
	// MaxAttempts bounds the synchronous, caller-blocking finalize attempts
	MaxAttempts int

	// BaseDelay seeds the exponential backoff between attempts
	BaseDelay time.Duration

	// MaxDelay caps a single inter-attempt sleep
	MaxDelay time.Duration

	// FailOpen controls what the caller sees after inline exhaustion. The
	// default (false) fails the caller's request while the background
	// processor keeps trying: prefer rejecting a request over under-billing.
	// Operators whose business tolerates it can flip this to fail open.
	FailOpen bool

	// HandoffRetryDelay schedules the first background retry after handoff
	HandoffRetryDelay time.Duration

	// HandoffDeadlinePadding keeps the reservation's deadline past its
	// scheduled retry so it cannot expire out from under the retry
	HandoffDeadlinePadding time.Duration

	// MaxExtension bounds total deadline extension from the reservation's
	// original expiry
	MaxExtension time.Duration
}

// DefaultRetryConfig returns the default inline retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:            3,
		BaseDelay:              time.Second,
		MaxDelay:               30 * time.Second,
		FailOpen:               false,
		HandoffRetryDelay:      2 * time.Minute,
		HandoffDeadlinePadding: time.Minute,
		MaxExtension:           24 * time.Hour,
	}
}

// RetryOrchestrator wraps finalize with bounded inline retries and persistent
// retry-state handoff for anything that still fails
type RetryOrchestrator struct {
	finalizer    Finalizer
	reservations credits.ReservationRepository
	logger       *zap.Logger
	config       RetryConfig
}

// NewRetryOrchestrator creates a new RetryOrchestrator
func NewRetryOrchestrator(
	finalizer Finalizer,
	reservations credits.ReservationRepository,
	logger *zap.Logger,
	config RetryConfig,
) *RetryOrchestrator {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.HandoffRetryDelay <= 0 {
		config.HandoffRetryDelay = defaults.HandoffRetryDelay
	}
	if config.HandoffDeadlinePadding <= 0 {
		config.HandoffDeadlinePadding = defaults.HandoffDeadlinePadding
	}
	if config.MaxExtension <= 0 {
		config.MaxExtension = defaults.MaxExtension
	}
	return &RetryOrchestrator{
		finalizer:    finalizer,
		reservations: reservations,
		logger:       logger,
		config:       config,
	}
}

// FinalizeDurably calls finalize up to MaxAttempts times, sleeping with
// exponential backoff plus jitter between attempts. Only transient errors are
// retried; business outcomes (expired, capacity exceeded) return immediately.
// Attempt state is persisted on the reservation rows before each retry so the
// background compensation processor can resume after a crash.
//
// On exhaustion the group is handed to the compensation queue with an
// extended deadline and a scheduled retry. Under the default fail-closed
// policy the caller then receives a PersistentFailureError alongside the
// deferred result; under fail-open the deferred result alone.
func (o *RetryOrchestrator) FinalizeDurably(ctx context.Context, groupID uuid.UUID) (*FinalizeResult, error) {
	var lastErr error

	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		result, err := o.finalizer.Finalize(ctx, groupID)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Persist attempt count and error on the rows themselves, not just
		// in-process memory: this is what lets the background processor pick
		// up where an inline loop left off, even across restarts.
		if _, perr := o.reservations.IncrementAttempts(ctx, groupID, err.Error(), nil); perr != nil {
			o.logger.Warn("Failed to persist finalize attempt state",
				zap.String("group_id", groupID.String()),
				zap.Error(perr),
			)
		}

		o.logger.Warn("Finalize attempt failed",
			zap.String("group_id", groupID.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.config.MaxAttempts),
			zap.Error(err),
		)

		if attempt < o.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.backoffDelay(attempt)):
			}
		}
	}

	o.handOff(ctx, groupID, lastErr)

	result := &FinalizeResult{Status: FinalizeStatusDeferred, GroupID: groupID}
	if o.config.FailOpen {
		o.logger.Warn("Finalize deferred to background processing, failing open",
			zap.String("group_id", groupID.String()),
			zap.Error(lastErr),
		)
		return result, nil
	}
	return result, &PersistentFailureError{
		GroupID:  groupID,
		Attempts: o.config.MaxAttempts,
		LastErr:  lastErr,
	}
}

// backoffDelay computes baseDelay * 2^(attempt-1) plus random jitter, capped
// at MaxDelay. Jitter spreads concurrent retry loops so they do not hammer
// the database in lockstep.
func (o *RetryOrchestrator) backoffDelay(attempt int) time.Duration {
	delay := o.config.BaseDelay << uint(attempt-1)
	delay += time.Duration(rand.Int63n(int64(o.config.BaseDelay)))
	if delay > o.config.MaxDelay {
		delay = o.config.MaxDelay
	}
	return delay
}

// handOff schedules the group for background retry, extending each line's
// deadline just past the scheduled retry time. Lines whose extension window
// is exhausted escalate straight to the compensation queue.
func (o *RetryOrchestrator) handOff(ctx context.Context, groupID uuid.UUID, lastErr error) {
	now := time.Now()
	nextRetry := now.Add(o.config.HandoffRetryDelay)
	deadline := nextRetry.Add(o.config.HandoffDeadlinePadding)

	rows, err := o.reservations.FindByGroup(ctx, groupID)
	if err != nil {
		o.logger.Error("Failed to load reservation for retry handoff",
			zap.String("group_id", groupID.String()),
			zap.Error(err),
		)
		return
	}

	for i := range rows {
		row := &rows[i]
		if !row.IsPending() {
			continue
		}
		if row.ExtendDeadline(deadline, o.config.MaxExtension) {
			row.MarkHandedOff()
			row.NextRetryAt = &nextRetry
			if lastErr != nil {
				row.LastError = lastErr.Error()
			}
		} else {
			if err := row.RequireCompensation(now); err != nil {
				continue
			}
			o.logger.Error("Reservation extension window exhausted, escalating to compensation",
				zap.String("group_id", groupID.String()),
				zap.String("reservation_id", row.ID.String()),
				zap.String("tenant_id", row.TenantID.String()),
			)
		}
		if err := o.reservations.Save(ctx, row); err != nil {
			o.logger.Error("Failed to persist retry handoff",
				zap.String("group_id", groupID.String()),
				zap.String("reservation_id", row.ID.String()),
				zap.Error(err),
			)
		}
	}

	o.logger.Info("Handed reservation to background compensation",
		zap.String("group_id", groupID.String()),
		zap.Time("next_retry_at", nextRetry),
	)
}
