package scheduler

import (
	"context"
	"sync"
	"time"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"go.uber.org/zap"
)

// CompensationSweeper runs the background recovery sweeps
type CompensationSweeper interface {
	RunCompensationSweep(ctx context.Context) (*appcredits.CompensationSweepStats, error)
	RunReconciliationSweep(ctx context.Context) (*appcredits.ReconciliationStats, error)
}

// ExpiryReleaser releases reservations past their deadline
type ExpiryReleaser interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// PackExpirer transitions overdue packs to expired
type PackExpirer interface {
	ExpirePacks(ctx context.Context) (int64, error)
}

// HealthReporter takes and evaluates pipeline health snapshots
type HealthReporter interface {
	ReportHealth(ctx context.Context) (*appcredits.HealthSnapshot, error)
}

// HealthObserver exports a health snapshot, typically to Prometheus gauges
type HealthObserver interface {
	Observe(snapshot *appcredits.HealthSnapshot)
}

// CompensationWorkerConfig holds configuration for the compensation worker
type CompensationWorkerConfig struct {
	// Enabled determines if the worker is active
	Enabled bool

	// CompensationInterval is how often expired reservations are released and
	// due retries are driven
	CompensationInterval time.Duration

	// ReconciliationInterval is how often stale pending reservations are
	// reconciled and overdue packs expired. A reconciliation also runs once
	// at startup to catch work stranded by the previous process.
	ReconciliationInterval time.Duration

	// MetricsInterval is how often health snapshots are taken and exported
	MetricsInterval time.Duration
}

// DefaultCompensationWorkerConfig returns default configuration
func DefaultCompensationWorkerConfig() CompensationWorkerConfig {
	return CompensationWorkerConfig{
		Enabled:                true,
		CompensationInterval:   60 * time.Second,
		ReconciliationInterval: 5 * time.Minute,
		MetricsInterval:        30 * time.Second,
	}
}

// CompensationWorker drives the periodic maintenance of the reservation
// ledger: expiry release, retry sweeps, reconciliation, pack expiry, and
// health reporting
type CompensationWorker struct {
	sweeper   CompensationSweeper
	releaser  ExpiryReleaser
	expirer   PackExpirer
	health    HealthReporter
	observer  HealthObserver
	logger    *zap.Logger
	config    CompensationWorkerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewCompensationWorker creates a new compensation worker. observer may be
// nil when metrics export is not wired.
func NewCompensationWorker(
	sweeper CompensationSweeper,
	releaser ExpiryReleaser,
	expirer PackExpirer,
	health HealthReporter,
	observer HealthObserver,
	logger *zap.Logger,
	config CompensationWorkerConfig,
) *CompensationWorker {
	return &CompensationWorker{
		sweeper:  sweeper,
		releaser: releaser,
		expirer:  expirer,
		health:   health,
		observer: observer,
		logger:   logger,
		config:   config,
	}
}

// Start starts the worker loops
func (w *CompensationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	if !w.config.Enabled {
		w.mu.Unlock()
		w.logger.Info("Compensation worker is disabled")
		return nil
	}
	w.isRunning = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.runCompensationLoop(ctx)

	w.wg.Add(1)
	go w.runReconciliationLoop(ctx)

	w.wg.Add(1)
	go w.runMetricsLoop(ctx)

	w.logger.Info("Compensation worker started",
		zap.Duration("compensation_interval", w.config.CompensationInterval),
		zap.Duration("reconciliation_interval", w.config.ReconciliationInterval),
		zap.Duration("metrics_interval", w.config.MetricsInterval),
	)

	return nil
}

// Stop gracefully stops the worker
func (w *CompensationWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	// Wait for goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Compensation worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Compensation worker stop timed out")
		return ctx.Err()
	}
}

// runCompensationLoop releases expired reservations and drives due retries on
// a fixed interval
func (w *CompensationWorker) runCompensationLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CompensationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Compensation loop stopping")
			return
		case <-ticker.C:
			w.executeCompensation(ctx)
		}
	}
}

// runReconciliationLoop reconciles stale reservations and expires overdue
// packs, starting with an immediate run so a restart picks up stranded work
// right away
func (w *CompensationWorker) runReconciliationLoop(ctx context.Context) {
	defer w.wg.Done()

	w.executeReconciliation(ctx)

	ticker := time.NewTicker(w.config.ReconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Reconciliation loop stopping")
			return
		case <-ticker.C:
			w.executeReconciliation(ctx)
		}
	}
}

// runMetricsLoop takes and exports health snapshots on a fixed interval
func (w *CompensationWorker) runMetricsLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Metrics loop stopping")
			return
		case <-ticker.C:
			w.executeHealthReport(ctx)
		}
	}
}

func (w *CompensationWorker) executeCompensation(ctx context.Context) {
	released, err := w.releaser.CleanupExpired(ctx)
	if err != nil {
		w.logger.Error("Expired reservation cleanup failed", zap.Error(err))
	} else if released > 0 {
		w.logger.Info("Released expired reservations", zap.Int64("count", released))
	}

	stats, err := w.sweeper.RunCompensationSweep(ctx)
	if err != nil {
		w.logger.Error("Compensation sweep failed", zap.Error(err))
		return
	}
	if stats.GroupsDue > 0 || stats.Escalated > 0 || stats.Extended > 0 {
		w.logger.Info("Compensation sweep completed",
			zap.Int("groups_due", stats.GroupsDue),
			zap.Int("finalized", stats.Finalized),
			zap.Int("rescheduled", stats.Rescheduled),
			zap.Int("escalated", stats.Escalated),
			zap.Int("extended", stats.Extended),
			zap.Int64("queue_depth", stats.QueueDepth),
		)
	}
}

func (w *CompensationWorker) executeReconciliation(ctx context.Context) {
	expired, err := w.expirer.ExpirePacks(ctx)
	if err != nil {
		w.logger.Error("Pack expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		w.logger.Info("Expired overdue packs", zap.Int64("count", expired))
	}

	if _, err := w.sweeper.RunReconciliationSweep(ctx); err != nil {
		w.logger.Error("Reconciliation sweep failed", zap.Error(err))
	}
}

func (w *CompensationWorker) executeHealthReport(ctx context.Context) {
	snapshot, err := w.health.ReportHealth(ctx)
	if err != nil {
		w.logger.Error("Health snapshot failed", zap.Error(err))
		return
	}
	if w.observer != nil {
		w.observer.Observe(snapshot)
	}
}
