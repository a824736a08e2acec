// Package scheduler re-enters due retries on a fixed cadence and reclaims
// requests stranded mid-attempt by a crash.
package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/store"
)

// stallTimeout is how long a request may sit in searching before the
// sweep assumes its worker died. The slowest legitimate attempt (full
// result set, every page fetched, judges queued) finishes well inside it.
const stallTimeout = 15 * time.Minute

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.AcquisitionRequest, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.AcquisitionRequest, error)
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error
}

// Acquirer runs one acquisition attempt. Satisfied by discovery.Pipeline.
type Acquirer interface {
	Execute(ctx context.Context, req *model.AcquisitionRequest) error
}

// Scheduler owns the retry sweep loop.
type Scheduler struct {
	store    Store
	acquirer Acquirer
	cfg      config.SchedulerConfig
}

// New creates a scheduler over the shared store and pipeline.
func New(st Store, acq Acquirer, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: st, acquirer: acq, cfg: cfg}
}

// Run starts the periodic sweep loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("starting retry scheduler",
		zap.Duration("interval", interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			s.ReclaimStalled(ctx)
			if n, err := s.Sweep(ctx); err != nil {
				log.Error("sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("sweep complete", zap.Int("re_entered", n))
			}
		}
	}
}

// Sweep re-enters every acquisition whose next_retry_at has passed.
// Requests run serially: each attempt already fans out internally, and
// the shared rate budget is the real throttle. Idempotent under overlap,
// since the pipeline's atomic claim turns a double sweep into a no-op.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	due, err := s.store.DueRetries(ctx, time.Now().UTC(), batch)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: list due retries")
	}

	ran := 0
	for i := range due {
		req := due[i]
		if err := s.acquirer.Execute(ctx, &req); err != nil {
			zap.L().Error("scheduler: retry attempt failed",
				zap.String("request_id", req.ID),
				zap.String("entity_key", req.EntityKey),
				zap.Error(err))
			continue
		}
		ran++
	}
	return ran, nil
}

// ReclaimStalled moves requests stuck in searching past the stall cutoff
// back to retrying with an immediate due time. The rung count is left
// alone: a crashed worker is not a failed attempt.
func (s *Scheduler) ReclaimStalled(ctx context.Context) {
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	stuck, err := s.store.ListRequests(ctx, store.RequestFilter{
		Status: model.AcquisitionSearching,
		Limit:  batch,
	})
	if err != nil {
		zap.L().Warn("scheduler: list searching requests", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-stallTimeout)
	for i := range stuck {
		req := stuck[i]
		if req.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.ScheduleRetry(ctx, req.ID, req.RetryCount, time.Now().UTC(), "reclaimed after stall"); err != nil {
			zap.L().Warn("scheduler: reclaim stalled request",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		zap.L().Warn("scheduler: reclaimed stalled request",
			zap.String("request_id", req.ID),
			zap.String("entity_key", req.EntityKey),
			zap.Time("stalled_since", req.UpdatedAt))
	}
}
