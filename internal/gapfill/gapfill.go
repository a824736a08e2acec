// Package gapfill runs the background worker that turns recorded
// knowledge gaps into acquisitions, highest demand first.
package gapfill

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
)

// scanWindow is how many pending gaps one cycle scores in memory before
// picking the batch. Gaps outside the window wait for a later cycle.
const scanWindow = 200

// Store is the slice of the persistence layer the worker needs.
type Store interface {
	PendingGaps(ctx context.Context, limit int) ([]model.KnowledgeGap, error)
	ClaimGap(ctx context.Context, entityKey string, docType model.DocumentType, priorityScore float64) (bool, error)
	ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error
	OpenRequest(ctx context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error)
}

// Acquirer runs one acquisition attempt. Satisfied by discovery.Pipeline.
type Acquirer interface {
	Execute(ctx context.Context, req *model.AcquisitionRequest) error
}

// Worker fills cache gaps in priority order. Outbound pressure is bounded
// twice: the pipeline's shared limiter throttles individual provider
// calls, and a fixed inter-gap delay spaces whole acquisitions apart.
type Worker struct {
	store    Store
	acquirer Acquirer
	cfg      config.GapfillConfig
	vendors  []string
	boost    float64
	batch    int
	delay    time.Duration
}

// New creates a gap fill worker. The vendor allow-list is folded once so
// matching uses the same normalization as entity keys.
func New(st Store, acq Acquirer, cfg config.GapfillConfig) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 5
	}
	delay := time.Duration(cfg.DelaySecs) * time.Second
	if delay < 0 {
		delay = 0
	}
	boost := cfg.VendorBoost
	if boost <= 0 {
		boost = 1
	}
	var vendors []string
	for _, v := range cfg.VendorAllowlist {
		if folded := model.EntityKey(v); folded != "" {
			vendors = append(vendors, folded)
		}
	}
	return &Worker{
		store:    st,
		acquirer: acq,
		cfg:      cfg,
		vendors:  vendors,
		boost:    boost,
		batch:    batch,
		delay:    delay,
	}
}

// Score computes a gap's priority. Demand and open tickets scale
// linearly, recency decays from the configured maximum to zero across
// the horizon, and an allow-listed vendor multiplies the summed base.
func (w *Worker) Score(gap *model.KnowledgeGap, now time.Time) float64 {
	score := w.cfg.DemandWeight*float64(gap.OccurrenceCount) +
		w.cfg.TicketWeight*float64(gap.OpenTickets) +
		w.recency(gap.LastSeenAt, now)
	if w.vendorMatch(gap.EntityKey) {
		score *= w.boost
	}
	return score
}

func (w *Worker) recency(lastSeen, now time.Time) float64 {
	if w.cfg.RecencyMax <= 0 {
		return 0
	}
	horizonDays := w.cfg.RecencyHorizonDays
	if horizonDays <= 0 {
		horizonDays = 90
	}
	horizon := time.Duration(horizonDays) * 24 * time.Hour
	age := now.Sub(lastSeen)
	if age <= 0 {
		return w.cfg.RecencyMax
	}
	if age >= horizon {
		return 0
	}
	return w.cfg.RecencyMax * (1 - float64(age)/float64(horizon))
}

// vendorMatch reports whether the entity's manufacturer prefix is on the
// allow-list.
func (w *Worker) vendorMatch(entityKey string) bool {
	for _, v := range w.vendors {
		if strings.HasPrefix(entityKey, v) {
			return true
		}
	}
	return false
}

// RunOnce executes one fill cycle: score the pending gaps, claim the top
// of the batch, and drive each through an acquisition tagged
// background-fill. Returns how many acquisitions ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	gaps, err := w.store.PendingGaps(ctx, scanWindow)
	if err != nil {
		return 0, eris.Wrap(err, "gapfill: list pending gaps")
	}
	if len(gaps) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	type scored struct {
		gap   model.KnowledgeGap
		score float64
	}
	ranked := make([]scored, 0, len(gaps))
	for i := range gaps {
		ranked = append(ranked, scored{gap: gaps[i], score: w.Score(&gaps[i], now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > w.batch {
		ranked = ranked[:w.batch]
	}

	ran := 0
	for i := range ranked {
		if ran > 0 && w.delay > 0 {
			select {
			case <-ctx.Done():
				return ran, ctx.Err()
			case <-time.After(w.delay):
			}
		}

		gap := ranked[i].gap
		claimed, err := w.store.ClaimGap(ctx, gap.EntityKey, gap.DocumentType, ranked[i].score)
		if err != nil {
			zap.L().Warn("gapfill: claim gap",
				zap.String("entity_key", gap.EntityKey), zap.Error(err))
			continue
		}
		if !claimed {
			zap.L().Debug("gapfill: gap already in progress",
				zap.String("entity_key", gap.EntityKey))
			continue
		}
		gap.PriorityScore = ranked[i].score
		if w.fill(ctx, &gap) {
			ran++
		}
	}
	return ran, nil
}

// fill opens (or joins) the acquisition for one claimed gap and drives
// it. Returns true when an attempt actually ran.
func (w *Worker) fill(ctx context.Context, gap *model.KnowledgeGap) bool {
	req, created, err := w.store.OpenRequest(ctx, gap.EntityKey, gap.DocumentType, model.SourceBackgroundFill, "")
	if err != nil {
		zap.L().Error("gapfill: open request",
			zap.String("entity_key", gap.EntityKey), zap.Error(err))
		w.release(ctx, gap)
		return false
	}
	if !created && req.Status != model.AcquisitionPending {
		// A live request already owns this entity; its settle path will
		// resolve or release the gap. Retry timing stays with the scheduler.
		zap.L().Debug("gapfill: joined in-flight acquisition",
			zap.String("entity_key", gap.EntityKey),
			zap.String("request_id", req.ID),
			zap.String("status", string(req.Status)))
		return false
	}

	zap.L().Info("gapfill: filling gap",
		zap.String("entity_key", gap.EntityKey),
		zap.String("document_type", string(gap.DocumentType)),
		zap.String("request_id", req.ID),
		zap.Float64("priority", gap.PriorityScore))

	if err := w.acquirer.Execute(ctx, req); err != nil {
		zap.L().Warn("gapfill: acquisition failed",
			zap.String("entity_key", gap.EntityKey), zap.Error(err))
		w.release(ctx, gap)
		return false
	}
	return true
}

func (w *Worker) release(ctx context.Context, gap *model.KnowledgeGap) {
	if err := w.store.ReleaseGap(ctx, gap.EntityKey, gap.DocumentType); err != nil {
		zap.L().Warn("gapfill: release gap",
			zap.String("entity_key", gap.EntityKey), zap.Error(err))
	}
}

// Run starts the fill loop. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "gapfill"))
	log.Info("starting gap filler",
		zap.Duration("interval", interval),
		zap.Int("batch", w.batch),
		zap.Duration("inter_gap_delay", w.delay))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("gap filler stopped")
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err != nil {
				log.Error("gap fill cycle failed", zap.Error(err))
			} else if n > 0 {
				log.Info("gap fill cycle complete", zap.Int("filled", n))
			}
		}
	}
}
