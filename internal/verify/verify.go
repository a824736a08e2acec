// Package verify implements the human verification gateway. Candidates
// that score well but not well enough to store on their own wait here for
// a yes/no from a person; silence past the timeout counts as no.
package verify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/notify"
	"github.com/sells-group/docdex/internal/store"
)

// sweepBatch caps how many expired verifications one sweep pass settles.
const sweepBatch = 50

// Store is the slice of the persistence layer the gateway needs.
type Store interface {
	GetRequest(ctx context.Context, id string) (*model.AcquisitionRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, from, to model.AcquisitionStatus) error
	ExpiredVerifications(ctx context.Context, cutoff time.Time, limit int) ([]model.AcquisitionRequest, error)
	UpsertAtom(ctx context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error)
	MarkAtomVerified(ctx context.Context, atomID string, verified bool) error
	SupersedeAtom(ctx context.Context, oldID, newID string) error
	ResolveGap(ctx context.Context, entityKey string, docType model.DocumentType, atomID string) error
	ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error
}

// Gateway applies human verdicts to parked requests and expires the ones
// nobody answered.
type Gateway struct {
	store    Store
	notifier notify.Notifier
	cfg      config.VerifyConfig
}

// New creates a verification gateway.
func New(st Store, notifier notify.Notifier, cfg config.VerifyConfig) *Gateway {
	return &Gateway{store: st, notifier: notifier, cfg: cfg}
}

// SubmitVerdict applies a human answer to a parked request. Accepting
// stores the best candidate as a verified atom; declining closes the
// request and leaves the gap open. The status transition is the atomicity
// point: losing a race against the expiry sweep (or a second answer)
// surfaces as store.ErrStatusConflict.
func (g *Gateway) SubmitVerdict(ctx context.Context, requestID string, accepted bool) (*model.KnowledgeAtom, error) {
	req, err := g.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "verify: load request")
	}
	if req.Status != model.AcquisitionNeedsVerification {
		return nil, eris.Wrapf(store.ErrStatusConflict, "verify: request %s is %s", requestID, req.Status)
	}

	if !accepted {
		if err := g.store.UpdateRequestStatus(ctx, requestID, model.AcquisitionNeedsVerification, model.AcquisitionRejected); err != nil {
			return nil, eris.Wrap(err, "verify: reject request")
		}
		if err := g.store.ReleaseGap(ctx, req.EntityKey, req.DocumentType); err != nil {
			zap.L().Warn("verify: release gap",
				zap.String("entity_key", req.EntityKey), zap.Error(err))
		}
		zap.L().Info("verify: candidate rejected",
			zap.String("request_id", requestID),
			zap.String("entity_key", req.EntityKey))
		return nil, nil
	}

	best := req.BestCandidate()
	if best == nil {
		return nil, eris.Errorf("verify: request %s has no candidates", requestID)
	}

	if err := g.store.UpdateRequestStatus(ctx, requestID, model.AcquisitionNeedsVerification, model.AcquisitionVerified); err != nil {
		return nil, eris.Wrap(err, "verify: mark verified")
	}

	draft := model.AtomDraft{
		EntityKey:    req.EntityKey,
		DocumentType: best.DocumentType,
		Title:        best.Title,
		Body:         best.Snippet,
		SourceURL:    best.URL,
		Confidence:   best.Confidence,
		SourceType:   req.SourceType,
		SourceRef:    req.ID,
	}
	atom, err := g.store.UpsertAtom(ctx, draft)
	if err != nil {
		return nil, eris.Wrap(err, "verify: store atom")
	}
	if atom.SourceURL != best.URL {
		// The cached payload outranked the candidate, so the merge kept
		// it. But the human looked at the candidate and said yes, and
		// that verdict outranks any earlier score, verified or not.
		// Retire the stale row and land the candidate as its
		// replacement.
		draft.ID = uuid.NewString()
		if err := g.store.SupersedeAtom(ctx, atom.ID, draft.ID); err != nil {
			return nil, eris.Wrap(err, "verify: supersede stale atom")
		}
		zap.L().Info("verify: superseding stale payload",
			zap.String("old_atom_id", atom.ID),
			zap.String("new_atom_id", draft.ID),
			zap.String("entity_key", req.EntityKey))
		if atom, err = g.store.UpsertAtom(ctx, draft); err != nil {
			return nil, eris.Wrap(err, "verify: store replacement atom")
		}
	}
	if err := g.store.MarkAtomVerified(ctx, atom.ID, true); err != nil {
		return nil, eris.Wrap(err, "verify: pin verified confidence")
	}
	atom.HumanVerified = true

	if err := g.store.ResolveGap(ctx, req.EntityKey, req.DocumentType, atom.ID); err != nil {
		zap.L().Warn("verify: resolve gap",
			zap.String("entity_key", req.EntityKey), zap.Error(err))
	}

	zap.L().Info("verify: candidate accepted",
		zap.String("request_id", requestID),
		zap.String("entity_key", req.EntityKey),
		zap.String("atom_id", atom.ID),
		zap.String("url", best.URL))
	g.notifier.AcquisitionResolved(ctx, req, atom)
	return atom, nil
}

// ExpireStale rejects every verification request whose prompt has gone
// unanswered past the configured timeout. Returns how many it settled.
func (g *Gateway) ExpireStale(ctx context.Context) (int, error) {
	timeout := time.Duration(g.cfg.TimeoutHours) * time.Hour
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-timeout)

	expired, err := g.store.ExpiredVerifications(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, eris.Wrap(err, "verify: list expired verifications")
	}

	settled := 0
	for i := range expired {
		req := expired[i]
		if err := g.store.UpdateRequestStatus(ctx, req.ID, model.AcquisitionNeedsVerification, model.AcquisitionRejected); err != nil {
			// A human answer can land between the scan and this write;
			// losing that race is fine.
			if eris.Is(err, store.ErrStatusConflict) {
				continue
			}
			zap.L().Warn("verify: expire request",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if err := g.store.ReleaseGap(ctx, req.EntityKey, req.DocumentType); err != nil {
			zap.L().Warn("verify: release gap",
				zap.String("entity_key", req.EntityKey), zap.Error(err))
		}
		zap.L().Info("verify: verification timed out, rejected",
			zap.String("request_id", req.ID),
			zap.String("entity_key", req.EntityKey))
		settled++
	}
	return settled, nil
}

// Run starts the expiry sweep loop. It blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	interval := time.Duration(g.cfg.SweepIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "verify"))
	log.Info("starting verification sweep",
		zap.Duration("interval", interval),
		zap.Int("timeout_hours", g.cfg.TimeoutHours))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("verification sweep stopped")
			return
		case <-ticker.C:
			if n, err := g.ExpireStale(ctx); err != nil {
				log.Error("expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("expired unanswered verifications", zap.Int("settled", n))
			}
		}
	}
}
