// Package router implements confidence-based routing for interactive
// lookups. Resolve is synchronous and answers from the cache in
// well under a second; anything slow (searching, judging) is dispatched
// as a detached background acquisition and never blocks the caller.
package router

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/store"
)

// Store is the slice of the persistence layer the router touches.
type Store interface {
	GetAtom(ctx context.Context, entityKey string, docType model.DocumentType) (*model.KnowledgeAtom, error)
	RecordAtomHit(ctx context.Context, atomID string) error
	RecordGapDemand(ctx context.Context, entityKey string, docType model.DocumentType) error
	OpenRequest(ctx context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error)
}

// Acquirer runs background acquisition attempts. Satisfied by
// discovery.Pipeline.
type Acquirer interface {
	Execute(ctx context.Context, req *model.AcquisitionRequest) error
}

// Observer receives one observation per resolved lookup. Satisfied by
// monitoring.Tracker.
type Observer interface {
	Observe(decision model.RouteDecision, elapsed time.Duration)
}

// Router routes lookups by effective confidence: serve, serve-and-refresh,
// or start a fresh acquisition.
type Router struct {
	store    Store
	acquirer Acquirer
	observer Observer
	routing  config.RoutingConfig
}

// New builds a router. observer may be nil.
func New(st Store, acq Acquirer, obs Observer, routing config.RoutingConfig) *Router {
	return &Router{store: st, acquirer: acq, observer: obs, routing: routing}
}

// Resolve answers one lookup. A store read failure fails closed: the
// caller gets an error rather than possibly-wrong cached data, and the
// condition is logged for immediate attention.
func (r *Router) Resolve(ctx context.Context, q model.Query) (*model.Resolution, error) {
	start := time.Now()

	if !model.ValidDocumentType(q.DocumentType) {
		return nil, eris.Errorf("router: invalid document type %q", q.DocumentType)
	}
	entityKey := model.EntityKey(q.EntityHint)
	if entityKey == "" {
		return nil, eris.New("router: empty entity hint")
	}

	atom, err := r.store.GetAtom(ctx, entityKey, q.DocumentType)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		zap.L().Error("router: store read failed, failing closed",
			zap.String("entity_key", entityKey),
			zap.String("document_type", string(q.DocumentType)),
			zap.Error(err))
		return nil, eris.Wrap(err, "router: read atom")
	}

	res := &model.Resolution{EntityKey: entityKey}
	switch {
	case atom != nil && atom.EffectiveConfidence() >= r.routing.ServeThreshold:
		res.Decision = model.RouteServeCached
		res.Atom = atom
		r.recordHit(ctx, atom.ID)

	case atom != nil && atom.EffectiveConfidence() >= r.routing.BackfillThreshold:
		res.Decision = model.RouteBackfill
		res.Atom = atom
		r.recordHit(ctx, atom.ID)
		res.RequestID = r.startAcquisition(ctx, entityKey, q)

	default:
		// No atom, or one too weak to serve. Count the demand and
		// kick off (or join) an acquisition.
		res.Decision = model.RouteSearchFresh
		if err := r.store.RecordGapDemand(ctx, entityKey, q.DocumentType); err != nil {
			zap.L().Warn("router: record gap demand",
				zap.String("entity_key", entityKey), zap.Error(err))
		}
		res.RequestID = r.startAcquisition(ctx, entityKey, q)
	}

	elapsed := time.Since(start)
	if r.observer != nil {
		r.observer.Observe(res.Decision, elapsed)
	}
	zap.L().Debug("router: resolved",
		zap.String("entity_key", entityKey),
		zap.String("decision", string(res.Decision)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// startAcquisition opens or joins the single-flight request for the key
// and, when it opened a fresh one, hands it to the pipeline on a detached
// context so the caller disconnecting never cancels the hunt. Returns the
// request ID, or "" when even opening the request failed; the lookup
// itself still succeeds.
func (r *Router) startAcquisition(ctx context.Context, entityKey string, q model.Query) string {
	req, created, err := r.store.OpenRequest(ctx, entityKey, q.DocumentType, model.SourceInteractive, q.RequesterRef)
	if err != nil {
		zap.L().Error("router: open acquisition request",
			zap.String("entity_key", entityKey),
			zap.String("document_type", string(q.DocumentType)),
			zap.Error(err))
		return ""
	}
	if created {
		bg := context.WithoutCancel(ctx)
		go func() {
			if err := r.acquirer.Execute(bg, req); err != nil {
				zap.L().Error("router: background acquisition failed",
					zap.String("request_id", req.ID),
					zap.String("entity_key", req.EntityKey),
					zap.Error(err))
			}
		}()
	} else {
		zap.L().Debug("router: joined in-flight acquisition",
			zap.String("request_id", req.ID),
			zap.String("entity_key", entityKey))
	}
	return req.ID
}

// recordHit bumps usage counters off the request path; serving a cached
// answer never waits on a write.
func (r *Router) recordHit(ctx context.Context, atomID string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := r.store.RecordAtomHit(bg, atomID); err != nil {
			zap.L().Warn("router: record atom hit",
				zap.String("atom_id", atomID), zap.Error(err))
		}
	}()
}
