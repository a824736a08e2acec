// Package discovery implements the acquisition pipeline: claim a request,
// search the web for candidate pages, score every candidate with the
// validation judge, and settle the request from the ranked verdicts.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/judge"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/notify"
	"github.com/sells-group/docdex/internal/resilience"
	"github.com/sells-group/docdex/pkg/jina"
)

// providerLogWindow bounds how often one held-failure signature is logged.
// A provider outage fails every in-flight request the same way; one line
// per window is enough.
const providerLogWindow = 10 * time.Minute

// Store is the slice of the persistence layer the pipeline needs.
type Store interface {
	ClaimForSearch(ctx context.Context, id string) (bool, error)
	UpdateRequestStatus(ctx context.Context, id string, from, to model.AcquisitionStatus) error
	SetRequestCandidates(ctx context.Context, id string, candidates []model.Candidate, bestConfidence float64) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error
	ExhaustRequest(ctx context.Context, id string, reason string) error
	MarkNeedsVerification(ctx context.Context, id string, at time.Time) error
	UpsertAtom(ctx context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error)
	ResolveGap(ctx context.Context, entityKey string, docType model.DocumentType, atomID string) error
	ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error
}

// Pipeline drives acquisition requests from claimed to settled. One
// instance is shared by the interactive dispatch path, the retry
// scheduler, and the gap filler, so its rate limiter is the global budget
// for all outbound provider calls.
type Pipeline struct {
	store    Store
	search   jina.Client
	judge    judge.Judge
	notifier notify.Notifier
	limiter  *rate.Limiter
	breakers *resilience.ServiceBreakers

	routing          config.RoutingConfig
	searchCfg        config.SearchConfig
	quotaHold        time.Duration
	judgeConcurrency int

	mu       sync.Mutex
	heldLogs map[string]*rate.Sometimes
}

// NewPipeline wires a pipeline from configuration. Zero or negative
// tuning values fall back to workable defaults so a sparse config file
// cannot produce a stalled pipeline.
func NewPipeline(st Store, search jina.Client, jd judge.Judge, notifier notify.Notifier, cfg *config.Config) *Pipeline {
	searchCfg := cfg.Search
	if searchCfg.RatePerSec <= 0 {
		searchCfg.RatePerSec = 1
	}
	if searchCfg.Burst <= 0 {
		searchCfg.Burst = 1
	}
	if searchCfg.MaxResults <= 0 {
		searchCfg.MaxResults = 8
	}
	if searchCfg.TimeoutSecs <= 0 {
		searchCfg.TimeoutSecs = 15
	}
	concurrency := cfg.Anthropic.JudgeConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	holdHours := cfg.Scheduler.QuotaHoldHours
	if holdHours <= 0 {
		holdHours = 24
	}
	return &Pipeline{
		store:    st,
		search:   search,
		judge:    jd,
		notifier: notifier,
		limiter:  rate.NewLimiter(rate.Limit(searchCfg.RatePerSec), searchCfg.Burst),
		breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig(
			cfg.Resilience.BreakerFailureThreshold, cfg.Resilience.BreakerResetSecs)),
		routing:          cfg.Routing,
		searchCfg:        searchCfg,
		quotaHold:        time.Duration(holdHours) * time.Hour,
		judgeConcurrency: concurrency,
		heldLogs:         make(map[string]*rate.Sometimes),
	}
}

// Execute runs one acquisition attempt end to end. The returned error
// reports infrastructure trouble, such as the store rejecting a write;
// provider failures and validation misses are settled into the request's
// retry state and return nil.
//
// Execute claims the request itself, so concurrent callers holding the
// same request are safe: exactly one proceeds, the rest return nil.
func (p *Pipeline) Execute(ctx context.Context, req *model.AcquisitionRequest) error {
	claimed, err := p.store.ClaimForSearch(ctx, req.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: claim request")
	}
	if !claimed {
		zap.L().Debug("pipeline: request not claimable",
			zap.String("request_id", req.ID),
			zap.String("entity_key", req.EntityKey))
		return nil
	}

	zap.L().Info("pipeline: acquisition attempt",
		zap.String("request_id", req.ID),
		zap.String("entity_key", req.EntityKey),
		zap.String("document_type", string(req.DocumentType)),
		zap.String("source_type", string(req.SourceType)),
		zap.Int("retry_count", req.RetryCount))

	results, err := p.runSearch(ctx, req)
	if err != nil {
		return p.settleFailure(ctx, req, err)
	}
	if len(results) == 0 {
		return p.settleMiss(ctx, req, "no search results")
	}

	candidates, err := p.judgeAll(ctx, req, results)
	if err != nil {
		return p.settleFailure(ctx, req, err)
	}

	// The full ranked list is persisted before disposition so a later
	// verification verdict or operator inspection sees every candidate,
	// not just the winner.
	best := candidates[0]
	if err := p.store.SetRequestCandidates(ctx, req.ID, candidates, best.Confidence); err != nil {
		return eris.Wrap(err, "pipeline: persist candidates")
	}

	switch {
	case best.Confidence >= p.routing.StoreThreshold:
		return p.complete(ctx, req, candidates)
	case best.Confidence >= p.routing.VerifyThreshold:
		return p.requestVerification(ctx, req, best)
	default:
		return p.settleMiss(ctx, req,
			fmt.Sprintf("best candidate %.2f below verify threshold", best.Confidence))
	}
}

// complete stores an atom for every candidate that cleared the store
// threshold on its own. Distinct document types for one entity coexist as
// separate atoms; duplicates of the same type merge in the store with
// confidence only ever rising.
func (p *Pipeline) complete(ctx context.Context, req *model.AcquisitionRequest, candidates []model.Candidate) error {
	var bestAtom *model.KnowledgeAtom
	stored := 0
	for _, cand := range candidates {
		if cand.Confidence < p.routing.StoreThreshold {
			break // ordered best-first
		}
		atom, err := p.store.UpsertAtom(ctx, model.AtomDraft{
			EntityKey:    req.EntityKey,
			DocumentType: cand.DocumentType,
			Title:        cand.Title,
			Body:         cand.Snippet,
			SourceURL:    cand.URL,
			Confidence:   cand.Confidence,
			SourceType:   req.SourceType,
			SourceRef:    req.ID,
		})
		if err != nil {
			return eris.Wrap(err, "pipeline: store atom")
		}
		stored++
		if bestAtom == nil {
			bestAtom = atom
		}
	}

	if err := p.store.ResolveGap(ctx, req.EntityKey, req.DocumentType, bestAtom.ID); err != nil {
		zap.L().Warn("pipeline: resolve gap",
			zap.String("entity_key", req.EntityKey), zap.Error(err))
	}
	if err := p.store.UpdateRequestStatus(ctx, req.ID, model.AcquisitionSearching, model.AcquisitionCompleted); err != nil {
		return eris.Wrap(err, "pipeline: complete request")
	}

	zap.L().Info("pipeline: acquisition completed",
		zap.String("request_id", req.ID),
		zap.String("entity_key", req.EntityKey),
		zap.Int("atoms_stored", stored),
		zap.Float64("best_confidence", candidates[0].Confidence))
	p.notifier.AcquisitionResolved(ctx, req, bestAtom)
	return nil
}

// requestVerification parks the request for a human verdict on the best
// candidate. The verification sweep rejects it if nobody answers in time.
func (p *Pipeline) requestVerification(ctx context.Context, req *model.AcquisitionRequest, best model.Candidate) error {
	if err := p.store.MarkNeedsVerification(ctx, req.ID, time.Now().UTC()); err != nil {
		return eris.Wrap(err, "pipeline: mark needs verification")
	}
	zap.L().Info("pipeline: verification requested",
		zap.String("request_id", req.ID),
		zap.String("entity_key", req.EntityKey),
		zap.String("url", best.URL),
		zap.Float64("confidence", best.Confidence))
	p.notifier.VerificationPrompt(ctx, req, &best)
	return nil
}

// settleMiss handles a normal empty outcome: the search ran and nothing
// clearing the verify threshold came back. The next rung of the ladder
// gets another try.
func (p *Pipeline) settleMiss(ctx context.Context, req *model.AcquisitionRequest, reason string) error {
	zap.L().Info("pipeline: no usable candidate",
		zap.String("request_id", req.ID),
		zap.String("entity_key", req.EntityKey),
		zap.String("reason", reason))
	return p.scheduleNext(ctx, req, reason)
}

// settleFailure handles a provider call that errored. Transient failures
// climb the ladder like a miss; quota and permanent failures take a fixed
// hold without consuming a rung, since retrying on the normal schedule
// cannot help until the provider condition clears.
func (p *Pipeline) settleFailure(ctx context.Context, req *model.AcquisitionRequest, cause error) error {
	class := resilience.Classify(cause)
	if class == resilience.FailureTransient {
		zap.L().Warn("pipeline: provider failure",
			zap.String("request_id", req.ID),
			zap.String("entity_key", req.EntityKey),
			zap.Error(cause))
		return p.scheduleNext(ctx, req, cause.Error())
	}

	p.logHeldFailure(req, class, cause)
	next := time.Now().UTC().Add(p.quotaHold)
	if err := p.store.ScheduleRetry(ctx, req.ID, req.RetryCount, next, cause.Error()); err != nil {
		return eris.Wrap(err, "pipeline: schedule hold")
	}
	return nil
}

// scheduleNext advances the request one rung up the retry ladder, or
// exhausts it once the ladder is spent.
func (p *Pipeline) scheduleNext(ctx context.Context, req *model.AcquisitionRequest, reason string) error {
	attempt := req.RetryCount + 1
	delay, ok := model.NextRetryDelay(attempt)
	if !ok {
		return p.exhaust(ctx, req, reason)
	}
	next := time.Now().UTC().Add(delay)
	if err := p.store.ScheduleRetry(ctx, req.ID, attempt, next, reason); err != nil {
		return eris.Wrap(err, "pipeline: schedule retry")
	}
	zap.L().Info("pipeline: retry scheduled",
		zap.String("request_id", req.ID),
		zap.Int("attempt", attempt),
		zap.Time("next_retry_at", next),
		zap.String("reason", reason))
	return nil
}

// exhaust closes the request after the last ladder rung. The gap is
// released rather than resolved so a future demand signal can reopen the
// hunt.
func (p *Pipeline) exhaust(ctx context.Context, req *model.AcquisitionRequest, reason string) error {
	if err := p.store.ExhaustRequest(ctx, req.ID, reason); err != nil {
		return eris.Wrap(err, "pipeline: exhaust request")
	}
	if err := p.store.ReleaseGap(ctx, req.EntityKey, req.DocumentType); err != nil {
		zap.L().Warn("pipeline: release gap",
			zap.String("entity_key", req.EntityKey), zap.Error(err))
	}
	zap.L().Warn("pipeline: retries exhausted",
		zap.String("request_id", req.ID),
		zap.String("entity_key", req.EntityKey),
		zap.Int("retry_count", req.RetryCount),
		zap.String("reason", reason))
	p.notifier.AcquisitionExhausted(ctx, req)
	return nil
}

// logHeldFailure logs a quota or permanent provider failure, deduplicated
// per error signature: a provider outage fails every in-flight request
// identically, and one line per window says everything the next hundred
// would.
func (p *Pipeline) logHeldFailure(req *model.AcquisitionRequest, class resilience.FailureClass, cause error) {
	sig := string(class) + "|" + cause.Error()
	p.mu.Lock()
	s, ok := p.heldLogs[sig]
	if !ok {
		s = &rate.Sometimes{Interval: providerLogWindow}
		p.heldLogs[sig] = s
	}
	p.mu.Unlock()

	s.Do(func() {
		zap.L().Error("pipeline: provider failure, holding off ladder",
			zap.String("class", string(class)),
			zap.String("request_id", req.ID),
			zap.String("entity_key", req.EntityKey),
			zap.Duration("hold", p.quotaHold),
			zap.Error(cause))
	})
}
