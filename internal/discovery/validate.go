package discovery

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docdex/internal/judge"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/resilience"
	"github.com/sells-group/docdex/pkg/jina"
)

// judgeAll scores every search result and returns the judged candidates
// ordered best-first. A provider error on any candidate fails the whole
// batch: disposition decisions need the complete ranked list, and a
// partial one would make them on missing evidence.
func (p *Pipeline) judgeAll(ctx context.Context, req *model.AcquisitionRequest, results []jina.SearchResult) ([]model.Candidate, error) {
	ec := judge.EntityContext{
		EntityKey:    req.EntityKey,
		DocumentType: req.DocumentType,
	}

	candidates := make([]model.Candidate, len(results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.judgeConcurrency)
	for i, res := range results {
		i, res := i, res
		g.Go(func() error {
			content := res.Content
			if content == "" {
				fetched, err := p.fetchExcerpt(gctx, res.URL)
				if err != nil {
					return err
				}
				content = fetched
			}

			page := judge.CandidatePage{
				Candidate: model.Candidate{
					URL:     res.URL,
					Title:   res.Title,
					Snippet: snippetOf(res),
				},
				Content: content,
			}

			if err := p.limiter.Wait(gctx); err != nil {
				return eris.Wrap(err, "pipeline: judge rate limit")
			}
			verdict, err := resilience.ExecuteVal(gctx, p.breakers.Get("judge"), func(ctx context.Context) (*judge.Judgment, error) {
				return p.judge.Validate(ctx, ec, page)
			})
			if err != nil {
				return err
			}

			cand := page.Candidate
			cand.Confidence = verdict.Confidence
			cand.DocumentType = verdict.DocumentType
			cand.Reasoning = verdict.Reasoning
			candidates[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Confidence > candidates[b].Confidence
	})
	return candidates, nil
}
