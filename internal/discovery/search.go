package discovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/resilience"
	"github.com/sells-group/docdex/pkg/jina"
)

// buildQuery composes the web search query for a request. The document
// type steers the search toward the right class of page.
func buildQuery(entityKey string, docType model.DocumentType) string {
	switch docType {
	case model.DocTypeSpec:
		return entityKey + " technical specifications datasheet"
	case model.DocTypeProcedure:
		return entityKey + " service manual procedure"
	case model.DocTypeTip:
		return entityKey + " troubleshooting known issues"
	case model.DocTypePartReference:
		return entityKey + " parts catalog part number"
	default:
		return entityKey
	}
}

// runSearch queries the search provider for candidate pages, honoring the
// global rate budget and the search breaker. Results beyond the
// configured maximum are dropped; judging them would spend judge calls on
// the long tail.
func (p *Pipeline) runSearch(ctx context.Context, req *model.AcquisitionRequest) ([]jina.SearchResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pipeline: search rate limit")
	}

	query := buildQuery(req.EntityKey, req.DocumentType)
	sctx, cancel := context.WithTimeout(ctx, time.Duration(p.searchCfg.TimeoutSecs)*time.Second)
	defer cancel()

	var opts []jina.SearchOption
	if p.searchCfg.SiteFilter != "" {
		opts = append(opts, jina.WithSiteFilter(p.searchCfg.SiteFilter))
	}

	resp, err := resilience.ExecuteVal(sctx, p.breakers.Get("search"), func(ctx context.Context) (*jina.SearchResponse, error) {
		return p.search.Search(ctx, query, opts...)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: web search")
	}

	results := resp.Data
	if len(results) > p.searchCfg.MaxResults {
		results = results[:p.searchCfg.MaxResults]
	}
	zap.L().Debug("pipeline: search results",
		zap.String("query", query),
		zap.Int("results", len(results)))
	return results, nil
}

// fetchExcerpt pulls page content for judging when the search result came
// back without any. A failed fetch degrades to snippet-only judging
// rather than sinking the attempt; quota failures are the exception and
// surface so the whole attempt takes the hold.
func (p *Pipeline) fetchExcerpt(ctx context.Context, pageURL string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "pipeline: read rate limit")
	}

	rctx, cancel := context.WithTimeout(ctx, time.Duration(p.searchCfg.TimeoutSecs)*time.Second)
	defer cancel()

	resp, err := resilience.ExecuteVal(rctx, p.breakers.Get("search"), func(ctx context.Context) (*jina.ReadResponse, error) {
		return p.search.Read(ctx, pageURL)
	})
	if err != nil {
		if resilience.Classify(err) == resilience.FailureQuota {
			return "", eris.Wrap(err, "pipeline: read page")
		}
		zap.L().Debug("pipeline: page read failed, judging on snippet",
			zap.String("url", pageURL), zap.Error(err))
		return "", nil
	}
	return resp.Data.Content, nil
}

// snippetOf picks the short result summary for the persisted candidate:
// the description when present, otherwise the head of the returned
// content.
func snippetOf(res jina.SearchResult) string {
	if res.Description != "" {
		return res.Description
	}
	const max = 300
	if len(res.Content) > max {
		return res.Content[:max]
	}
	return res.Content
}
