package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/docdex/internal/judge"
	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/pkg/jina"
)

// mockStore implements Store for testing.
type mockStore struct {
	claimResult bool
	claimErr    error
	claims      []string

	statusUpdates []statusUpdate
	candidateSets []candidateSet
	retries       []retryCall
	retryErr      error
	exhausted     []string
	verifications []string

	atoms     []model.AtomDraft
	upsertErr error

	resolvedGaps []string
	releasedGaps []string
}

type statusUpdate struct {
	id       string
	from, to model.AcquisitionStatus
}

type candidateSet struct {
	id         string
	candidates []model.Candidate
	best       float64
}

type retryCall struct {
	id         string
	retryCount int
	nextAt     time.Time
	reason     string
}

func (m *mockStore) ClaimForSearch(_ context.Context, id string) (bool, error) {
	m.claims = append(m.claims, id)
	if m.claimErr != nil {
		return false, m.claimErr
	}
	return m.claimResult, nil
}

func (m *mockStore) UpdateRequestStatus(_ context.Context, id string, from, to model.AcquisitionStatus) error {
	m.statusUpdates = append(m.statusUpdates, statusUpdate{id: id, from: from, to: to})
	return nil
}

func (m *mockStore) SetRequestCandidates(_ context.Context, id string, candidates []model.Candidate, best float64) error {
	m.candidateSets = append(m.candidateSets, candidateSet{id: id, candidates: candidates, best: best})
	return nil
}

func (m *mockStore) ScheduleRetry(_ context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error {
	m.retries = append(m.retries, retryCall{id: id, retryCount: retryCount, nextAt: nextRetryAt, reason: reason})
	return m.retryErr
}

func (m *mockStore) ExhaustRequest(_ context.Context, id string, _ string) error {
	m.exhausted = append(m.exhausted, id)
	return nil
}

func (m *mockStore) MarkNeedsVerification(_ context.Context, id string, _ time.Time) error {
	m.verifications = append(m.verifications, id)
	return nil
}

func (m *mockStore) UpsertAtom(_ context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.atoms = append(m.atoms, draft)
	return &model.KnowledgeAtom{
		ID:           fmt.Sprintf("atom-%d", len(m.atoms)),
		EntityKey:    draft.EntityKey,
		DocumentType: draft.DocumentType,
		Title:        draft.Title,
		SourceURL:    draft.SourceURL,
		Confidence:   draft.Confidence,
		SourceType:   draft.SourceType,
	}, nil
}

func (m *mockStore) ResolveGap(_ context.Context, entityKey string, _ model.DocumentType, atomID string) error {
	m.resolvedGaps = append(m.resolvedGaps, entityKey+"/"+atomID)
	return nil
}

func (m *mockStore) ReleaseGap(_ context.Context, entityKey string, _ model.DocumentType) error {
	m.releasedGaps = append(m.releasedGaps, entityKey)
	return nil
}

// mockSearch implements jina.Client for testing. The pipeline reads pages
// from several goroutines, so recorded calls are guarded.
type mockSearch struct {
	mu sync.Mutex

	searchResp  *jina.SearchResponse
	searchErr   error
	searchCalls []string
	searchOpts  []int

	readContent map[string]string
	readErr     error
	readCalls   []string
}

func (m *mockSearch) Search(_ context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls = append(m.searchCalls, query)
	m.searchOpts = append(m.searchOpts, len(opts))
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if m.searchResp != nil {
		return m.searchResp, nil
	}
	return &jina.SearchResponse{Code: 200}, nil
}

func (m *mockSearch) Read(_ context.Context, targetURL string) (*jina.ReadResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = append(m.readCalls, targetURL)
	if m.readErr != nil {
		return nil, m.readErr
	}
	content := "fetched page content"
	if c, ok := m.readContent[targetURL]; ok {
		content = c
	}
	return &jina.ReadResponse{Code: 200, Data: jina.ReadData{URL: targetURL, Content: content}}, nil
}

// mockJudge implements judge.Judge for testing, returning canned verdicts
// keyed by candidate URL.
type mockJudge struct {
	mu       sync.Mutex
	verdicts map[string]*judge.Judgment
	err      error
	errFor   string // URL the error applies to; empty means every call
	pages    []judge.CandidatePage
}

func (m *mockJudge) Validate(_ context.Context, _ judge.EntityContext, page judge.CandidatePage) (*judge.Judgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, page)
	if m.err != nil && (m.errFor == "" || m.errFor == page.URL) {
		return nil, m.err
	}
	if v, ok := m.verdicts[page.URL]; ok {
		return v, nil
	}
	return &judge.Judgment{Confidence: 0.1, DocumentType: model.DocTypeSpec, Reasoning: "unrelated page"}, nil
}

// mockNotifier implements notify.Notifier for testing.
type mockNotifier struct {
	prompts    []string
	promptCand []*model.Candidate
	resolved   []string
	atoms      []*model.KnowledgeAtom
	exhausted  []string
}

func (m *mockNotifier) VerificationPrompt(_ context.Context, req *model.AcquisitionRequest, cand *model.Candidate) {
	m.prompts = append(m.prompts, req.ID)
	m.promptCand = append(m.promptCand, cand)
}

func (m *mockNotifier) AcquisitionResolved(_ context.Context, req *model.AcquisitionRequest, atom *model.KnowledgeAtom) {
	m.resolved = append(m.resolved, req.ID)
	m.atoms = append(m.atoms, atom)
}

func (m *mockNotifier) AcquisitionExhausted(_ context.Context, req *model.AcquisitionRequest) {
	m.exhausted = append(m.exhausted, req.ID)
}
