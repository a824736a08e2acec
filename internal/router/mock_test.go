package router

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/docdex/internal/model"
)

// mockStore implements Store for testing. Hit recording and dispatch run
// on goroutines, so every recorded field is guarded.
type mockStore struct {
	mu sync.Mutex

	atom   *model.KnowledgeAtom
	getErr error
	gets   []string

	hits    []string
	demands []string

	openReq *model.AcquisitionRequest
	created bool
	openErr error
	opens   []openCall
}

type openCall struct {
	entityKey    string
	docType      model.DocumentType
	source       model.SourceType
	requesterRef string
}

func (m *mockStore) GetAtom(_ context.Context, entityKey string, _ model.DocumentType) (*model.KnowledgeAtom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, entityKey)
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.atom, nil
}

func (m *mockStore) RecordAtomHit(_ context.Context, atomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = append(m.hits, atomID)
	return nil
}

func (m *mockStore) RecordGapDemand(_ context.Context, entityKey string, _ model.DocumentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.demands = append(m.demands, entityKey)
	return nil
}

func (m *mockStore) OpenRequest(_ context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens = append(m.opens, openCall{entityKey: entityKey, docType: docType, source: source, requesterRef: requesterRef})
	if m.openErr != nil {
		return nil, false, m.openErr
	}
	if m.openReq != nil {
		return m.openReq, m.created, nil
	}
	return &model.AcquisitionRequest{
		ID:           "req-1",
		EntityKey:    entityKey,
		DocumentType: docType,
		SourceType:   source,
		RequesterRef: requesterRef,
		Status:       model.AcquisitionPending,
	}, true, nil
}

func (m *mockStore) hitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

func (m *mockStore) openCalls() []openCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]openCall(nil), m.opens...)
}

func (m *mockStore) demandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.demands)
}

// mockAcquirer implements Acquirer for testing.
type mockAcquirer struct {
	mu   sync.Mutex
	reqs []*model.AcquisitionRequest
	err  error
}

func (m *mockAcquirer) Execute(_ context.Context, req *model.AcquisitionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return m.err
}

func (m *mockAcquirer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reqs)
}

func (m *mockAcquirer) last() *model.AcquisitionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) == 0 {
		return nil
	}
	return m.reqs[len(m.reqs)-1]
}

// mockObserver implements Observer for testing.
type mockObserver struct {
	mu        sync.Mutex
	decisions []model.RouteDecision
	elapsed   []time.Duration
}

func (m *mockObserver) Observe(decision model.RouteDecision, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
	m.elapsed = append(m.elapsed, elapsed)
}
