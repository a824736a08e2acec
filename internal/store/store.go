package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrStatusConflict is returned when a guarded status transition finds the
// row in a different status than expected. Callers racing a sweep or a
// concurrent verdict treat this as "someone else got there first".
var ErrStatusConflict = eris.New("store: status conflict")

// AtomFilter specifies criteria for listing atoms.
type AtomFilter struct {
	DocumentType  model.DocumentType `json:"document_type,omitempty"`
	MinConfidence float64            `json:"min_confidence,omitempty"`
	VerifiedOnly  bool               `json:"verified_only,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// RequestFilter specifies criteria for listing acquisition requests.
type RequestFilter struct {
	Status    model.AcquisitionStatus `json:"status,omitempty"`
	EntityKey string                  `json:"entity_key,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}

// Stats summarizes cache health for the monitoring surface.
type Stats struct {
	TotalAtoms           int64            `json:"total_atoms"`
	VerifiedAtoms        int64            `json:"verified_atoms"`
	AvgConfidence        float64          `json:"avg_confidence"`
	AtomsByType          map[string]int64 `json:"atoms_by_type"`
	RequestsByStatus     map[string]int64 `json:"requests_by_status"`
	DueRetries           int64            `json:"due_retries"`
	PendingVerifications int64            `json:"pending_verifications"`
	PendingGaps          int64            `json:"pending_gaps"`
	InProgressGaps       int64            `json:"in_progress_gaps"`
	ResolvedGaps         int64            `json:"resolved_gaps"`
}

// Store defines the persistence interface for the knowledge cache.
type Store interface {
	// Atoms
	GetAtom(ctx context.Context, entityKey string, docType model.DocumentType) (*model.KnowledgeAtom, error)
	GetAtomByID(ctx context.Context, id string) (*model.KnowledgeAtom, error)
	UpsertAtom(ctx context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error)
	RecordAtomHit(ctx context.Context, atomID string) error
	MarkAtomVerified(ctx context.Context, atomID string, verified bool) error
	SupersedeAtom(ctx context.Context, oldID, newID string) error
	ListAtoms(ctx context.Context, filter AtomFilter) ([]model.KnowledgeAtom, error)

	// SeedAtoms loads operator-curated atoms in bulk. Unlike UpsertAtom it
	// replaces the payload of an existing current atom outright; usage
	// counters and identity are preserved.
	SeedAtoms(ctx context.Context, drafts []model.AtomDraft) (int64, error)

	// Acquisition requests. OpenRequest is the single-flight entry point:
	// it either creates a request or joins the live one for the key,
	// reporting which via the created flag.
	OpenRequest(ctx context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error)
	GetRequest(ctx context.Context, id string) (*model.AcquisitionRequest, error)
	GetActiveRequest(ctx context.Context, entityKey string, docType model.DocumentType) (*model.AcquisitionRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, from, to model.AcquisitionStatus) error
	ClaimForSearch(ctx context.Context, id string) (bool, error)
	SetRequestCandidates(ctx context.Context, id string, candidates []model.Candidate, bestConfidence float64) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error
	ExhaustRequest(ctx context.Context, id string, reason string) error
	MarkNeedsVerification(ctx context.Context, id string, at time.Time) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.AcquisitionRequest, error)
	ExpiredVerifications(ctx context.Context, cutoff time.Time, limit int) ([]model.AcquisitionRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.AcquisitionRequest, error)

	// Knowledge gaps
	RecordGapDemand(ctx context.Context, entityKey string, docType model.DocumentType) error
	SetGapTickets(ctx context.Context, entityKey string, docType model.DocumentType, openTickets int64) error
	PendingGaps(ctx context.Context, limit int) ([]model.KnowledgeGap, error)
	ClaimGap(ctx context.Context, entityKey string, docType model.DocumentType, priorityScore float64) (bool, error)
	ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error
	ResolveGap(ctx context.Context, entityKey string, docType model.DocumentType, atomID string) error

	// Monitoring
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// activeStatusList is the set of non-terminal request statuses as a SQL
// literal list. It mirrors the partial unique index that enforces
// single-flight per entity key, and both backends splice it into their
// queries so the two stay in lockstep.
const activeStatusList = `'pending','searching','needs_verification','retrying'`

// New opens the backend selected by the store configuration.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
