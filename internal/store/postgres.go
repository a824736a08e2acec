package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docdex/internal/config"
	"github.com/sells-group/docdex/internal/db"
	"github.com/sells-group/docdex/internal/model"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to the given database and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, pc config.PoolConfig) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS knowledge_atoms (
	id             TEXT PRIMARY KEY,
	entity_key     TEXT NOT NULL,
	document_type  TEXT NOT NULL,
	title          TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	human_verified BOOLEAN NOT NULL DEFAULT FALSE,
	usage_count    BIGINT NOT NULL DEFAULT 0,
	last_used_at   TIMESTAMPTZ,
	source_type    TEXT NOT NULL,
	source_ref     TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_atoms_current
	ON knowledge_atoms(entity_key, document_type) WHERE superseded_by IS NULL;
CREATE INDEX IF NOT EXISTS idx_atoms_confidence ON knowledge_atoms(confidence);

CREATE TABLE IF NOT EXISTS acquisition_requests (
	id                  TEXT PRIMARY KEY,
	entity_key          TEXT NOT NULL,
	document_type       TEXT NOT NULL,
	requester_ref       TEXT NOT NULL DEFAULT '',
	requester_count     BIGINT NOT NULL DEFAULT 1,
	source_type         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	candidates          JSONB,
	best_confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	next_retry_at       TIMESTAMPTZ,
	retry_reason        TEXT NOT NULL DEFAULT '',
	verify_requested_at TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_active
	ON acquisition_requests(entity_key, document_type)
	WHERE status IN ('pending','searching','needs_verification','retrying');
CREATE INDEX IF NOT EXISTS idx_requests_due
	ON acquisition_requests(next_retry_at) WHERE status = 'retrying';
CREATE INDEX IF NOT EXISTS idx_requests_verify
	ON acquisition_requests(verify_requested_at) WHERE status = 'needs_verification';
CREATE INDEX IF NOT EXISTS idx_requests_status ON acquisition_requests(status);

CREATE TABLE IF NOT EXISTS knowledge_gaps (
	entity_key       TEXT NOT NULL,
	document_type    TEXT NOT NULL,
	occurrence_count BIGINT NOT NULL DEFAULT 1,
	open_tickets     BIGINT NOT NULL DEFAULT 0,
	priority_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	research_status  TEXT NOT NULL DEFAULT 'pending',
	resolved_atom_id TEXT NOT NULL DEFAULT '',
	last_seen_at     TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_key, document_type)
);

CREATE INDEX IF NOT EXISTS idx_gaps_pending ON knowledge_gaps(research_status, last_seen_at);
`

const pgAtomCols = `id, entity_key, document_type, title, body, source_url, confidence,
	human_verified, usage_count, last_used_at, source_type, source_ref, superseded_by,
	created_at, updated_at`

const pgRequestCols = `id, entity_key, document_type, requester_ref, requester_count,
	source_type, status, candidates, best_confidence, retry_count, next_retry_at,
	retry_reason, verify_requested_at, created_at, updated_at`

const pgGapCols = `entity_key, document_type, occurrence_count, open_tickets, priority_score,
	research_status, resolved_atom_id, last_seen_at, created_at, updated_at`

const pgGetAtomSQL = `SELECT ` + pgAtomCols + ` FROM knowledge_atoms
	WHERE entity_key = $1 AND document_type = $2 AND superseded_by IS NULL`

const pgFindAtomSQL = `SELECT ` + pgAtomCols + ` FROM knowledge_atoms
	WHERE document_type = $2 AND superseded_by IS NULL
	  AND (entity_key LIKE '%' || $1 || '%' OR $1 LIKE '%' || entity_key || '%')
	ORDER BY CASE WHEN human_verified THEN 1.0 ELSE confidence END DESC,
	         usage_count DESC
	LIMIT 1`

const pgRecordHitSQL = `UPDATE knowledge_atoms
	SET usage_count = usage_count + 1, last_used_at = $1 WHERE id = $2`

const pgUpsertAtomSQL = `INSERT INTO knowledge_atoms
	(id, entity_key, document_type, title, body, source_url, confidence, human_verified, usage_count, source_type, source_ref, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10, $11, $12)
	ON CONFLICT (entity_key, document_type) WHERE superseded_by IS NULL DO UPDATE SET
	  usage_count    = knowledge_atoms.usage_count + 1,
	  confidence     = GREATEST(knowledge_atoms.confidence, EXCLUDED.confidence),
	  human_verified = knowledge_atoms.human_verified OR EXCLUDED.human_verified,
	  title          = CASE WHEN EXCLUDED.confidence > knowledge_atoms.confidence AND NOT knowledge_atoms.human_verified THEN EXCLUDED.title ELSE knowledge_atoms.title END,
	  body           = CASE WHEN EXCLUDED.confidence > knowledge_atoms.confidence AND NOT knowledge_atoms.human_verified THEN EXCLUDED.body ELSE knowledge_atoms.body END,
	  source_url     = CASE WHEN EXCLUDED.confidence > knowledge_atoms.confidence AND NOT knowledge_atoms.human_verified THEN EXCLUDED.source_url ELSE knowledge_atoms.source_url END,
	  source_type    = CASE WHEN EXCLUDED.confidence > knowledge_atoms.confidence AND NOT knowledge_atoms.human_verified THEN EXCLUDED.source_type ELSE knowledge_atoms.source_type END,
	  source_ref     = CASE WHEN EXCLUDED.confidence > knowledge_atoms.confidence AND NOT knowledge_atoms.human_verified THEN EXCLUDED.source_ref ELSE knowledge_atoms.source_ref END,
	  updated_at     = EXCLUDED.updated_at`

const pgOpenRequestSQL = `INSERT INTO acquisition_requests
	(id, entity_key, document_type, requester_ref, requester_count, source_type, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, 1, $5, 'pending', $6, $7)
	ON CONFLICT (entity_key, document_type) WHERE status IN (` + activeStatusList + `) DO NOTHING`

const pgJoinRequestSQL = `UPDATE acquisition_requests
	SET requester_count = requester_count + 1, updated_at = $1
	WHERE entity_key = $2 AND document_type = $3 AND status IN (` + activeStatusList + `)`

const pgActiveRequestSQL = `SELECT ` + pgRequestCols + ` FROM acquisition_requests
	WHERE entity_key = $1 AND document_type = $2 AND status IN (` + activeStatusList + `)`

// preparedStatements are prepared on every new pool connection. These
// carry the interactive lookup path, so parse cost is paid once.
var preparedStatements = map[string]string{
	"docdex_get_atom":       pgGetAtomSQL,
	"docdex_find_atom":      pgFindAtomSQL,
	"docdex_record_hit":     pgRecordHitSQL,
	"docdex_upsert_atom":    pgUpsertAtomSQL,
	"docdex_open_request":   pgOpenRequestSQL,
	"docdex_join_request":   pgJoinRequestSQL,
	"docdex_active_request": pgActiveRequestSQL,
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Atoms ---

func (s *PostgresStore) GetAtom(ctx context.Context, entityKey string, docType model.DocumentType) (*model.KnowledgeAtom, error) {
	row := s.pool.QueryRow(ctx, pgGetAtomSQL, entityKey, string(docType))
	atom, err := pgScanAtom(row)
	if err != nil || atom != nil {
		return atom, err
	}

	// No exact slot; try containment either way round. Canonical keys
	// carry no LIKE metacharacters, and verified atoms rank as 1.0 to
	// match the effective confidence the router routes on.
	row = s.pool.QueryRow(ctx, pgFindAtomSQL, entityKey, string(docType))
	return pgScanAtom(row)
}

func (s *PostgresStore) GetAtomByID(ctx context.Context, id string) (*model.KnowledgeAtom, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgAtomCols+` FROM knowledge_atoms WHERE id = $1`, id)
	return pgScanAtom(row)
}

func (s *PostgresStore) UpsertAtom(ctx context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error) {
	id := draft.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, pgUpsertAtomSQL,
		id, draft.EntityKey, string(draft.DocumentType), draft.Title,
		draft.Body, draft.SourceURL, draft.Confidence, draft.HumanVerified,
		string(draft.SourceType), draft.SourceRef, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert atom")
	}

	atom, err := s.GetAtom(ctx, draft.EntityKey, draft.DocumentType)
	if err != nil {
		return nil, err
	}
	if atom == nil {
		return nil, eris.Errorf("postgres: upserted atom missing for %s/%s", draft.EntityKey, draft.DocumentType)
	}
	return atom, nil
}

func (s *PostgresStore) SeedAtoms(ctx context.Context, drafts []model.AtomDraft) (int64, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(drafts))
	for _, d := range drafts {
		rows = append(rows, []any{
			uuid.New().String(), d.EntityKey, string(d.DocumentType), d.Title, d.Body,
			d.SourceURL, d.Confidence, d.HumanVerified, int64(0), string(d.SourceType),
			d.SourceRef, now, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "knowledge_atoms",
		Columns: []string{
			"id", "entity_key", "document_type", "title", "body", "source_url",
			"confidence", "human_verified", "usage_count", "source_type",
			"source_ref", "created_at", "updated_at",
		},
		ConflictKeys:  []string{"entity_key", "document_type"},
		ConflictWhere: "superseded_by IS NULL",
		UpdateCols: []string{
			"title", "body", "source_url", "confidence", "human_verified",
			"source_type", "source_ref", "updated_at",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: seed atoms")
}

func (s *PostgresStore) RecordAtomHit(ctx context.Context, atomID string) error {
	tag, err := s.pool.Exec(ctx, pgRecordHitSQL, time.Now().UTC(), atomID)
	if err != nil {
		return eris.Wrapf(err, "postgres: record hit %s", atomID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "atom %s", atomID)
	}
	return nil
}

func (s *PostgresStore) MarkAtomVerified(ctx context.Context, atomID string, verified bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_atoms SET human_verified = $1, updated_at = $2 WHERE id = $3`,
		verified, time.Now().UTC(), atomID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark atom verified %s", atomID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "atom %s", atomID)
	}
	return nil
}

func (s *PostgresStore) SupersedeAtom(ctx context.Context, oldID, newID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_atoms SET superseded_by = $1, updated_at = $2 WHERE id = $3 AND superseded_by IS NULL`,
		newID, time.Now().UTC(), oldID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede atom %s", oldID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "atom %s", oldID)
	}
	return nil
}

func (s *PostgresStore) ListAtoms(ctx context.Context, filter AtomFilter) ([]model.KnowledgeAtom, error) {
	query := `SELECT ` + pgAtomCols + ` FROM knowledge_atoms WHERE superseded_by IS NULL`
	var args []any

	if filter.DocumentType != "" {
		args = append(args, string(filter.DocumentType))
		query += fmt.Sprintf(` AND document_type = $%d`, len(args))
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		query += fmt.Sprintf(` AND confidence >= $%d`, len(args))
	}
	if filter.VerifiedOnly {
		query += ` AND human_verified`
	}
	query += ` ORDER BY entity_key, document_type`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list atoms")
	}
	defer rows.Close()

	var atoms []model.KnowledgeAtom
	for rows.Next() {
		a, err := pgScanAtom(rows)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, *a)
	}
	return atoms, eris.Wrap(rows.Err(), "postgres: list atoms iterate")
}

// --- Acquisition requests ---

func (s *PostgresStore) OpenRequest(ctx context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error) {
	// Same insert-or-join loop as the sqlite backend; the partial unique
	// index arbitrates the race.
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New().String()
		now := time.Now().UTC()

		tag, err := s.pool.Exec(ctx, pgOpenRequestSQL,
			id, entityKey, string(docType), requesterRef, string(source), now, now)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: open request")
		}
		if tag.RowsAffected() > 0 {
			return &model.AcquisitionRequest{
				ID:             id,
				EntityKey:      entityKey,
				DocumentType:   docType,
				RequesterRef:   requesterRef,
				RequesterCount: 1,
				SourceType:     source,
				Status:         model.AcquisitionPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}, true, nil
		}

		tag, err = s.pool.Exec(ctx, pgJoinRequestSQL, now, entityKey, string(docType))
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: join request")
		}
		if tag.RowsAffected() > 0 {
			req, err := s.GetActiveRequest(ctx, entityKey, docType)
			if err != nil {
				return nil, false, err
			}
			if req != nil {
				return req, false, nil
			}
		}
	}
	return nil, false, eris.Errorf("postgres: open request %s/%s: no winner after retries", entityKey, docType)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.AcquisitionRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRequestCols+` FROM acquisition_requests WHERE id = $1`, id)
	return pgScanRequest(row)
}

func (s *PostgresStore) GetActiveRequest(ctx context.Context, entityKey string, docType model.DocumentType) (*model.AcquisitionRequest, error) {
	row := s.pool.QueryRow(ctx, pgActiveRequestSQL, entityKey, string(docType))
	return pgScanRequest(row)
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, from, to model.AcquisitionStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("postgres: illegal transition %s -> %s for request %s", from, to, id)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ClaimForSearch(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests SET status = 'searching', updated_at = $1
		 WHERE id = $2 AND status IN ('pending','retrying')`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim request %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetRequestCandidates(ctx context.Context, id string, candidates []model.Candidate, bestConfidence float64) error {
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidates")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests SET candidates = $1, best_confidence = $2, updated_at = $3 WHERE id = $4`,
		string(candidatesJSON), bestConfidence, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set candidates %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "request %s", id)
	}
	return nil
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests
		 SET status = 'retrying', retry_count = $1, next_retry_at = $2, retry_reason = $3, updated_at = $4
		 WHERE id = $5 AND status = 'searching'`,
		retryCount, nextRetryAt.UTC(), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: schedule retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ExhaustRequest(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests
		 SET status = 'exhausted', retry_reason = $1, next_retry_at = NULL, updated_at = $2
		 WHERE id = $3 AND status IN ('searching','retrying')`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: exhaust request %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkNeedsVerification(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE acquisition_requests
		 SET status = 'needs_verification', verify_requested_at = $1, updated_at = $2
		 WHERE id = $3 AND status = 'searching'`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark needs verification %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.AcquisitionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRequestCols+` FROM acquisition_requests
		 WHERE status = 'retrying' AND next_retry_at <= $1
		 ORDER BY next_retry_at ASC LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due retries")
	}
	defer rows.Close()
	return pgCollectRequests(rows, "postgres: due retries iterate")
}

func (s *PostgresStore) ExpiredVerifications(ctx context.Context, cutoff time.Time, limit int) ([]model.AcquisitionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRequestCols+` FROM acquisition_requests
		 WHERE status = 'needs_verification' AND verify_requested_at <= $1
		 ORDER BY verify_requested_at ASC LIMIT $2`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: expired verifications")
	}
	defer rows.Close()
	return pgCollectRequests(rows, "postgres: expired verifications iterate")
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.AcquisitionRequest, error) {
	query := `SELECT ` + pgRequestCols + ` FROM acquisition_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.EntityKey != "" {
		args = append(args, filter.EntityKey)
		query += fmt.Sprintf(` AND entity_key = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()
	return pgCollectRequests(rows, "postgres: list requests iterate")
}

func (s *PostgresStore) requestConflict(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM acquisition_requests WHERE id = $1`, id,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "request %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check request %s", id)
	}
	return eris.Wrapf(ErrStatusConflict, "request %s in status %s", id, status)
}

// --- Knowledge gaps ---

func (s *PostgresStore) RecordGapDemand(ctx context.Context, entityKey string, docType model.DocumentType) error {
	now := time.Now().UTC()
	// Fresh demand against a completed gap reopens it.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_gaps
		 (entity_key, document_type, occurrence_count, open_tickets, priority_score, research_status, last_seen_at, created_at, updated_at)
		 VALUES ($1, $2, 1, 0, 0, 'pending', $3, $4, $5)
		 ON CONFLICT (entity_key, document_type) DO UPDATE SET
		   occurrence_count = knowledge_gaps.occurrence_count + 1,
		   last_seen_at     = EXCLUDED.last_seen_at,
		   research_status  = CASE WHEN knowledge_gaps.research_status = 'completed' THEN 'pending' ELSE knowledge_gaps.research_status END,
		   resolved_atom_id = CASE WHEN knowledge_gaps.research_status = 'completed' THEN '' ELSE knowledge_gaps.resolved_atom_id END,
		   updated_at       = EXCLUDED.updated_at`,
		entityKey, string(docType), now, now, now,
	)
	return eris.Wrap(err, "postgres: record gap demand")
}

func (s *PostgresStore) SetGapTickets(ctx context.Context, entityKey string, docType model.DocumentType, openTickets int64) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_gaps
		 (entity_key, document_type, occurrence_count, open_tickets, priority_score, research_status, last_seen_at, created_at, updated_at)
		 VALUES ($1, $2, 0, $3, 0, 'pending', $4, $5, $6)
		 ON CONFLICT (entity_key, document_type) DO UPDATE SET
		   open_tickets = EXCLUDED.open_tickets,
		   updated_at   = EXCLUDED.updated_at`,
		entityKey, string(docType), openTickets, now, now, now,
	)
	return eris.Wrap(err, "postgres: set gap tickets")
}

func (s *PostgresStore) PendingGaps(ctx context.Context, limit int) ([]model.KnowledgeGap, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgGapCols+` FROM knowledge_gaps
		 WHERE research_status = 'pending'
		 ORDER BY last_seen_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending gaps")
	}
	defer rows.Close()

	var gaps []model.KnowledgeGap
	for rows.Next() {
		g, err := pgScanGap(rows)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, *g)
	}
	return gaps, eris.Wrap(rows.Err(), "postgres: pending gaps iterate")
}

func (s *PostgresStore) ClaimGap(ctx context.Context, entityKey string, docType model.DocumentType, priorityScore float64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE knowledge_gaps SET research_status = 'in_progress', priority_score = $1, updated_at = $2
		 WHERE entity_key = $3 AND document_type = $4 AND research_status = 'pending'`,
		priorityScore, time.Now().UTC(), entityKey, string(docType),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: claim gap")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_gaps SET research_status = 'pending', updated_at = $1
		 WHERE entity_key = $2 AND document_type = $3 AND research_status = 'in_progress'`,
		time.Now().UTC(), entityKey, string(docType),
	)
	return eris.Wrap(err, "postgres: release gap")
}

func (s *PostgresStore) ResolveGap(ctx context.Context, entityKey string, docType model.DocumentType, atomID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_gaps SET research_status = 'completed', resolved_atom_id = $1, updated_at = $2
		 WHERE entity_key = $3 AND document_type = $4 AND research_status IN ('pending','in_progress')`,
		atomID, time.Now().UTC(), entityKey, string(docType),
	)
	return eris.Wrap(err, "postgres: resolve gap")
}

// --- Monitoring ---

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		AtomsByType:      make(map[string]int64),
		RequestsByStatus: make(map[string]int64),
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE human_verified),
		        COALESCE(AVG(confidence), 0)
		 FROM knowledge_atoms WHERE superseded_by IS NULL`,
	).Scan(&stats.TotalAtoms, &stats.VerifiedAtoms, &stats.AvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats atoms")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT document_type, COUNT(*) FROM knowledge_atoms
		 WHERE superseded_by IS NULL GROUP BY document_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats atoms by type")
	}
	if err := pgScanCountMap(rows, stats.AtomsByType); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM acquisition_requests GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats requests")
	}
	if err := pgScanCountMap(rows, stats.RequestsByStatus); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM acquisition_requests WHERE status = 'retrying' AND next_retry_at <= $1`,
		time.Now().UTC(),
	).Scan(&stats.DueRetries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats due retries")
	}
	stats.PendingVerifications = stats.RequestsByStatus[string(model.AcquisitionNeedsVerification)]

	err = s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE research_status = 'pending'),
		   COUNT(*) FILTER (WHERE research_status = 'in_progress'),
		   COUNT(*) FILTER (WHERE research_status = 'completed')
		 FROM knowledge_gaps`,
	).Scan(&stats.PendingGaps, &stats.InProgressGaps, &stats.ResolvedGaps)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats gaps")
	}

	return stats, nil
}

// --- helpers ---

func pgScanAtom(row pgx.Row) (*model.KnowledgeAtom, error) {
	var a model.KnowledgeAtom
	var lastUsed *time.Time
	var supersededBy *string

	err := row.Scan(&a.ID, &a.EntityKey, &a.DocumentType, &a.Title, &a.Body,
		&a.SourceURL, &a.Confidence, &a.HumanVerified, &a.UsageCount, &lastUsed,
		&a.SourceType, &a.SourceRef, &supersededBy, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan atom")
	}
	a.LastUsedAt = lastUsed
	if supersededBy != nil {
		a.SupersededBy = *supersededBy
	}
	return &a, nil
}

func pgScanRequest(row pgx.Row) (*model.AcquisitionRequest, error) {
	var r model.AcquisitionRequest
	var candidatesJSON []byte

	err := row.Scan(&r.ID, &r.EntityKey, &r.DocumentType, &r.RequesterRef, &r.RequesterCount,
		&r.SourceType, &r.Status, &candidatesJSON, &r.BestConfidence, &r.RetryCount,
		&r.NextRetryAt, &r.RetryReason, &r.VerifyRequestedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan request")
	}
	if len(candidatesJSON) > 0 {
		if err := json.Unmarshal(candidatesJSON, &r.Candidates); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidates")
		}
	}
	return &r, nil
}

func pgScanGap(row pgx.Row) (*model.KnowledgeGap, error) {
	var g model.KnowledgeGap

	err := row.Scan(&g.EntityKey, &g.DocumentType, &g.OccurrenceCount, &g.OpenTickets,
		&g.PriorityScore, &g.ResearchStatus, &g.ResolvedAtomID, &g.LastSeenAt,
		&g.CreatedAt, &g.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan gap")
	}
	return &g, nil
}

func pgCollectRequests(rows pgx.Rows, wrapMsg string) ([]model.AcquisitionRequest, error) {
	var reqs []model.AcquisitionRequest
	for rows.Next() {
		r, err := pgScanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), wrapMsg)
}

func pgScanCountMap(rows pgx.Rows, dest map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return eris.Wrap(err, "postgres: scan count")
		}
		dest[key] = count
	}
	return eris.Wrap(rows.Err(), "postgres: iterate counts")
}
