package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docdex/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS knowledge_atoms (
	id             TEXT PRIMARY KEY,
	entity_key     TEXT NOT NULL,
	document_type  TEXT NOT NULL,
	title          TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL,
	confidence     REAL NOT NULL,
	human_verified INTEGER NOT NULL DEFAULT 0,
	usage_count    INTEGER NOT NULL DEFAULT 0,
	last_used_at   DATETIME,
	source_type    TEXT NOT NULL,
	source_ref     TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_atoms_current
	ON knowledge_atoms(entity_key, document_type) WHERE superseded_by IS NULL;
CREATE INDEX IF NOT EXISTS idx_atoms_confidence ON knowledge_atoms(confidence);

CREATE TABLE IF NOT EXISTS acquisition_requests (
	id                  TEXT PRIMARY KEY,
	entity_key          TEXT NOT NULL,
	document_type       TEXT NOT NULL,
	requester_ref       TEXT NOT NULL DEFAULT '',
	requester_count     INTEGER NOT NULL DEFAULT 1,
	source_type         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	candidates          TEXT,
	best_confidence     REAL NOT NULL DEFAULT 0,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	next_retry_at       DATETIME,
	retry_reason        TEXT NOT NULL DEFAULT '',
	verify_requested_at DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
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
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	open_tickets     INTEGER NOT NULL DEFAULT 0,
	priority_score   REAL NOT NULL DEFAULT 0,
	research_status  TEXT NOT NULL DEFAULT 'pending',
	resolved_atom_id TEXT NOT NULL DEFAULT '',
	last_seen_at     DATETIME NOT NULL,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (entity_key, document_type)
);

CREATE INDEX IF NOT EXISTS idx_gaps_pending ON knowledge_gaps(research_status, last_seen_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Atoms ---

const sqliteAtomCols = `id, entity_key, document_type, title, body, source_url, confidence,
	human_verified, usage_count, last_used_at, source_type, source_ref, superseded_by,
	created_at, updated_at`

func (s *SQLiteStore) GetAtom(ctx context.Context, entityKey string, docType model.DocumentType) (*model.KnowledgeAtom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAtomCols+` FROM knowledge_atoms
		 WHERE entity_key = ? AND document_type = ? AND superseded_by IS NULL`,
		entityKey, string(docType),
	)
	atom, err := scanAtom(row)
	if err != nil || atom != nil {
		return atom, err
	}

	// No exact slot. Fall back to containment either way round, so a
	// lookup for "wartsila w31" finds an atom keyed "wartsila w31 df"
	// and a lookup for "wartsila w31 df marine" finds one keyed
	// "wartsila w31". Canonical keys hold only letters, digits and
	// single spaces, so the LIKE patterns need no escaping. Verified
	// atoms rank as 1.0, matching the effective confidence the router
	// routes on.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAtomCols+` FROM knowledge_atoms
		 WHERE document_type = ? AND superseded_by IS NULL
		   AND (entity_key LIKE '%' || ? || '%' OR ? LIKE '%' || entity_key || '%')
		 ORDER BY CASE WHEN human_verified = 1 THEN 1.0 ELSE confidence END DESC,
		          usage_count DESC
		 LIMIT 1`,
		string(docType), entityKey, entityKey,
	)
	return scanAtom(row)
}

func (s *SQLiteStore) GetAtomByID(ctx context.Context, id string) (*model.KnowledgeAtom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAtomCols+` FROM knowledge_atoms WHERE id = ?`,
		id,
	)
	return scanAtom(row)
}

func (s *SQLiteStore) UpsertAtom(ctx context.Context, draft model.AtomDraft) (*model.KnowledgeAtom, error) {
	id := draft.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	verified := 0
	if draft.HumanVerified {
		verified = 1
	}

	// On merge the existing row keeps its identity; the payload moves only
	// when the incoming confidence is strictly higher and no human has
	// verified the current payload.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_atoms
		 (id, entity_key, document_type, title, body, source_url, confidence, human_verified, usage_count, source_type, source_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (entity_key, document_type) WHERE superseded_by IS NULL DO UPDATE SET
		   usage_count    = knowledge_atoms.usage_count + 1,
		   confidence     = MAX(knowledge_atoms.confidence, excluded.confidence),
		   human_verified = MAX(knowledge_atoms.human_verified, excluded.human_verified),
		   title          = CASE WHEN excluded.confidence > knowledge_atoms.confidence AND knowledge_atoms.human_verified = 0 THEN excluded.title ELSE knowledge_atoms.title END,
		   body           = CASE WHEN excluded.confidence > knowledge_atoms.confidence AND knowledge_atoms.human_verified = 0 THEN excluded.body ELSE knowledge_atoms.body END,
		   source_url     = CASE WHEN excluded.confidence > knowledge_atoms.confidence AND knowledge_atoms.human_verified = 0 THEN excluded.source_url ELSE knowledge_atoms.source_url END,
		   source_type    = CASE WHEN excluded.confidence > knowledge_atoms.confidence AND knowledge_atoms.human_verified = 0 THEN excluded.source_type ELSE knowledge_atoms.source_type END,
		   source_ref     = CASE WHEN excluded.confidence > knowledge_atoms.confidence AND knowledge_atoms.human_verified = 0 THEN excluded.source_ref ELSE knowledge_atoms.source_ref END,
		   updated_at     = excluded.updated_at`,
		id, draft.EntityKey, string(draft.DocumentType), draft.Title, draft.Body,
		draft.SourceURL, draft.Confidence, verified, string(draft.SourceType),
		draft.SourceRef, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert atom")
	}

	atom, err := s.GetAtom(ctx, draft.EntityKey, draft.DocumentType)
	if err != nil {
		return nil, err
	}
	if atom == nil {
		return nil, eris.Errorf("sqlite: upserted atom missing for %s/%s", draft.EntityKey, draft.DocumentType)
	}
	return atom, nil
}

func (s *SQLiteStore) SeedAtoms(ctx context.Context, drafts []model.AtomDraft) (int64, error) {
	if len(drafts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin seed")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var seeded int64
	for _, d := range drafts {
		verified := 0
		if d.HumanVerified {
			verified = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_atoms
			 (id, entity_key, document_type, title, body, source_url, confidence, human_verified, usage_count, source_type, source_ref, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			 ON CONFLICT (entity_key, document_type) WHERE superseded_by IS NULL DO UPDATE SET
			   title          = excluded.title,
			   body           = excluded.body,
			   source_url     = excluded.source_url,
			   confidence     = excluded.confidence,
			   human_verified = excluded.human_verified,
			   source_type    = excluded.source_type,
			   source_ref     = excluded.source_ref,
			   updated_at     = excluded.updated_at`,
			uuid.New().String(), d.EntityKey, string(d.DocumentType), d.Title, d.Body,
			d.SourceURL, d.Confidence, verified, string(d.SourceType), d.SourceRef, now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed atom %s/%s", d.EntityKey, d.DocumentType)
		}
		seeded++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit seed")
	}
	return seeded, nil
}

func (s *SQLiteStore) RecordAtomHit(ctx context.Context, atomID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_atoms SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		time.Now().UTC(), atomID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record hit %s", atomID)
	}
	return checkRowsAffected(res, "atom", atomID)
}

func (s *SQLiteStore) MarkAtomVerified(ctx context.Context, atomID string, verified bool) error {
	v := 0
	if verified {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_atoms SET human_verified = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().UTC(), atomID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark atom verified %s", atomID)
	}
	return checkRowsAffected(res, "atom", atomID)
}

func (s *SQLiteStore) SupersedeAtom(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_atoms SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, time.Now().UTC(), oldID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede atom %s", oldID)
	}
	return checkRowsAffected(res, "atom", oldID)
}

func (s *SQLiteStore) ListAtoms(ctx context.Context, filter AtomFilter) ([]model.KnowledgeAtom, error) {
	query := `SELECT ` + sqliteAtomCols + ` FROM knowledge_atoms WHERE superseded_by IS NULL`
	var args []any

	if filter.DocumentType != "" {
		query += ` AND document_type = ?`
		args = append(args, string(filter.DocumentType))
	}
	if filter.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	if filter.VerifiedOnly {
		query += ` AND human_verified = 1`
	}
	query += ` ORDER BY entity_key, document_type`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list atoms")
	}
	defer rows.Close()

	var atoms []model.KnowledgeAtom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, *a)
	}
	return atoms, eris.Wrap(rows.Err(), "sqlite: list atoms iterate")
}

// --- Acquisition requests ---

const sqliteRequestCols = `id, entity_key, document_type, requester_ref, requester_count,
	source_type, status, candidates, best_confidence, retry_count, next_retry_at,
	retry_reason, verify_requested_at, created_at, updated_at`

func (s *SQLiteStore) OpenRequest(ctx context.Context, entityKey string, docType model.DocumentType, source model.SourceType, requesterRef string) (*model.AcquisitionRequest, bool, error) {
	// Insert-or-join loop: the unique partial index admits one live request
	// per key. Losing the insert race means joining the winner; a request
	// going terminal between the two steps means trying the insert again.
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New().String()
		now := time.Now().UTC()

		res, err := s.db.ExecContext(ctx,
			`INSERT INTO acquisition_requests
			 (id, entity_key, document_type, requester_ref, requester_count, source_type, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, 'pending', ?, ?)
			 ON CONFLICT (entity_key, document_type) WHERE status IN (`+activeStatusList+`) DO NOTHING`,
			id, entityKey, string(docType), requesterRef, string(source), now, now,
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: open request")
		}
		if n, _ := res.RowsAffected(); n > 0 {
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

		res, err = s.db.ExecContext(ctx,
			`UPDATE acquisition_requests SET requester_count = requester_count + 1, updated_at = ?
			 WHERE entity_key = ? AND document_type = ? AND status IN (`+activeStatusList+`)`,
			now, entityKey, string(docType),
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: join request")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			req, err := s.GetActiveRequest(ctx, entityKey, docType)
			if err != nil {
				return nil, false, err
			}
			if req != nil {
				return req, false, nil
			}
		}
	}
	return nil, false, eris.Errorf("sqlite: open request %s/%s: no winner after retries", entityKey, docType)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.AcquisitionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM acquisition_requests WHERE id = ?`,
		id,
	)
	return scanRequest(row)
}

func (s *SQLiteStore) GetActiveRequest(ctx context.Context, entityKey string, docType model.DocumentType) (*model.AcquisitionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM acquisition_requests
		 WHERE entity_key = ? AND document_type = ? AND status IN (`+activeStatusList+`)`,
		entityKey, string(docType),
	)
	return scanRequest(row)
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, from, to model.AcquisitionStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("sqlite: illegal transition %s -> %s for request %s", from, to, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request status %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) ClaimForSearch(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests SET status = 'searching', updated_at = ?
		 WHERE id = ? AND status IN ('pending','retrying')`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim request %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetRequestCandidates(ctx context.Context, id string, candidates []model.Candidate, bestConfidence float64) error {
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidates")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests SET candidates = ?, best_confidence = ?, updated_at = ? WHERE id = ?`,
		string(candidatesJSON), bestConfidence, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set candidates %s", id)
	}
	return checkRowsAffected(res, "request", id)
}

func (s *SQLiteStore) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests
		 SET status = 'retrying', retry_count = ?, next_retry_at = ?, retry_reason = ?, updated_at = ?
		 WHERE id = ? AND status = 'searching'`,
		retryCount, nextRetryAt.UTC(), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: schedule retry %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) ExhaustRequest(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests
		 SET status = 'exhausted', retry_reason = ?, next_retry_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('searching','retrying')`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: exhaust request %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) MarkNeedsVerification(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisition_requests
		 SET status = 'needs_verification', verify_requested_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'searching'`,
		at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark needs verification %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requestConflict(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.AcquisitionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM acquisition_requests
		 WHERE status = 'retrying' AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due retries")
	}
	defer rows.Close()
	return collectRequests(rows, "sqlite: due retries iterate")
}

func (s *SQLiteStore) ExpiredVerifications(ctx context.Context, cutoff time.Time, limit int) ([]model.AcquisitionRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM acquisition_requests
		 WHERE status = 'needs_verification' AND verify_requested_at <= ?
		 ORDER BY verify_requested_at ASC LIMIT ?`,
		cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: expired verifications")
	}
	defer rows.Close()
	return collectRequests(rows, "sqlite: expired verifications iterate")
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.AcquisitionRequest, error) {
	query := `SELECT ` + sqliteRequestCols + ` FROM acquisition_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EntityKey != "" {
		query += ` AND entity_key = ?`
		args = append(args, filter.EntityKey)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()
	return collectRequests(rows, "sqlite: list requests iterate")
}

// requestConflict distinguishes a missing request from one whose status
// moved under a guarded update.
func (s *SQLiteStore) requestConflict(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM acquisition_requests WHERE id = ?`, id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "request %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check request %s", id)
	}
	return eris.Wrapf(ErrStatusConflict, "request %s in status %s", id, status)
}

// --- Knowledge gaps ---

const sqliteGapCols = `entity_key, document_type, occurrence_count, open_tickets, priority_score,
	research_status, resolved_atom_id, last_seen_at, created_at, updated_at`

func (s *SQLiteStore) RecordGapDemand(ctx context.Context, entityKey string, docType model.DocumentType) error {
	now := time.Now().UTC()
	// Fresh demand against a completed gap reopens it: the atom that
	// resolved it evidently no longer serves.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_gaps
		 (entity_key, document_type, occurrence_count, open_tickets, priority_score, research_status, last_seen_at, created_at, updated_at)
		 VALUES (?, ?, 1, 0, 0, 'pending', ?, ?, ?)
		 ON CONFLICT (entity_key, document_type) DO UPDATE SET
		   occurrence_count = knowledge_gaps.occurrence_count + 1,
		   last_seen_at     = excluded.last_seen_at,
		   research_status  = CASE WHEN knowledge_gaps.research_status = 'completed' THEN 'pending' ELSE knowledge_gaps.research_status END,
		   resolved_atom_id = CASE WHEN knowledge_gaps.research_status = 'completed' THEN '' ELSE knowledge_gaps.resolved_atom_id END,
		   updated_at       = excluded.updated_at`,
		entityKey, string(docType), now, now, now,
	)
	return eris.Wrap(err, "sqlite: record gap demand")
}

func (s *SQLiteStore) SetGapTickets(ctx context.Context, entityKey string, docType model.DocumentType, openTickets int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_gaps
		 (entity_key, document_type, occurrence_count, open_tickets, priority_score, research_status, last_seen_at, created_at, updated_at)
		 VALUES (?, ?, 0, ?, 0, 'pending', ?, ?, ?)
		 ON CONFLICT (entity_key, document_type) DO UPDATE SET
		   open_tickets = excluded.open_tickets,
		   updated_at   = excluded.updated_at`,
		entityKey, string(docType), openTickets, now, now, now,
	)
	return eris.Wrap(err, "sqlite: set gap tickets")
}

func (s *SQLiteStore) PendingGaps(ctx context.Context, limit int) ([]model.KnowledgeGap, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteGapCols+` FROM knowledge_gaps
		 WHERE research_status = 'pending'
		 ORDER BY last_seen_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending gaps")
	}
	defer rows.Close()

	var gaps []model.KnowledgeGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, *g)
	}
	return gaps, eris.Wrap(rows.Err(), "sqlite: pending gaps iterate")
}

func (s *SQLiteStore) ClaimGap(ctx context.Context, entityKey string, docType model.DocumentType, priorityScore float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_gaps SET research_status = 'in_progress', priority_score = ?, updated_at = ?
		 WHERE entity_key = ? AND document_type = ? AND research_status = 'pending'`,
		priorityScore, time.Now().UTC(), entityKey, string(docType),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim gap")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseGap(ctx context.Context, entityKey string, docType model.DocumentType) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_gaps SET research_status = 'pending', updated_at = ?
		 WHERE entity_key = ? AND document_type = ? AND research_status = 'in_progress'`,
		time.Now().UTC(), entityKey, string(docType),
	)
	return eris.Wrap(err, "sqlite: release gap")
}

func (s *SQLiteStore) ResolveGap(ctx context.Context, entityKey string, docType model.DocumentType, atomID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_gaps SET research_status = 'completed', resolved_atom_id = ?, updated_at = ?
		 WHERE entity_key = ? AND document_type = ? AND research_status IN ('pending','in_progress')`,
		atomID, time.Now().UTC(), entityKey, string(docType),
	)
	return eris.Wrap(err, "sqlite: resolve gap")
}

// --- Monitoring ---

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		AtomsByType:      make(map[string]int64),
		RequestsByStatus: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(human_verified), 0),
		        COALESCE(AVG(confidence), 0)
		 FROM knowledge_atoms WHERE superseded_by IS NULL`,
	).Scan(&stats.TotalAtoms, &stats.VerifiedAtoms, &stats.AvgConfidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats atoms")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT document_type, COUNT(*) FROM knowledge_atoms
		 WHERE superseded_by IS NULL GROUP BY document_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats atoms by type")
	}
	if err := scanCountMap(rows, stats.AtomsByType); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM acquisition_requests GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats requests")
	}
	if err := scanCountMap(rows, stats.RequestsByStatus); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acquisition_requests WHERE status = 'retrying' AND next_retry_at <= ?`,
		time.Now().UTC(),
	).Scan(&stats.DueRetries)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats due retries")
	}
	stats.PendingVerifications = stats.RequestsByStatus[string(model.AcquisitionNeedsVerification)]

	err = s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN research_status = 'pending' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN research_status = 'in_progress' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN research_status = 'completed' THEN 1 ELSE 0 END), 0)
		 FROM knowledge_gaps`,
	).Scan(&stats.PendingGaps, &stats.InProgressGaps, &stats.ResolvedGaps)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats gaps")
	}

	return stats, nil
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAtom(row scannable) (*model.KnowledgeAtom, error) {
	var a model.KnowledgeAtom
	var lastUsed sql.NullTime
	var supersededBy sql.NullString

	err := row.Scan(&a.ID, &a.EntityKey, &a.DocumentType, &a.Title, &a.Body,
		&a.SourceURL, &a.Confidence, &a.HumanVerified, &a.UsageCount, &lastUsed,
		&a.SourceType, &a.SourceRef, &supersededBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan atom")
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		a.LastUsedAt = &t
	}
	if supersededBy.Valid {
		a.SupersededBy = supersededBy.String
	}
	return &a, nil
}

func scanRequest(row scannable) (*model.AcquisitionRequest, error) {
	var r model.AcquisitionRequest
	var candidatesJSON sql.NullString
	var nextRetry, verifyRequested sql.NullTime

	err := row.Scan(&r.ID, &r.EntityKey, &r.DocumentType, &r.RequesterRef, &r.RequesterCount,
		&r.SourceType, &r.Status, &candidatesJSON, &r.BestConfidence, &r.RetryCount,
		&nextRetry, &r.RetryReason, &verifyRequested, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan request")
	}
	if candidatesJSON.Valid && candidatesJSON.String != "" {
		if err := json.Unmarshal([]byte(candidatesJSON.String), &r.Candidates); err != nil {
			return nil, eris.Wrap(err, "unmarshal candidates")
		}
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		r.NextRetryAt = &t
	}
	if verifyRequested.Valid {
		t := verifyRequested.Time
		r.VerifyRequestedAt = &t
	}
	return &r, nil
}

func scanGap(row scannable) (*model.KnowledgeGap, error) {
	var g model.KnowledgeGap
	var resolvedAtomID sql.NullString

	err := row.Scan(&g.EntityKey, &g.DocumentType, &g.OccurrenceCount, &g.OpenTickets,
		&g.PriorityScore, &g.ResearchStatus, &resolvedAtomID, &g.LastSeenAt,
		&g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan gap")
	}
	if resolvedAtomID.Valid {
		g.ResolvedAtomID = resolvedAtomID.String
	}
	return &g, nil
}

func collectRequests(rows *sql.Rows, wrapMsg string) ([]model.AcquisitionRequest, error) {
	var reqs []model.AcquisitionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), wrapMsg)
}

func scanCountMap(rows *sql.Rows, dest map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return eris.Wrap(err, "scan count")
		}
		dest[key] = count
	}
	return eris.Wrap(rows.Err(), "iterate counts")
}
