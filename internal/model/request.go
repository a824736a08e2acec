package model

import "time"

// AcquisitionStatus tracks where an acquisition request sits in its lifecycle.
type AcquisitionStatus string

const (
	AcquisitionPending           AcquisitionStatus = "pending"
	AcquisitionSearching         AcquisitionStatus = "searching"
	AcquisitionCompleted         AcquisitionStatus = "completed"
	AcquisitionNeedsVerification AcquisitionStatus = "needs_verification"
	AcquisitionRetrying          AcquisitionStatus = "retrying"
	AcquisitionExhausted         AcquisitionStatus = "exhausted"
	AcquisitionVerified          AcquisitionStatus = "verified"
	AcquisitionRejected          AcquisitionStatus = "rejected"
)

// IsTerminal returns true for statuses that end the lifecycle. Terminal
// requests never re-enter the scheduler and never block a fresh request
// for the same entity.
func (s AcquisitionStatus) IsTerminal() bool {
	switch s {
	case AcquisitionCompleted, AcquisitionExhausted, AcquisitionVerified, AcquisitionRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Every status change in the system goes through this check so an
// illegal transition fails loudly instead of corrupting state.
func (s AcquisitionStatus) CanTransition(next AcquisitionStatus) bool {
	switch s {
	case AcquisitionPending:
		return next == AcquisitionSearching
	case AcquisitionSearching:
		switch next {
		case AcquisitionCompleted, AcquisitionNeedsVerification, AcquisitionRetrying, AcquisitionExhausted:
			return true
		}
		return false
	case AcquisitionRetrying:
		switch next {
		case AcquisitionSearching, AcquisitionExhausted:
			return true
		}
		return false
	case AcquisitionNeedsVerification:
		switch next {
		case AcquisitionVerified, AcquisitionRejected:
			return true
		}
		return false
	}
	return false
}

// RetryLadder is the fixed backoff schedule for failed acquisitions.
// Attempt n (1-based) waits RetryLadder[n-1] before running again.
var RetryLadder = [...]time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// NextRetryDelay returns the wait before retry attempt n (1-based). ok is
// false once the ladder is spent and the request should be exhausted
// instead of rescheduled.
func NextRetryDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(RetryLadder) {
		return 0, false
	}
	return RetryLadder[attempt-1], true
}

// Candidate is one judged search result attached to an acquisition request,
// ordered best-first by confidence.
type Candidate struct {
	URL          string       `json:"url"`
	Title        string       `json:"title"`
	Snippet      string       `json:"snippet,omitempty"`
	DocumentType DocumentType `json:"document_type,omitempty"`
	Confidence   float64      `json:"confidence"`
	Reasoning    string       `json:"reasoning,omitempty"`
}

// AcquisitionRequest is the persistent record of one attempt to acquire
// knowledge for an entity. At most one non-terminal request exists per
// (entity_key, document_type) pair at any time.
type AcquisitionRequest struct {
	ID                string            `json:"id"`
	EntityKey         string            `json:"entity_key"`
	DocumentType      DocumentType      `json:"document_type"`
	RequesterRef      string            `json:"requester_ref,omitempty"`
	RequesterCount    int64             `json:"requester_count"`
	SourceType        SourceType        `json:"source_type"`
	Status            AcquisitionStatus `json:"status"`
	Candidates        []Candidate       `json:"candidates,omitempty"`
	BestConfidence    float64           `json:"best_confidence"`
	RetryCount        int               `json:"retry_count"`
	NextRetryAt       *time.Time        `json:"next_retry_at,omitempty"`
	RetryReason       string            `json:"retry_reason,omitempty"`
	VerifyRequestedAt *time.Time        `json:"verify_requested_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// BestCandidate returns the highest-confidence candidate, or nil when the
// request has none.
func (r *AcquisitionRequest) BestCandidate() *Candidate {
	if len(r.Candidates) == 0 {
		return nil
	}
	best := &r.Candidates[0]
	for i := range r.Candidates[1:] {
		if r.Candidates[i+1].Confidence > best.Confidence {
			best = &r.Candidates[i+1]
		}
	}
	return best
}
