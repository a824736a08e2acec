package model

import "time"

// ResearchStatus tracks whether a knowledge gap is waiting for, undergoing,
// or done with background research.
type ResearchStatus string

const (
	ResearchPending    ResearchStatus = "pending"
	ResearchInProgress ResearchStatus = "in_progress"
	ResearchCompleted  ResearchStatus = "completed"
)

// KnowledgeGap records repeated demand for knowledge the cache does not
// hold. Gaps feed the background filler in priority order.
type KnowledgeGap struct {
	EntityKey       string         `json:"entity_key"`
	DocumentType    DocumentType   `json:"document_type"`
	OccurrenceCount int64          `json:"occurrence_count"`
	OpenTickets     int64          `json:"open_tickets"`
	PriorityScore   float64        `json:"priority_score"`
	ResearchStatus  ResearchStatus `json:"research_status"`
	ResolvedAtomID  string         `json:"resolved_atom_id,omitempty"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
