package model

import "time"

// DocumentType classifies the kind of reference document an atom points at.
type DocumentType string

const (
	DocTypeSpec          DocumentType = "spec"
	DocTypeProcedure     DocumentType = "procedure"
	DocTypeTip           DocumentType = "tip"
	DocTypePartReference DocumentType = "part_reference"
)

// AllDocumentTypes returns all defined document types.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		DocTypeSpec,
		DocTypeProcedure,
		DocTypeTip,
		DocTypePartReference,
	}
}

// ValidDocumentType returns true if dt is one of the defined document types.
func ValidDocumentType(dt DocumentType) bool {
	switch dt {
	case DocTypeSpec, DocTypeProcedure, DocTypeTip, DocTypePartReference:
		return true
	}
	return false
}

// SourceType records how an atom entered the cache.
type SourceType string

const (
	SourceInteractive    SourceType = "interactive_lookup"
	SourceBackgroundFill SourceType = "background_fill"
	SourceHumanFeedback  SourceType = "human_feedback"
)

// KnowledgeAtom is a single cached unit of knowledge: a pointer to the
// reference document for one entity, plus the confidence the system has
// that the pointer is correct.
type KnowledgeAtom struct {
	ID            string       `json:"id"`
	EntityKey     string       `json:"entity_key"`
	DocumentType  DocumentType `json:"document_type"`
	Title         string       `json:"title"`
	Body          string       `json:"body,omitempty"`
	SourceURL     string       `json:"source_url"`
	Confidence    float64      `json:"confidence"`
	HumanVerified bool         `json:"human_verified"`
	UsageCount    int64        `json:"usage_count"`
	LastUsedAt    *time.Time   `json:"last_used_at,omitempty"`
	SourceType    SourceType   `json:"source_type"`
	SourceRef     string       `json:"source_ref,omitempty"`
	SupersededBy  string       `json:"superseded_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// EffectiveConfidence is the confidence routing decisions are made on.
// Human verification pins it to 1.0 without rewriting the stored score,
// so the original signal survives later supersession.
func (a *KnowledgeAtom) EffectiveConfidence() float64 {
	if a.HumanVerified {
		return 1.0
	}
	return a.Confidence
}

// Superseded returns true if the atom has been replaced by a newer one
// and must no longer be served.
func (a *KnowledgeAtom) Superseded() bool {
	return a.SupersededBy != ""
}

// AtomDraft is the write-side shape of an atom: everything the caller
// knows before the store assigns identity and usage bookkeeping.
type AtomDraft struct {
	// ID pins the identity of a freshly inserted row, which lets a
	// caller retire an old atom with a forward reference to its
	// replacement. Empty means the store assigns one. Ignored when the
	// draft merges into an existing atom.
	ID            string       `json:"id,omitempty"`
	EntityKey     string       `json:"entity_key"`
	DocumentType  DocumentType `json:"document_type"`
	Title         string       `json:"title"`
	Body          string       `json:"body,omitempty"`
	SourceURL     string       `json:"source_url"`
	Confidence    float64      `json:"confidence"`
	HumanVerified bool         `json:"human_verified"`
	SourceType    SourceType   `json:"source_type"`
	SourceRef     string       `json:"source_ref,omitempty"`
}
