package model

// RouteDecision is the outcome of confidence routing for a lookup.
type RouteDecision string

const (
	// RouteServeCached serves the cached atom and does nothing else.
	RouteServeCached RouteDecision = "serve_cached"
	// RouteBackfill serves the cached atom immediately and queues a
	// background refresh to raise its confidence.
	RouteBackfill RouteDecision = "serve_cached_and_backfill"
	// RouteSearchFresh treats the cache entry as unusable and starts a
	// fresh acquisition.
	RouteSearchFresh RouteDecision = "search_fresh"
)

// Query is one interactive lookup: which entity, which kind of document,
// and who is asking.
type Query struct {
	EntityHint   string       `json:"entity_hint"`
	DocumentType DocumentType `json:"document_type"`
	RequesterRef string       `json:"requester_ref,omitempty"`
}

// Resolution is the router's answer to a query. Atom is set when a cached
// atom was served; RequestID is set when an acquisition was started or an
// existing in-flight one was joined.
type Resolution struct {
	Decision  RouteDecision  `json:"decision"`
	EntityKey string         `json:"entity_key"`
	Atom      *KnowledgeAtom `json:"atom,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}
