// Package monitoring assembles the stats surface: an in-process tracker
// of routing outcomes plus store-backed cache aggregates, with a
// periodic checker that flags backlogs in the log.
package monitoring

import (
	"sync"
	"time"

	"github.com/sells-group/docdex/internal/model"
)

// TrackerSnapshot summarizes routing outcomes since process start.
// Served and backfilled lookups both count as hits: either way the
// caller got an answer from the cache.
type TrackerSnapshot struct {
	Served             int64     `json:"served"`
	Backfilled         int64     `json:"backfilled"`
	Missed             int64     `json:"missed"`
	HitRate            float64   `json:"hit_rate"`
	AvgHitLatencyMs    float64   `json:"avg_hit_latency_ms"`
	AvgSearchLatencyMs float64   `json:"avg_search_latency_ms"`
	Since              time.Time `json:"since"`
}

// Tracker accumulates routing decisions and their latency in memory.
// It satisfies the router's Observer interface.
type Tracker struct {
	mu            sync.Mutex
	served        int64
	backfilled    int64
	missed        int64
	hitLatency    time.Duration
	searchLatency time.Duration
	since         time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{since: time.Now().UTC()}
}

// Observe records one routing decision and how long it took.
func (t *Tracker) Observe(decision model.RouteDecision, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch decision {
	case model.RouteServeCached:
		t.served++
		t.hitLatency += elapsed
	case model.RouteBackfill:
		t.backfilled++
		t.hitLatency += elapsed
	case model.RouteSearchFresh:
		t.missed++
		t.searchLatency += elapsed
	}
}

// Snapshot returns the accumulated view.
func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TrackerSnapshot{
		Served:     t.served,
		Backfilled: t.backfilled,
		Missed:     t.missed,
		Since:      t.since,
	}
	hits := t.served + t.backfilled
	if total := hits + t.missed; total > 0 {
		snap.HitRate = float64(hits) / float64(total)
	}
	if hits > 0 {
		snap.AvgHitLatencyMs = float64(t.hitLatency) / float64(time.Millisecond) / float64(hits)
	}
	if t.missed > 0 {
		snap.AvgSearchLatencyMs = float64(t.searchLatency) / float64(time.Millisecond) / float64(t.missed)
	}
	return snap
}
