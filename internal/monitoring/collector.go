package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docdex/internal/store"
)

// MetricsSnapshot holds a point-in-time view of cache health: what the
// store holds plus what routing has done since process start.
type MetricsSnapshot struct {
	Cache       store.Stats     `json:"cache"`
	Routing     TrackerSnapshot `json:"routing"`
	CollectedAt time.Time       `json:"collected_at"`
}

// StatsStore is the slice of the persistence layer the collector reads.
type StatsStore interface {
	GetStats(ctx context.Context) (*store.Stats, error)
}

// Collector assembles snapshots from the store aggregates and the
// routing tracker.
type Collector struct {
	store   StatsStore
	tracker *Tracker
}

// NewCollector creates a metrics collector. The tracker may be nil for
// one-shot CLI use, where no routing has happened in this process.
func NewCollector(st StatsStore, tracker *Tracker) *Collector {
	return &Collector{store: st, tracker: tracker}
}

// Collect gathers one snapshot.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect store stats")
	}
	snap := &MetricsSnapshot{
		Cache:       *stats,
		CollectedAt: time.Now().UTC(),
	}
	if c.tracker != nil {
		snap.Routing = c.tracker.Snapshot()
	}
	return snap, nil
}
