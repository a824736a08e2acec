package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/config"
)

// Checker periodically collects a snapshot and flags queue backlogs an
// operator should look at. Warnings go to the log; the webhook notifier
// is reserved for requester-facing events.
type Checker struct {
	collector *Collector
	cfg       config.MonitoringConfig
}

// NewChecker creates a background backlog checker.
func NewChecker(collector *Collector, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, cfg: cfg}
}

// Evaluate returns operator-facing warnings for the snapshot.
func (c *Checker) Evaluate(snap *MetricsSnapshot) []string {
	var warnings []string
	if c.cfg.MaxDueRetries > 0 && snap.Cache.DueRetries > c.cfg.MaxDueRetries {
		warnings = append(warnings, fmt.Sprintf(
			"retry backlog at %d, limit %d: sweep may be failing or providers are down",
			snap.Cache.DueRetries, c.cfg.MaxDueRetries))
	}
	if c.cfg.MaxPendingVerifications > 0 && snap.Cache.PendingVerifications > c.cfg.MaxPendingVerifications {
		warnings = append(warnings, fmt.Sprintf(
			"verification queue at %d, limit %d: prompts are going unanswered",
			snap.Cache.PendingVerifications, c.cfg.MaxPendingVerifications))
	}
	if c.cfg.MaxPendingGaps > 0 && snap.Cache.PendingGaps > c.cfg.MaxPendingGaps {
		warnings = append(warnings, fmt.Sprintf(
			"pending gaps at %d, limit %d: the gap filler is not keeping up with demand",
			snap.Cache.PendingGaps, c.cfg.MaxPendingGaps))
	}
	return warnings
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("starting backlog checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("backlog checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("collect metrics failed", zap.Error(err))
		return
	}
	for _, w := range c.Evaluate(snap) {
		log.Warn("backlog threshold exceeded", zap.String("warning", w))
	}
}
