package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docdex/internal/discovery"
	"github.com/sells-group/docdex/internal/gapfill"
	"github.com/sells-group/docdex/internal/judge"
	"github.com/sells-group/docdex/internal/monitoring"
	"github.com/sells-group/docdex/internal/notify"
	"github.com/sells-group/docdex/internal/resilience"
	"github.com/sells-group/docdex/internal/router"
	"github.com/sells-group/docdex/internal/scheduler"
	"github.com/sells-group/docdex/internal/store"
	"github.com/sells-group/docdex/internal/verify"
	"github.com/sells-group/docdex/pkg/anthropic"
	"github.com/sells-group/docdex/pkg/jina"
)

// env bundles the wired components a command needs. Commands that only
// touch the store should use initStore instead.
type env struct {
	Store     store.Store
	Pipeline  *discovery.Pipeline
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Verify    *verify.Gateway
	Gapfill   *gapfill.Worker
	Tracker   *monitoring.Tracker
	Collector *monitoring.Collector
	Checker   *monitoring.Checker
}

// Close releases resources owned by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store, waits for it to come up, and
// applies migrations. The caller owns Close.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	// The database may still be starting alongside us. Retry first
	// contact with backoff before giving up.
	retry := resilience.FromRetryConfig(cfg.Resilience.StartupRetries, cfg.Resilience.StartupBackoffMs, 10000, 2.0, 0.25)
	retry.ShouldRetry = func(error) bool { return true }
	retry.OnRetry = resilience.RetryLogger("store", "ping")
	if err := resilience.Do(ctx, retry, st.Ping); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "store unreachable")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the configuration for the given mode and wires the
// full component graph: store, discovery pipeline, router, and the
// background workers.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	jinaOpts := []jina.Option{}
	if cfg.Jina.BaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithBaseURL(cfg.Jina.BaseURL))
	}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	searchClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)
	docJudge := judge.NewAnthropicJudge(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
	notifier := notify.NewWebhookNotifier(cfg.Notify)

	pipe := discovery.NewPipeline(st, searchClient, docJudge, notifier, cfg)
	tracker := monitoring.NewTracker()
	collector := monitoring.NewCollector(st, tracker)

	return &env{
		Store:     st,
		Pipeline:  pipe,
		Router:    router.New(st, pipe, tracker, cfg.Routing),
		Scheduler: scheduler.New(st, pipe, cfg.Scheduler),
		Verify:    verify.New(st, notifier, cfg.Verify),
		Gapfill:   gapfill.New(st, pipe, cfg.Gapfill),
		Tracker:   tracker,
		Collector: collector,
		Checker:   monitoring.NewChecker(collector, cfg.Monitoring),
	}, nil
}
