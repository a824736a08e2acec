package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Gapfill    GapfillConfig    `yaml:"gapfill" mapstructure:"gapfill"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig sizes the postgres connection pool. Ignored for sqlite.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// AnthropicConfig holds Anthropic API settings for the validation judge.
type AnthropicConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	JudgeModel       string `yaml:"judge_model" mapstructure:"judge_model"`
	MaxTokens        int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	JudgeConcurrency int    `yaml:"judge_concurrency" mapstructure:"judge_concurrency"`
}

// RoutingConfig holds the confidence thresholds that drive lookup routing
// and candidate disposition.
type RoutingConfig struct {
	ServeThreshold    float64 `yaml:"serve_threshold" mapstructure:"serve_threshold"`
	BackfillThreshold float64 `yaml:"backfill_threshold" mapstructure:"backfill_threshold"`
	VerifyThreshold   float64 `yaml:"verify_threshold" mapstructure:"verify_threshold"`
	StoreThreshold    float64 `yaml:"store_threshold" mapstructure:"store_threshold"`
}

// SearchConfig configures external search behavior and the global rate
// limit shared by every search caller.
type SearchConfig struct {
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxResults  int     `yaml:"max_results" mapstructure:"max_results"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SiteFilter  string  `yaml:"site_filter" mapstructure:"site_filter"`
}

// SchedulerConfig configures the retry scheduler loop.
type SchedulerConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	QuotaHoldHours   int `yaml:"quota_hold_hours" mapstructure:"quota_hold_hours"`
}

// VerifyConfig configures the human verification gateway.
type VerifyConfig struct {
	TimeoutHours      int `yaml:"timeout_hours" mapstructure:"timeout_hours"`
	SweepIntervalSecs int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// GapfillConfig configures the background gap filler and its priority
// scoring weights.
type GapfillConfig struct {
	IntervalSecs       int      `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize          int      `yaml:"batch_size" mapstructure:"batch_size"`
	DelaySecs          int      `yaml:"delay_secs" mapstructure:"delay_secs"`
	DemandWeight       float64  `yaml:"demand_weight" mapstructure:"demand_weight"`
	TicketWeight       float64  `yaml:"ticket_weight" mapstructure:"ticket_weight"`
	RecencyMax         float64  `yaml:"recency_max" mapstructure:"recency_max"`
	RecencyHorizonDays int      `yaml:"recency_horizon_days" mapstructure:"recency_horizon_days"`
	VendorBoost        float64  `yaml:"vendor_boost" mapstructure:"vendor_boost"`
	VendorAllowlist    []string `yaml:"vendor_allowlist" mapstructure:"vendor_allowlist"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// NotifyConfig configures the outbound webhook notifier. Secret, when
// set, is sent as X-Docdex-Secret so the receiver can check provenance.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures the periodic backlog checker. A zero
// threshold disables that check.
type MonitoringConfig struct {
	CheckIntervalSecs       int   `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MaxDueRetries           int64 `yaml:"max_due_retries" mapstructure:"max_due_retries"`
	MaxPendingVerifications int64 `yaml:"max_pending_verifications" mapstructure:"max_pending_verifications"`
	MaxPendingGaps          int64 `yaml:"max_pending_gaps" mapstructure:"max_pending_gaps"`
}

// ResilienceConfig tunes the breakers guarding provider calls and the
// startup wait for the store.
type ResilienceConfig struct {
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	StartupRetries          int `yaml:"startup_retries" mapstructure:"startup_retries"`
	StartupBackoffMs        int `yaml:"startup_backoff_ms" mapstructure:"startup_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DOCDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "docdex.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("anthropic.judge_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.judge_concurrency", 4)
	v.SetDefault("routing.serve_threshold", 0.85)
	v.SetDefault("routing.backfill_threshold", 0.40)
	v.SetDefault("routing.verify_threshold", 0.70)
	v.SetDefault("routing.store_threshold", 0.85)
	v.SetDefault("search.rate_per_sec", 1.0)
	v.SetDefault("search.burst", 3)
	v.SetDefault("search.max_results", 8)
	v.SetDefault("search.timeout_secs", 15)
	v.SetDefault("search.site_filter", "")
	v.SetDefault("scheduler.poll_interval_secs", 60)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.quota_hold_hours", 24)
	v.SetDefault("verify.timeout_hours", 24)
	v.SetDefault("verify.sweep_interval_secs", 300)
	v.SetDefault("gapfill.interval_secs", 300)
	v.SetDefault("gapfill.batch_size", 5)
	v.SetDefault("gapfill.delay_secs", 10)
	v.SetDefault("gapfill.demand_weight", 1.0)
	v.SetDefault("gapfill.ticket_weight", 2.0)
	v.SetDefault("gapfill.recency_max", 10.0)
	v.SetDefault("gapfill.recency_horizon_days", 90)
	v.SetDefault("gapfill.vendor_boost", 1.5)
	v.SetDefault("gapfill.vendor_allowlist", []string{})
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.max_due_retries", 50)
	v.SetDefault("monitoring.max_pending_verifications", 20)
	v.SetDefault("monitoring.max_pending_gaps", 200)
	v.SetDefault("resilience.breaker_failure_threshold", 5)
	v.SetDefault("resilience.breaker_reset_secs", 60)
	v.SetDefault("resilience.startup_retries", 5)
	v.SetDefault("resilience.startup_backoff_ms", 500)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given mode.
// Modes: "serve" (API server plus background loops), "resolve",
// "gapfill" and "sweep" (need search and judge credentials), "admin"
// (store-only commands: migrate, stats, export, import).
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Store.Pool.MaxConns < 1 || c.Store.Pool.MinConns < 0 || c.Store.Pool.MinConns > c.Store.Pool.MaxConns {
		problems = append(problems, "store.pool must have max_conns >= 1 and min_conns between 0 and max_conns")
	}

	if !ordered(0, c.Routing.BackfillThreshold, c.Routing.VerifyThreshold, c.Routing.ServeThreshold, 1) {
		problems = append(problems, "routing thresholds must satisfy 0 <= backfill <= verify <= serve <= 1")
	}
	if c.Routing.StoreThreshold < 0 || c.Routing.StoreThreshold > 1 {
		problems = append(problems, "routing.store_threshold must be between 0 and 1")
	}

	if c.Scheduler.BatchSize < 1 || c.Scheduler.BatchSize > 100 {
		problems = append(problems, "scheduler.batch_size must be between 1 and 100")
	}
	if c.Gapfill.BatchSize < 1 || c.Gapfill.BatchSize > 50 {
		problems = append(problems, "gapfill.batch_size must be between 1 and 50")
	}
	if c.Search.RatePerSec <= 0 {
		problems = append(problems, "search.rate_per_sec must be > 0")
	}
	if c.Verify.TimeoutHours < 1 {
		problems = append(problems, "verify.timeout_hours must be >= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		fallthrough
	case "resolve", "gapfill", "sweep":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Jina.Key == "" {
			problems = append(problems, "jina.key is required")
		}
	case "admin":
		// store checks above are enough
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func ordered(vals ...float64) bool {
	for i := 1; i < len(vals); i++ {
		if vals[i] < vals[i-1] {
			return false
		}
	}
	return true
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
