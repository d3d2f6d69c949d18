// Package config assembles runtime configuration from the environment. All
// knobs have defaults except the store connection strings; an invalid
// configuration is a fatal startup error, never a silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/skytrace/backend/internal/faults"
)

// Config is the single configuration value wired into every component at
// startup. Nothing reads the environment after Load returns.
type Config struct {
	// Connection strings. Required.
	RelationalURL string `validate:"required"`
	GraphURL      string `validate:"required"`
	GraphUser     string `validate:"required"`
	GraphPassword string `validate:"required"`
	EventLogURL   string `validate:"required"`

	// HTTP surface.
	Port             int    `validate:"gt=0,lte=65535"`
	Env              string `validate:"oneof=development staging production"`
	IngestRatePerMin int    `validate:"gte=0"`

	// Risk and dispatch thresholds.
	HighRiskThreshold     float64 `validate:"gt=0,lte=1"`
	CriticalRiskThreshold float64 `validate:"gt=0,lte=1,gtefield=HighRiskThreshold"`
	AutoDispatchThreshold float64 `validate:"gt=0,lte=1"`

	// Bus and worker tuning.
	DedupTTL                time.Duration `validate:"gt=0"`
	EventLogMaxLen          int64         `validate:"gt=0"`
	WorkerBatchSize         int           `validate:"gt=0"`
	WorkerBlock             time.Duration `validate:"gt=0"`
	WorkerCount             int           `validate:"gt=0"`
	ProjectionRetryAttempts int           `validate:"gte=1,lte=10"`
	StaleClaim              time.Duration `validate:"gt=0"`

	// Workflow timers. A bag quiet past ScanGapWarning is flagged; it only
	// transitions to delayed once the gap exceeds ScanGapDelayed.
	MCTBuffer      time.Duration `validate:"gte=0"`
	ScanGapWarning time.Duration `validate:"gt=0"`
	ScanGapDelayed time.Duration `validate:"gt=0"`

	// External capability endpoints. Empty selects the in-process fallback
	// (log sink / in-memory fakes).
	NotifyWebhookURL  string
	PIRServiceURL     string
	CourierServiceURL string
	TemplatesPath     string
}

// Load reads the environment, applies defaults, and validates. The error is
// classified fatal; callers refuse to start on it.
func Load() (*Config, error) {
	cfg := &Config{
		RelationalURL: os.Getenv("RELATIONAL_URL"),
		GraphURL:      os.Getenv("GRAPH_URL"),
		GraphUser:     os.Getenv("GRAPH_USER"),
		GraphPassword: os.Getenv("GRAPH_PASSWORD"),
		EventLogURL:   os.Getenv("EVENTLOG_URL"),

		Port:             envInt("PORT", 8080),
		Env:              envStr("ENV", "development"),
		IngestRatePerMin: envInt("INGEST_RATE_LIMIT_PER_MIN", 0),

		HighRiskThreshold:     envFloat("HIGH_RISK_THRESHOLD", 0.7),
		CriticalRiskThreshold: envFloat("CRITICAL_RISK_THRESHOLD", 0.9),
		AutoDispatchThreshold: envFloat("AUTO_DISPATCH_THRESHOLD", 0.8),

		DedupTTL:                time.Duration(envInt("DEDUP_TTL_SECONDS", 300)) * time.Second,
		EventLogMaxLen:          int64(envInt("EVENTLOG_MAX_LEN", 100000)),
		WorkerBatchSize:         envInt("WORKER_BATCH_SIZE", 10),
		WorkerBlock:             time.Duration(envInt("WORKER_BLOCK_MS", 5000)) * time.Millisecond,
		WorkerCount:             envInt("WORKER_COUNT", 4),
		ProjectionRetryAttempts: envInt("PROJECTION_RETRY_ATTEMPTS", 3),
		StaleClaim:              time.Duration(envInt("STALE_CLAIM_MS", 60000)) * time.Millisecond,

		MCTBuffer:      time.Duration(envInt("MCT_BUFFER_MINUTES", 15)) * time.Minute,
		ScanGapWarning: time.Duration(envInt("SCAN_GAP_WARNING_MINUTES", 30)) * time.Minute,
		ScanGapDelayed: time.Duration(envInt("SCAN_GAP_DELAYED_MINUTES", 120)) * time.Minute,

		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		PIRServiceURL:     os.Getenv("PIR_SERVICE_URL"),
		CourierServiceURL: os.Getenv("COURIER_SERVICE_URL"),
		TemplatesPath:     os.Getenv("TEMPLATES_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration. Exposed separately so tests
// can exercise hand-built configs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return faults.Wrapf(faults.Fatal, "invalid configuration: %w", err)
	}
	return nil
}

// Development reports whether the node runs with development defaults
// (human-readable logs, permissive CORS).
func (c *Config) Development() bool { return c.Env == "development" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s=%q is not an integer, using %d\n", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s=%q is not a number, using %g\n", key, v, def)
		return def
	}
	return f
}
