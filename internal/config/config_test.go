package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytrace/backend/internal/faults"
)

func validConfig() *Config {
	return &Config{
		RelationalURL: "postgres://skytrace:x@localhost:5432/skytrace",
		GraphURL:      "neo4j://localhost:7687",
		GraphUser:     "neo4j",
		GraphPassword: "x",
		EventLogURL:   "redis://localhost:6379/0",

		Port: 8080, Env: "development",

		HighRiskThreshold:     0.7,
		CriticalRiskThreshold: 0.9,
		AutoDispatchThreshold: 0.8,

		DedupTTL:                300 * time.Second,
		EventLogMaxLen:          100000,
		WorkerBatchSize:         10,
		WorkerBlock:             5 * time.Second,
		WorkerCount:             4,
		ProjectionRetryAttempts: 3,
		StaleClaim:              60 * time.Second,

		MCTBuffer:      15 * time.Minute,
		ScanGapWarning: 30 * time.Minute,
		ScanGapDelayed: 2 * time.Hour,
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Setenv("RELATIONAL_URL", "postgres://skytrace:x@localhost:5432/skytrace")
	t.Setenv("GRAPH_URL", "neo4j://localhost:7687")
	t.Setenv("GRAPH_USER", "neo4j")
	t.Setenv("GRAPH_PASSWORD", "x")
	t.Setenv("EVENTLOG_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.HighRiskThreshold)
	assert.Equal(t, 0.9, cfg.CriticalRiskThreshold)
	assert.Equal(t, 0.8, cfg.AutoDispatchThreshold)
	assert.Equal(t, 300*time.Second, cfg.DedupTTL)
	assert.EqualValues(t, 100000, cfg.EventLogMaxLen)
	assert.Equal(t, 10, cfg.WorkerBatchSize)
	assert.Equal(t, 5000*time.Millisecond, cfg.WorkerBlock)
	assert.Equal(t, 3, cfg.ProjectionRetryAttempts)
	assert.Equal(t, 60000*time.Millisecond, cfg.StaleClaim)
	assert.Equal(t, 15*time.Minute, cfg.MCTBuffer)
	assert.Equal(t, 30*time.Minute, cfg.ScanGapWarning)
	assert.Equal(t, 2*time.Hour, cfg.ScanGapDelayed)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Development())
}

func TestLoad_OverridesRespected(t *testing.T) {
	t.Setenv("RELATIONAL_URL", "postgres://x")
	t.Setenv("GRAPH_URL", "neo4j://x")
	t.Setenv("GRAPH_USER", "u")
	t.Setenv("GRAPH_PASSWORD", "p")
	t.Setenv("EVENTLOG_URL", "redis://x")
	t.Setenv("WORKER_BATCH_SIZE", "25")
	t.Setenv("DEDUP_TTL_SECONDS", "60")
	t.Setenv("HIGH_RISK_THRESHOLD", "0.5")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.WorkerBatchSize)
	assert.Equal(t, time.Minute, cfg.DedupTTL)
	assert.Equal(t, 0.5, cfg.HighRiskThreshold)
	assert.False(t, cfg.Development())
}

func TestValidate_MissingConnectionStringIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.RelationalURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
}

func TestValidate_CriticalBelowHighRejected(t *testing.T) {
	cfg := validConfig()
	cfg.HighRiskThreshold = 0.9
	cfg.CriticalRiskThreshold = 0.7
	require.Error(t, cfg.Validate())
}

func TestValidate_UnknownEnvRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "qa"
	require.Error(t, cfg.Validate())
}
