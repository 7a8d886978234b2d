package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "fleetd", cfg.Database.DBName)
	assert.Equal(t, "30s", cfg.Collectors.Agent.Interval)
	assert.Equal(t, 3, cfg.Collectors.Agent.FailureThreshold)
	assert.Equal(t, "720h", cfg.Reconciler.SoftDeleteRetention)
	assert.Equal(t, "24h", cfg.Mapping.StickyWindow)
	assert.Equal(t, 8, cfg.Orchestrator.GlobalConcurrency)
	assert.Equal(t, 1, cfg.Orchestrator.PerServerConcurrency)
	assert.Equal(t, 60, cfg.Orchestrator.DrainWaitMaxMinutes)
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db1", Port: 5433, User: "ops", Password: "secret", DBName: "fleetd", SSLMode: "require"}
	assert.Equal(t, "host=db1 port=5433 user=ops password=secret dbname=fleetd sslmode=require", db.DSN())
}

func TestApplyFallbacks(t *testing.T) {
	cfg := &Config{}
	applyFallbacks(cfg)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 16, cfg.Collectors.BatchChan)
	assert.Equal(t, 8, cfg.Orchestrator.GlobalConcurrency)
	assert.Equal(t, 1, cfg.Orchestrator.PerServerConcurrency)
	assert.Equal(t, 60, cfg.Orchestrator.DrainWaitMaxMinutes)

	cfg.Orchestrator.DrainWaitMaxMinutes = 240
	applyFallbacks(cfg)
	assert.Equal(t, 60, cfg.Orchestrator.DrainWaitMaxMinutes)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := map[string]any{
		"server":   map[string]any{"bindAddr": "127.0.0.1:9090"},
		"database": map[string]any{"host": "pg.internal", "port": 5432},
		"mapping":  map[string]any{"stickyWindow": "12h"},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := defaultConfig()
	require.NoError(t, loadFromFile(cfg, path))
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.BindAddr)
	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "12h", cfg.Mapping.StickyWindow)

	assert.Error(t, loadFromFile(cfg, filepath.Join(t.TempDir(), "missing.json")))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("not-a-duration", time.Minute))
	assert.Equal(t, time.Minute, Duration("-5s", time.Minute))
}
