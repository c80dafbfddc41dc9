package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/takrelay/internal/classify"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "takrelay.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "takrelay.db", cfg.GetDBPath())
	assert.Equal(t, ":8080", cfg.GetListenAddr())
	assert.Equal(t, "mock", cfg.GetSinkKind())
	assert.Equal(t, "tak.cot.events", cfg.GetNATSSubject())
	assert.Equal(t, 5*time.Second, cfg.GetSendTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetStaleAfter())
	assert.Equal(t, 2*time.Minute, cfg.GetClockSkew())
	assert.Equal(t, 30*time.Second, cfg.GetSyncInterval())
	assert.Equal(t, 5*time.Minute, cfg.GetStaleClaim())
	assert.Equal(t, 30*time.Second, cfg.GetBackoffBase())
	assert.Equal(t, 15*time.Minute, cfg.GetBackoffMax())
	assert.Equal(t, 10000, cfg.GetMaxQueueSize())
	assert.Equal(t, 5, cfg.GetRetryCeiling())
	assert.Equal(t, 100, cfg.GetBatchSize())
	assert.Equal(t, 90*24*time.Hour, cfg.GetAuditRetention())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"db_path": "/var/lib/takrelay/relay.db",
		"listen_addr": ":9090",
		"sink_kind": "http",
		"sink_url": "http://tak.local:8087/ingest",
		"send_timeout": "10s",
		"sync_interval": "1m",
		"max_queue_size": 500,
		"retry_ceiling": 3,
		"audit_retention_days": 30,
		"terrain": {"marsh": {"green_max_m": 60, "red_max_m": 200}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/takrelay/relay.db", cfg.GetDBPath())
	assert.Equal(t, ":9090", cfg.GetListenAddr())
	assert.Equal(t, "http", cfg.GetSinkKind())
	assert.Equal(t, "http://tak.local:8087/ingest", cfg.GetSinkURL())
	assert.Equal(t, 10*time.Second, cfg.GetSendTimeout())
	assert.Equal(t, time.Minute, cfg.GetSyncInterval())
	assert.Equal(t, 500, cfg.GetMaxQueueSize())
	assert.Equal(t, 3, cfg.GetRetryCeiling())
	assert.Equal(t, 30*24*time.Hour, cfg.GetAuditRetention())

	// Partial config keeps defaults for everything omitted.
	assert.Equal(t, 100, cfg.GetBatchSize())
	assert.Equal(t, 15*time.Minute, cfg.GetBackoffMax())
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{not json`))
	assert.Error(t, err)

	notJSON := filepath.Join(t.TempDir(), "takrelay.yaml")
	require.NoError(t, os.WriteFile(notJSON, []byte("{}"), 0o644))
	_, err = Load(notJSON)
	assert.Error(t, err, "only .json configs are accepted")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"empty", `{}`, true},
		{"good durations", `{"send_timeout": "250ms", "backoff_base": "1m"}`, true},
		{"bad duration", `{"send_timeout": "fast"}`, false},
		{"bad sink kind", `{"sink_kind": "smtp"}`, false},
		{"zero queue size", `{"max_queue_size": 0}`, false},
		{"zero retry ceiling", `{"retry_ceiling": 0}`, false},
		{"terrain red below green", `{"terrain": {"x": {"green_max_m": 100, "red_max_m": 50}}}`, false},
		{"terrain zero green", `{"terrain": {"x": {"green_max_m": 0, "red_max_m": 50}}}`, false},
		{"terrain well formed", `{"terrain": {"x": {"green_max_m": 10, "red_max_m": 50}}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassifyTableMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"terrain": {
			"sea_level": {"green_max_m": 30, "red_max_m": 100},
			"marsh": {"green_max_m": 60, "red_max_m": 200}
		},
		"terrain_fallback": {"green_max_m": 20, "red_max_m": 80}
	}`))
	require.NoError(t, err)

	table := cfg.ClassifyTable()
	assert.Equal(t, classify.Thresholds{GreenMaxM: 30, RedMaxM: 100}, table.ThresholdsFor("sea_level"), "config overrides built-in")
	assert.Equal(t, classify.Thresholds{GreenMaxM: 60, RedMaxM: 200}, table.ThresholdsFor("marsh"), "config adds new terrain")
	assert.Equal(t, classify.DefaultTerrains["mountains"], table.ThresholdsFor("mountains"), "untouched built-ins survive")
	assert.Equal(t, classify.Thresholds{GreenMaxM: 20, RedMaxM: 80}, table.ThresholdsFor("unknown"), "configured fallback applies")
}
