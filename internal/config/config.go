// Package config loads the relay configuration. The schema uses pointer
// fields so a partial JSON file is safe: fields omitted from the file keep
// their defaults through the Get* accessors. The loaded value is treated as
// immutable for the process lifetime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldsight/takrelay/internal/classify"
)

// RelayConfig is the root configuration.
type RelayConfig struct {
	DBPath     string `json:"db_path,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`

	// Sink selection
	SinkKind    *string `json:"sink_kind,omitempty"` // "http", "nats" or "mock"
	SinkURL     *string `json:"sink_url,omitempty"`
	NATSSubject *string `json:"nats_subject,omitempty"`

	// Pipeline tunables (duration strings like "5s")
	SendTimeout    *string `json:"send_timeout,omitempty"`
	StaleAfter     *string `json:"stale_after,omitempty"`
	ClockSkew      *string `json:"clock_skew,omitempty"`
	SyncInterval   *string `json:"sync_interval,omitempty"`
	AttemptTimeout *string `json:"attempt_timeout,omitempty"`
	StaleClaim     *string `json:"stale_claim,omitempty"`

	// Queue tunables
	MaxQueueSize *int    `json:"max_queue_size,omitempty"`
	RetryCeiling *int    `json:"retry_ceiling,omitempty"`
	BatchSize    *int    `json:"batch_size,omitempty"`
	BackoffBase  *string `json:"backoff_base,omitempty"`
	BackoffMax   *string `json:"backoff_max,omitempty"`

	// Audit retention
	AuditRetentionDays *int `json:"audit_retention_days,omitempty"`

	// Terrain-specific classification thresholds; merged over the built-in
	// table, with an optional fallback for unknown terrain classes.
	Terrain         map[string]classify.Thresholds `json:"terrain,omitempty"`
	TerrainFallback *classify.Thresholds           `json:"terrain_fallback,omitempty"`
}

// Load reads and validates a config file. A missing path returns an empty
// config, so the relay can start on defaults alone.
func Load(path string) (*RelayConfig, error) {
	if path == "" {
		return &RelayConfig{}, nil
	}
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RelayConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configured values are usable.
func (c *RelayConfig) Validate() error {
	for name, field := range map[string]*string{
		"send_timeout":    c.SendTimeout,
		"stale_after":     c.StaleAfter,
		"clock_skew":      c.ClockSkew,
		"sync_interval":   c.SyncInterval,
		"attempt_timeout": c.AttemptTimeout,
		"stale_claim":     c.StaleClaim,
		"backoff_base":    c.BackoffBase,
		"backoff_max":     c.BackoffMax,
	} {
		if field != nil && *field != "" {
			if _, err := time.ParseDuration(*field); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *field, err)
			}
		}
	}
	if c.MaxQueueSize != nil && *c.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be positive, got %d", *c.MaxQueueSize)
	}
	if c.RetryCeiling != nil && *c.RetryCeiling < 1 {
		return fmt.Errorf("retry_ceiling must be positive, got %d", *c.RetryCeiling)
	}
	if c.SinkKind != nil {
		switch *c.SinkKind {
		case "http", "nats", "mock":
		default:
			return fmt.Errorf("unknown sink_kind %q", *c.SinkKind)
		}
	}
	for terrain, th := range c.Terrain {
		if th.GreenMaxM <= 0 || th.RedMaxM <= th.GreenMaxM {
			return fmt.Errorf("terrain %q: need 0 < green_max_m < red_max_m, got %+v", terrain, th)
		}
	}
	return nil
}

func (c *RelayConfig) duration(field *string, def time.Duration) time.Duration {
	if field == nil || *field == "" {
		return def
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return def
	}
	return d
}

// GetDBPath returns the database path or the default.
func (c *RelayConfig) GetDBPath() string {
	if c.DBPath == "" {
		return "takrelay.db"
	}
	return c.DBPath
}

// GetListenAddr returns the API listen address or the default.
func (c *RelayConfig) GetListenAddr() string {
	if c.ListenAddr == "" {
		return ":8080"
	}
	return c.ListenAddr
}

// GetSinkKind returns the sink variant or the default mock sink.
func (c *RelayConfig) GetSinkKind() string {
	if c.SinkKind == nil || *c.SinkKind == "" {
		return "mock"
	}
	return *c.SinkKind
}

// GetSinkURL returns the sink endpoint or broker URL.
func (c *RelayConfig) GetSinkURL() string {
	if c.SinkURL == nil {
		return ""
	}
	return *c.SinkURL
}

// GetNATSSubject returns the NATS subject or the default.
func (c *RelayConfig) GetNATSSubject() string {
	if c.NATSSubject == nil || *c.NATSSubject == "" {
		return "tak.cot.events"
	}
	return *c.NATSSubject
}

// GetSendTimeout returns the immediate-delivery timeout.
func (c *RelayConfig) GetSendTimeout() time.Duration {
	return c.duration(c.SendTimeout, 5*time.Second)
}

// GetStaleAfter returns the CoT validity window.
func (c *RelayConfig) GetStaleAfter() time.Duration {
	return c.duration(c.StaleAfter, 5*time.Minute)
}

// GetClockSkew returns the future-timestamp tolerance.
func (c *RelayConfig) GetClockSkew() time.Duration {
	return c.duration(c.ClockSkew, 2*time.Minute)
}

// GetSyncInterval returns the sync loop interval.
func (c *RelayConfig) GetSyncInterval() time.Duration {
	return c.duration(c.SyncInterval, 30*time.Second)
}

// GetAttemptTimeout returns the per-attempt delivery timeout in sync.
func (c *RelayConfig) GetAttemptTimeout() time.Duration {
	return c.duration(c.AttemptTimeout, 5*time.Second)
}

// GetStaleClaim returns the stale-claim reclaim timeout.
func (c *RelayConfig) GetStaleClaim() time.Duration {
	return c.duration(c.StaleClaim, 5*time.Minute)
}

// GetBackoffBase returns the first retry delay.
func (c *RelayConfig) GetBackoffBase() time.Duration {
	return c.duration(c.BackoffBase, 30*time.Second)
}

// GetBackoffMax returns the retry delay ceiling.
func (c *RelayConfig) GetBackoffMax() time.Duration {
	return c.duration(c.BackoffMax, 15*time.Minute)
}

// GetMaxQueueSize returns the queue capacity.
func (c *RelayConfig) GetMaxQueueSize() int {
	if c.MaxQueueSize == nil {
		return 10000
	}
	return *c.MaxQueueSize
}

// GetRetryCeiling returns the retry ceiling.
func (c *RelayConfig) GetRetryCeiling() int {
	if c.RetryCeiling == nil {
		return 5
	}
	return *c.RetryCeiling
}

// GetBatchSize returns the sync batch cap.
func (c *RelayConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 100
	}
	return *c.BatchSize
}

// GetAuditRetention returns the audit retention period.
func (c *RelayConfig) GetAuditRetention() time.Duration {
	days := 90
	if c.AuditRetentionDays != nil {
		days = *c.AuditRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ClassifyTable builds the classification table: configured terrains merged
// over the built-in defaults.
func (c *RelayConfig) ClassifyTable() *classify.Table {
	merged := make(map[string]classify.Thresholds, len(classify.DefaultTerrains)+len(c.Terrain))
	for k, v := range classify.DefaultTerrains {
		merged[k] = v
	}
	for k, v := range c.Terrain {
		merged[k] = v
	}
	fallback := classify.Thresholds{}
	if c.TerrainFallback != nil {
		fallback = *c.TerrainFallback
	}
	return classify.NewTable(merged, fallback)
}
