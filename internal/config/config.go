// Package config holds all engram configuration, loaded from YAML with
// environment-variable overrides. Defaults are complete: a missing config
// file yields a working single-directory deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"engram/internal/types"
)

// Config holds all engram configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage paths and capacities
	Storage StorageConfig `yaml:"storage"`

	// Tier placement thresholds (runtime-adjustable)
	Tiering TieringConfig `yaml:"tiering"`

	// Cache TTLs (runtime-adjustable)
	Cache CacheConfig `yaml:"cache"`

	// Index strategy switches (runtime-adjustable)
	Index IndexConfig `yaml:"index"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Enrichment pipeline and backpressure
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Profile synthesis policies
	Profile ProfileConfig `yaml:"profile"`

	// Governed write limits (runtime-adjustable)
	Write WriteConfig `yaml:"write"`

	// Background maintenance passes
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures tier backends. Relative paths resolve against
// DataDir.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	HotPath     string `yaml:"hot_path"`     // bbolt file
	WarmPath    string `yaml:"warm_path"`    // sqlite file
	ColdDir     string `yaml:"cold_dir"`     // shard root
	IndexPath   string `yaml:"index_path"`   // sqlite file
	ProfilePath string `yaml:"profile_path"` // sqlite file
	AuditPath   string `yaml:"audit_path"`   // sqlite file
	BackupPath  string `yaml:"backup_path"`  // bbolt file

	// Hot tier bounds; eviction removes lowest influence first.
	HotCapacity int `yaml:"hot_capacity"`
}

// TieringConfig holds the influence/age boundaries for tier placement.
type TieringConfig struct {
	MinInfluenceHot  float64 `yaml:"min_influence_hot"`
	MinInfluenceWarm float64 `yaml:"min_influence_warm"`
	RecencyHotDays   float64 `yaml:"recency_hot_days"`
	RecencyWarmDays  float64 `yaml:"recency_warm_days"`
}

// Thresholds converts the config section to the shared threshold type.
func (t TieringConfig) Thresholds() types.TierThresholds {
	return types.TierThresholds{
		MinInfluenceHot:  t.MinInfluenceHot,
		MinInfluenceWarm: t.MinInfluenceWarm,
		RecencyHotDays:   t.RecencyHotDays,
		RecencyWarmDays:  t.RecencyWarmDays,
	}
}

// CacheConfig configures the in-memory caches and the hot tier TTL.
type CacheConfig struct {
	CacheTTLSec        int `yaml:"cache_ttl_sec"`         // record read cache
	HotTTLSec          int `yaml:"hot_ttl_sec"`           // hot tier residency
	ProfileCacheTTLSec int `yaml:"profile_cache_ttl_sec"` // rendered profile cache
}

// IndexConfig switches retrieval strategies on and off.
type IndexConfig struct {
	EnableVectorIndex   bool `yaml:"enable_vector_index"`
	EnableFulltextIndex bool `yaml:"enable_fulltext_index"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // hash, genai
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    string `yaml:"timeout"`
}

// PipelineConfig bounds enrichment parallelism and ingestion backpressure.
type PipelineConfig struct {
	Workers         int    `yaml:"workers"`          // enrichment worker pool
	UserQueueDepth  int    `yaml:"user_queue_depth"` // pending batches per user
	MaxInFlight     int    `yaml:"max_in_flight"`    // batches across all users
	EnrichTimeout   string `yaml:"enrich_timeout"`   // per-record budget
	AttentionWindow int    `yaml:"attention_window_days"`
}

// ProfileConfig holds the synthesis policies that are deliberately not
// hardcoded: the archival floor for long-tail components.
type ProfileConfig struct {
	ArchiveFloor     float64 `yaml:"archive_floor"`      // normalized weight floor
	ArchiveAfterDays int     `yaml:"archive_after_days"` // days below floor before archive
}

// WriteConfig bounds the governed write path.
type WriteConfig struct {
	BatchSizeDefault     int `yaml:"batch_size_default"`
	BatchSizeHardCap     int `yaml:"batch_size_hard_cap"`
	DailyOpDefault       int `yaml:"daily_op_default"`
	BackupRetentionHours int `yaml:"backup_retention_hours"`
	MaxEstimatedMatches  int `yaml:"max_estimated_matches"`
}

// MaintenanceConfig schedules the background workers: tier migration, cold
// compaction, audit rotation, component archival, backup pruning.
type MaintenanceConfig struct {
	Interval           string `yaml:"interval"`             // between passes
	AuditRetentionDays int    `yaml:"audit_retention_days"` // rows older than this are rotated out
	SessionTTLMinutes  int    `yaml:"session_ttl_minutes"`  // pending conversational sessions
}

// LoggingConfig configures categorized file logging. Mirrored by the
// logging package to avoid an import cycle.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "engram",
		Version: "0.9.0",

		Storage: StorageConfig{
			DataDir:     "data",
			HotPath:     "hot.db",
			WarmPath:    "warm.db",
			ColdDir:     "cold",
			IndexPath:   "index.db",
			ProfilePath: "profile.db",
			AuditPath:   "audit.db",
			BackupPath:  "backups.db",
			HotCapacity: 50000,
		},

		Tiering: TieringConfig{
			MinInfluenceHot:  0.7,
			MinInfluenceWarm: 0.3,
			RecencyHotDays:   7,
			RecencyWarmDays:  30,
		},

		Cache: CacheConfig{
			CacheTTLSec:        300,
			HotTTLSec:          7 * 24 * 3600,
			ProfileCacheTTLSec: 3600,
		},

		Index: IndexConfig{
			EnableVectorIndex:   true,
			EnableFulltextIndex: true,
		},

		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "text-embedding-004",
			Dimensions: 256,
			Timeout:    "30s",
		},

		Pipeline: PipelineConfig{
			Workers:         8,
			UserQueueDepth:  4,
			MaxInFlight:     64,
			EnrichTimeout:   "10s",
			AttentionWindow: 30,
		},

		Profile: ProfileConfig{
			ArchiveFloor:     0.02,
			ArchiveAfterDays: 30,
		},

		Write: WriteConfig{
			BatchSizeDefault:     100,
			BatchSizeHardCap:     1000,
			DailyOpDefault:       100,
			BackupRetentionHours: 24,
			MaxEstimatedMatches:  10000,
		},

		Maintenance: MaintenanceConfig{
			Interval:           "1h",
			AuditRetentionDays: 90,
			SessionTTLMinutes:  15,
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("ENGRAM_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if path := os.Getenv("ENGRAM_WARM_DB"); path != "" {
		c.Storage.WarmPath = path
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
		c.Embedding.Provider = "genai"
	}
	// An explicit provider choice beats the provider implied by an API key.
	if provider := os.Getenv("ENGRAM_EMBEDDING_PROVIDER"); provider != "" {
		c.Embedding.Provider = provider
	}
}

// ResolvePath resolves a storage path against the data directory. Absolute
// paths pass through unchanged.
func (c *Config) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

// HotDBPath returns the resolved bbolt path for the hot tier.
func (c *Config) HotDBPath() string { return c.ResolvePath(c.Storage.HotPath) }

// WarmDBPath returns the resolved sqlite path for the warm tier.
func (c *Config) WarmDBPath() string { return c.ResolvePath(c.Storage.WarmPath) }

// ColdDirPath returns the resolved cold shard root.
func (c *Config) ColdDirPath() string { return c.ResolvePath(c.Storage.ColdDir) }

// IndexDBPath returns the resolved sqlite path for the retrieval indexes.
func (c *Config) IndexDBPath() string { return c.ResolvePath(c.Storage.IndexPath) }

// ProfileDBPath returns the resolved sqlite path for the profile store.
func (c *Config) ProfileDBPath() string { return c.ResolvePath(c.Storage.ProfilePath) }

// AuditDBPath returns the resolved sqlite path for the audit log.
func (c *Config) AuditDBPath() string { return c.ResolvePath(c.Storage.AuditPath) }

// BackupDBPath returns the resolved bbolt path for pre-mutation snapshots.
func (c *Config) BackupDBPath() string { return c.ResolvePath(c.Storage.BackupPath) }

// CacheTTL returns the record cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.CacheTTLSec) * time.Second
}

// HotTTL returns the hot tier residency TTL as a duration.
func (c *Config) HotTTL() time.Duration {
	return time.Duration(c.Cache.HotTTLSec) * time.Second
}

// ProfileCacheTTL returns the rendered profile cache TTL as a duration.
func (c *Config) ProfileCacheTTL() time.Duration {
	return time.Duration(c.Cache.ProfileCacheTTLSec) * time.Second
}

// BackupRetention returns how long pre-mutation snapshots are kept.
func (c *Config) BackupRetention() time.Duration {
	return time.Duration(c.Write.BackupRetentionHours) * time.Hour
}

// GetEmbedTimeout returns the embedding call timeout as a duration.
func (c *Config) GetEmbedTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetEnrichTimeout returns the per-record enrichment budget as a duration.
func (c *Config) GetEnrichTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.EnrichTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// MaintenanceInterval returns the pause between background maintenance
// passes.
func (c *Config) MaintenanceInterval() time.Duration {
	d, err := time.ParseDuration(c.Maintenance.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// AuditRetention returns how long audit rows are kept before rotation.
func (c *Config) AuditRetention() time.Duration {
	days := c.Maintenance.AuditRetentionDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// SessionTTL returns how long a pending conversational-write session stays
// confirmable.
func (c *Config) SessionTTL() time.Duration {
	min := c.Maintenance.SessionTTLMinutes
	if min <= 0 {
		min = 15
	}
	return time.Duration(min) * time.Minute
}
