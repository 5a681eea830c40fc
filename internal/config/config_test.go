package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "engram", cfg.Name)
	assert.Equal(t, 0.7, cfg.Tiering.MinInfluenceHot)
	assert.Equal(t, 0.3, cfg.Tiering.MinInfluenceWarm)
	assert.Equal(t, 100, cfg.Write.BatchSizeDefault)
	assert.Equal(t, 1000, cfg.Write.BatchSizeHardCap)
	assert.Equal(t, 3600, cfg.Cache.ProfileCacheTTLSec)
	assert.True(t, cfg.Index.EnableVectorIndex)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
tiering:
  min_influence_hot: 0.8
write:
  batch_size_hard_cap: 500
index:
  enable_vector_index: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Tiering.MinInfluenceHot)
	assert.Equal(t, 500, cfg.Write.BatchSizeHardCap)
	assert.False(t, cfg.Index.EnableVectorIndex)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.3, cfg.Tiering.MinInfluenceWarm)
	assert.Equal(t, 100, cfg.Write.BatchSizeDefault)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/engram"
	cfg.Profile.ArchiveFloor = 0.05
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/engram", loaded.Storage.DataDir)
	assert.Equal(t, 0.05, loaded.Profile.ArchiveFloor)
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/data/engram"

	assert.Equal(t, "/data/engram/warm.db", cfg.WarmDBPath())
	assert.Equal(t, "/data/engram/cold", cfg.ColdDirPath())

	cfg.Storage.WarmPath = "/elsewhere/warm.db"
	assert.Equal(t, "/elsewhere/warm.db", cfg.WarmDBPath())
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.HotTTL())
	assert.Equal(t, time.Hour, cfg.ProfileCacheTTL())
	assert.Equal(t, 24*time.Hour, cfg.BackupRetention())

	cfg.Embedding.Timeout = "bogus"
	assert.Equal(t, 30*time.Second, cfg.GetEmbedTimeout(), "bad duration falls back")
}

func TestThresholdsBridge(t *testing.T) {
	cfg := DefaultConfig()
	th := cfg.Tiering.Thresholds()
	assert.Equal(t, 0.7, th.MinInfluenceHot)
	assert.Equal(t, float64(7), th.RecencyHotDays)
}
