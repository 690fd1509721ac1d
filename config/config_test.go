package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "chromem", cfg.Storage.VectorBackend)
	assert.InDelta(t, 0.95, cfg.Engine.DedupThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Engine.SemanticWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Engine.LexicalWeight, 1e-9)
	assert.InDelta(t, 0.2, cfg.Engine.RecencyWeight, 1e-9)
	assert.Equal(t, "local", cfg.LLM.EmbedProvider)
	assert.Equal(t, "none", cfg.LLM.CompleteProvider)
	assert.InDelta(t, 2.0, cfg.LLM.RateRPS, 1e-9)
	assert.Equal(t, 4, cfg.LLM.RateBurst)
	assert.Equal(t, 1024, cfg.LLM.EmbedDimensions)
	assert.Equal(t, 30*24*time.Hour, cfg.Workers.ExpiryGrace)
	assert.Equal(t, "archive", cfg.Workers.ExpiryDefaultPolicy)
	assert.Equal(t, 1000, cfg.Workers.SummarizeMinChars)
	assert.Equal(t, 200, cfg.Workers.SummarizeTargetChars)
	assert.True(t, cfg.Workers.DedupApproval())
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.UndoRetention)
	assert.Equal(t, 256, cfg.Realtime.QueueSize)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Engine.DedupThreshold, cfg.Engine.DedupThreshold)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  tcp: "localhost:50052"
storage:
  vector_backend: qdrant
  qdrant:
    host: vectors.internal
llm:
  embed_provider: openai
  rate_rps: 10
  openai:
    api_key: sk-test
workers:
  dedup_require_approval: false
  backup_keep: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:50052", cfg.Server.TCP)
	assert.Equal(t, "/tmp/memoryd.sock", cfg.Server.Socket)
	assert.Equal(t, "qdrant", cfg.Storage.VectorBackend)
	assert.Equal(t, "vectors.internal", cfg.Storage.Qdrant.Host)
	// Untouched keys keep their defaults.
	assert.Equal(t, 6334, cfg.Storage.Qdrant.Port)
	assert.Equal(t, "openai", cfg.LLM.EmbedProvider)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey)
	assert.InDelta(t, 10.0, cfg.LLM.RateRPS, 1e-9)
	// An explicit false must survive the merge over the true default.
	assert.False(t, cfg.Workers.DedupApproval())
	assert.Equal(t, 3, cfg.Workers.BackupKeep)
	assert.InDelta(t, 0.95, cfg.Engine.DedupThreshold, 1e-9)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [not: a: map"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Defaults()
	cfg.Storage.VectorBackend = "qdrant"
	require.NoError(t, Save(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qdrant", loaded.Storage.VectorBackend)
}

func TestPathHonorsEnvOverride(t *testing.T) {
	t.Setenv("MEMORYD_CONFIG_PATH", "/etc/memoryd/config.yaml")
	assert.Equal(t, "/etc/memoryd/config.yaml", Path())

	t.Setenv("MEMORYD_CONFIG_PATH", "")
	assert.Equal(t, filepath.Join(defaultDataDir(), "config.yaml"), Path())
}
