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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "masis_documents", cfg.Qdrant.CollectionName)
	assert.Equal(t, uint64(1536), cfg.Qdrant.VectorSize)

	assert.Equal(t, 2, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 0.75, cfg.Pipeline.LowConfidenceThreshold)
	assert.Equal(t, 0.60, cfg.Pipeline.ScoreFloor)
	assert.Equal(t, 5, cfg.Pipeline.BaseRetrievalLimit)
	assert.Equal(t, 6000, cfg.Pipeline.MaxContextChars)

	assert.Equal(t, 800, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 150, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 64, cfg.Ingestion.EmbedBatchSize)

	assert.Equal(t, "masis.ingest", cfg.NATS.Subject)
	assert.Equal(t, "masis-ingest-workers", cfg.NATS.QueueGroup)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
  shutdown_timeout: 15s
pipeline:
  low_confidence_threshold: 0.8
llm:
  api_key: sk-from-file
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 0.8, cfg.Pipeline.LowConfidenceThreshold)
	assert.Equal(t, "sk-from-file", cfg.LLM.APIKey.Value())

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Qdrant.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600))

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("PIPELINE_MAX_RETRIES", "4")
	t.Setenv("LLM_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.MaxRetries)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey.Value())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func validConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "shutdown timeout"},
		{"threshold above one", func(c *Config) { c.Pipeline.LowConfidenceThreshold = 1.5 }, "low confidence threshold"},
		{"negative retries", func(c *Config) { c.Pipeline.MaxRetries = -1 }, "max retries"},
		{"ratio at one", func(c *Config) { c.Pipeline.OverCompressionRatio = 1 }, "over-compression ratio"},
		{"zero call budget", func(c *Config) { c.LLM.CallsPerMinute = 0 }, "calls per minute"},
		{"zero vector size", func(c *Config) { c.Qdrant.VectorSize = 0 }, "vector size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	assert.Equal(t, "super-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
