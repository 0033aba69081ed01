// Package config provides configuration loading for masisd.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. Defaults are applied for anything left unset.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete masisd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	LLM           LLMConfig           `koanf:"llm"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Ingestion     IngestionConfig     `koanf:"ingestion"`
	NATS          NATSConfig          `koanf:"nats"`
	Docstore      DocstoreConfig      `koanf:"docstore"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
}

// QdrantConfig holds Qdrant gRPC client configuration.
type QdrantConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	CollectionName string        `koanf:"collection_name"`
	VectorSize     uint64        `koanf:"vector_size"`
	UseTLS         bool          `koanf:"use_tls"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
}

// EmbeddingsConfig holds the embedding service configuration.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// LLMConfig holds the generation gateway configuration.
type LLMConfig struct {
	BaseURL    string        `koanf:"base_url"`
	APIKey     Secret        `koanf:"api_key"`
	Model      string        `koanf:"model"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`

	// CallsPerMinute caps model calls process-wide over a rolling
	// 60-second window. Callers block until capacity frees up.
	CallsPerMinute int `koanf:"calls_per_minute"`
}

// PipelineConfig holds the tunables of the question-answering pipeline.
// The thresholds are deployment knobs, not contracts; defaults follow the
// values the pipeline was calibrated with.
type PipelineConfig struct {
	MaxRetries             int     `koanf:"max_retries"`
	LowConfidenceThreshold float64 `koanf:"low_confidence_threshold"`
	ScoreFloor             float64 `koanf:"score_floor"`
	RetryFloorRelax        float64 `koanf:"retry_floor_relax"`
	BaseRetrievalLimit     int     `koanf:"base_retrieval_limit"`
	MaxContextChars        int     `koanf:"max_context_chars"`
	TopVerbatimChunks      int     `koanf:"top_verbatim_chunks"`
	OverCompressionRatio   float64 `koanf:"over_compression_ratio"`
}

// IngestionConfig holds document ingestion configuration.
type IngestionConfig struct {
	ChunkSize      int     `koanf:"chunk_size"`
	ChunkOverlap   int     `koanf:"chunk_overlap"`
	MaxUnitLength  int     `koanf:"max_unit_length"`
	EmbedBatchSize int     `koanf:"embed_batch_size"`
	EmbedRate      float64 `koanf:"embed_rate"` // embedding batches per second
	Workers        int     `koanf:"workers"`
}

// NATSConfig holds the ingestion task queue configuration.
type NATSConfig struct {
	URL        string `koanf:"url"`
	Subject    string `koanf:"subject"`
	QueueGroup string `koanf:"queue_group"`
}

// DocstoreConfig holds the SQLite bookkeeping store configuration.
type DocstoreConfig struct {
	Path string `koanf:"path"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "masisd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionName == "" {
		cfg.Qdrant.CollectionName = "masis_documents"
	}
	if cfg.Qdrant.VectorSize == 0 {
		cfg.Qdrant.VectorSize = 1536
	}
	if cfg.Qdrant.MaxRetries == 0 {
		cfg.Qdrant.MaxRetries = 3
	}
	if cfg.Qdrant.RetryBackoff == 0 {
		cfg.Qdrant.RetryBackoff = time.Second
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.CallsPerMinute == 0 {
		cfg.LLM.CallsPerMinute = 60
	}

	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 2
	}
	if cfg.Pipeline.LowConfidenceThreshold == 0 {
		cfg.Pipeline.LowConfidenceThreshold = 0.75
	}
	if cfg.Pipeline.ScoreFloor == 0 {
		cfg.Pipeline.ScoreFloor = 0.60
	}
	if cfg.Pipeline.RetryFloorRelax == 0 {
		cfg.Pipeline.RetryFloorRelax = 0.05
	}
	if cfg.Pipeline.BaseRetrievalLimit == 0 {
		cfg.Pipeline.BaseRetrievalLimit = 5
	}
	if cfg.Pipeline.MaxContextChars == 0 {
		cfg.Pipeline.MaxContextChars = 6000
	}
	if cfg.Pipeline.TopVerbatimChunks == 0 {
		cfg.Pipeline.TopVerbatimChunks = 3
	}
	if cfg.Pipeline.OverCompressionRatio == 0 {
		cfg.Pipeline.OverCompressionRatio = 0.35
	}

	if cfg.Ingestion.ChunkSize == 0 {
		cfg.Ingestion.ChunkSize = 800
	}
	if cfg.Ingestion.ChunkOverlap == 0 {
		cfg.Ingestion.ChunkOverlap = 150
	}
	if cfg.Ingestion.MaxUnitLength == 0 {
		cfg.Ingestion.MaxUnitLength = 1000
	}
	if cfg.Ingestion.EmbedBatchSize == 0 {
		cfg.Ingestion.EmbedBatchSize = 64
	}
	if cfg.Ingestion.EmbedRate == 0 {
		cfg.Ingestion.EmbedRate = 2
	}
	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 2
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "masis.ingest"
	}
	if cfg.NATS.QueueGroup == "" {
		cfg.NATS.QueueGroup = "masis-ingest-workers"
	}

	if cfg.Docstore.Path == "" {
		cfg.Docstore.Path = "masis.db"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize == 0 {
		return errors.New("qdrant vector size required")
	}
	if c.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline max retries cannot be negative")
	}
	if c.Pipeline.LowConfidenceThreshold < 0 || c.Pipeline.LowConfidenceThreshold > 1 {
		return fmt.Errorf("low confidence threshold must be in [0,1]: %v", c.Pipeline.LowConfidenceThreshold)
	}
	if c.Pipeline.OverCompressionRatio <= 0 || c.Pipeline.OverCompressionRatio >= 1 {
		return fmt.Errorf("over-compression ratio must be in (0,1): %v", c.Pipeline.OverCompressionRatio)
	}
	if c.LLM.CallsPerMinute <= 0 {
		return errors.New("llm calls per minute must be positive")
	}
	return nil
}
