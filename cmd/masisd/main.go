// Masisd is the document question-answering daemon.
//
// It serves the workspace/document/query HTTP API, runs the ingestion
// worker, and talks to Qdrant and an OpenAI-compatible model provider.
//
// Usage:
//
//	# Start with defaults
//	masisd
//
//	# Configure via file and environment
//	masisd -config config.yaml
//	SERVER_PORT=8090 LLM_API_KEY=sk-... masisd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/docstore"
	"github.com/masislabs/masis/internal/embeddings"
	"github.com/masislabs/masis/internal/ingestion"
	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/pipeline"
	"github.com/masislabs/masis/internal/server"
	"github.com/masislabs/masis/internal/telemetry"
	"github.com/masislabs/masis/internal/vectorstore"
	"github.com/masislabs/masis/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("MASIS_CONFIG"), "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("masisd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("masisd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.New(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown", zap.Error(err))
		}
	}()

	docs, err := docstore.Open(cfg.Docstore.Path)
	if err != nil {
		return fmt.Errorf("opening docstore: %w", err)
	}
	defer docs.Close()

	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		Host:           cfg.Qdrant.Host,
		Port:           cfg.Qdrant.Port,
		CollectionName: cfg.Qdrant.CollectionName,
		VectorSize:     cfg.Qdrant.VectorSize,
		UseTLS:         cfg.Qdrant.UseTLS,
		MaxRetries:     cfg.Qdrant.MaxRetries,
		RetryBackoff:   cfg.Qdrant.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer store.Close()

	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensuring qdrant collection: %w", err)
	}

	embedder, err := embeddings.NewService(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	// One sliding-window limiter per process, shared by every model call.
	limiter := llm.NewSlidingWindowLimiter(cfg.LLM.CallsPerMinute, time.Minute)
	client, err := llm.NewClient(cfg.LLM, limiter, logger)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}

	registry := prometheus.NewRegistry()

	p := pipeline.New(client, store, embedder, cfg.Pipeline,
		pipeline.NewMetrics(registry), logger)

	ingestor := ingestion.NewIngestor(cfg.Ingestion, store, embedder, docs, logger)

	consumer := worker.NewConsumer(cfg.NATS, ingestor, logger)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting ingest consumer: %w", err)
	}
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn(context.Background(), "stopping consumer", zap.Error(err))
		}
	}()

	publisher, err := worker.NewPublisher(cfg.NATS)
	if err != nil {
		return fmt.Errorf("creating task publisher: %w", err)
	}
	defer publisher.Close()

	srv, err := server.NewServer(p, docs, publisher, ingestor, registry, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info(ctx, "masisd started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
