package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/docstore"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/vectorstore"
)

// Ingestor embeds document chunks and writes them to the vector store,
// keeping the bookkeeping record's progress and status current.
type Ingestor struct {
	store    vectorstore.Store
	embedder vectorstore.Embedder
	docs     *docstore.Store
	chunker  *Chunker

	batchSize int
	// pacer spreads embedding batches out so bulk ingestion cannot starve
	// query-time embedding calls.
	pacer *rate.Limiter

	logger *logging.Logger
}

// NewIngestor creates an ingestor from config.
func NewIngestor(cfg config.IngestionConfig, store vectorstore.Store, embedder vectorstore.Embedder, docs *docstore.Store, logger *logging.Logger) *Ingestor {
	return &Ingestor{
		store:     store,
		embedder:  embedder,
		docs:      docs,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MaxUnitLength),
		batchSize: cfg.EmbedBatchSize,
		pacer:     rate.NewLimiter(rate.Limit(cfg.EmbedRate), 1),
		logger:    logger.Named("ingestor"),
	}
}

// IngestDocument chunks, embeds, and upserts one document's units. The
// document record transitions to READY on success and FAILED otherwise.
func (i *Ingestor) IngestDocument(ctx context.Context, workspaceID, documentID, fileName string, units []Chunk) error {
	if err := i.ingest(ctx, workspaceID, documentID, fileName, units); err != nil {
		if dbErr := i.docs.SetDocumentFailed(ctx, documentID, err.Error()); dbErr != nil {
			i.logger.Error(ctx, "recording ingestion failure", zap.Error(dbErr))
		}
		return err
	}
	return i.docs.SetDocumentReady(ctx, documentID)
}

func (i *Ingestor) ingest(ctx context.Context, workspaceID, documentID, fileName string, units []Chunk) error {
	chunks := i.chunker.Split(units)
	if len(chunks) == 0 {
		return fmt.Errorf("document %s produced no chunks", documentID)
	}

	if err := i.store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensuring collection: %w", err)
	}

	if err := i.docs.SetDocumentProgress(ctx, documentID, len(chunks), 0); err != nil {
		return fmt.Errorf("recording chunk count: %w", err)
	}

	texts := make([]string, len(chunks))
	for idx, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			// Embedding APIs reject empty inputs.
			text = " "
		}
		texts[idx] = text
	}

	processed := 0
	for start := 0; start < len(texts); start += i.batchSize {
		end := start + i.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if err := i.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for embed pacer: %w", err)
		}

		vectors, err := i.embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embedding batch at %d: %w", start, err)
		}

		points := make([]vectorstore.Point, len(vectors))
		for j, vector := range vectors {
			chunkIdx := start + j
			c := chunks[chunkIdx]
			points[j] = vectorstore.Point{
				ID:     uuid.NewString(),
				Vector: vector,
				Payload: vectorstore.ChunkPayload{
					WorkspaceID:    workspaceID,
					DocumentID:     documentID,
					FileName:       fileName,
					ChunkIndex:     chunkIdx,
					ChunkType:      chunkType(c),
					Text:           c.Text,
					StructuredData: c.StructuredData,
					PageNumber:     c.PageNumber,
					TableIndex:     c.TableIndex,
				},
			}
		}

		if err := i.store.Upsert(ctx, points); err != nil {
			return fmt.Errorf("upserting batch at %d: %w", start, err)
		}

		processed = end
		if err := i.docs.SetDocumentProgress(ctx, documentID, len(chunks), processed); err != nil {
			return fmt.Errorf("recording progress: %w", err)
		}
	}

	i.logger.Info(ctx, "document ingested",
		zap.String("document_id", documentID),
		zap.String("file_name", fileName),
		zap.Int("chunks", len(chunks)))
	return nil
}

func chunkType(c Chunk) string {
	if c.ChunkType != "" {
		return c.ChunkType
	}
	return "text"
}

// RemoveDocument deletes a document's chunks and its bookkeeping record.
func (i *Ingestor) RemoveDocument(ctx context.Context, workspaceID, documentID string) error {
	if err := i.store.DeleteByDocument(ctx, workspaceID, documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return i.docs.DeleteDocument(ctx, documentID)
}
