// Package vectorstore defines the evidence store gateway: workspace-scoped
// similarity search over embedded document chunks.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyPoints indicates empty or nil points.
	ErrEmptyPoints = errors.New("empty or nil points")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic
// meaning, enabling similarity search. Implementations can use local models
// (TEI) or cloud APIs (OpenAI-compatible).
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkPayload is the stored payload of a document chunk.
//
// The shape follows the ingestion pipeline's per-chunk records: plain text
// plus optional structure for table and page provenance.
type ChunkPayload struct {
	WorkspaceID    string `json:"workspace_id"`
	DocumentID     string `json:"document_id"`
	FileName       string `json:"file_name"`
	ChunkIndex     int    `json:"chunk_index"`
	ChunkType      string `json:"chunk_type"`
	Text           string `json:"text"`
	StructuredData string `json:"structured_data,omitempty"`
	PageNumber     *int   `json:"page_number,omitempty"`
	TableIndex     *int   `json:"table_index,omitempty"`
}

// Point is a vector plus payload ready for upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload ChunkPayload
}

// ScoredChunk is a similarity search hit.
type ScoredChunk struct {
	ID      string
	Score   float64
	Payload ChunkPayload
}

// Store is the evidence store gateway.
//
// Search is always scoped to a workspace: the workspace filter is applied
// server-side so a query can never see another workspace's chunks. Results
// come back in descending-score order.
type Store interface {
	// Search performs similarity search scoped to workspaceID, returning
	// up to limit hits ordered by similarity score (highest first).
	Search(ctx context.Context, workspaceID string, vector []float32, limit int) ([]ScoredChunk, error)

	// Upsert writes points to the collection, overwriting existing IDs.
	Upsert(ctx context.Context, points []Point) error

	// EnsureCollection creates the collection if it does not exist yet.
	EnsureCollection(ctx context.Context) error

	// DeleteByDocument removes every chunk of a document from a workspace.
	DeleteByDocument(ctx context.Context, workspaceID, documentID string) error

	// Close closes the store connection and releases resources.
	Close() error
}
