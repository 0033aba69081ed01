package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/docstore"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/vectorstore"
)

type fakeStore struct {
	upserts [][]vectorstore.Point
	deleted []string

	upsertErr error
}

func (f *fakeStore) Search(ctx context.Context, workspaceID string, vector []float32, limit int) ([]vectorstore.ScoredChunk, error) {
	return nil, nil
}

func (f *fakeStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, points)
	return nil
}

func (f *fakeStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeStore) DeleteByDocument(ctx context.Context, workspaceID, documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeEmbedder struct {
	batches [][]string
	err     error
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, texts)
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2}
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type ingestorFixture struct {
	ingestor *Ingestor
	store    *fakeStore
	embedder *fakeEmbedder
	docs     *docstore.Store

	workspaceID string
	documentID  string
}

func newIngestorFixture(t *testing.T) *ingestorFixture {
	t.Helper()

	docs, err := docstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	ws, err := docs.CreateWorkspace(context.Background(), "test")
	require.NoError(t, err)
	doc, err := docs.CreateDocument(context.Background(), ws.ID, "report.pdf", "hash-1")
	require.NoError(t, err)

	f := &ingestorFixture{
		store:       &fakeStore{},
		embedder:    &fakeEmbedder{},
		docs:        docs,
		workspaceID: ws.ID,
		documentID:  doc.ID,
	}
	f.ingestor = NewIngestor(config.IngestionConfig{
		ChunkSize:      800,
		ChunkOverlap:   150,
		MaxUnitLength:  1000,
		EmbedBatchSize: 2,
		EmbedRate:      1000,
	}, f.store, f.embedder, docs, logging.NewTestLogger().Logger)
	return f
}

func TestIngestDocument_EmbedsAndUpserts(t *testing.T) {
	f := newIngestorFixture(t)

	units := []Chunk{
		{Text: "Revenue grew 12%."},
		{ChunkType: "table", Text: "Q3 figures", StructuredData: `{"rows": 2}`},
		{Text: "Margins held steady."},
	}

	err := f.ingestor.IngestDocument(context.Background(), f.workspaceID, f.documentID, "report.pdf", units)
	require.NoError(t, err)

	// Batch size 2: two embedding calls, two upserts.
	require.Len(t, f.embedder.batches, 2)
	assert.Len(t, f.embedder.batches[0], 2)
	assert.Len(t, f.embedder.batches[1], 1)
	require.Len(t, f.store.upserts, 2)

	first := f.store.upserts[0][0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, f.workspaceID, first.Payload.WorkspaceID)
	assert.Equal(t, f.documentID, first.Payload.DocumentID)
	assert.Equal(t, "report.pdf", first.Payload.FileName)
	assert.Equal(t, 0, first.Payload.ChunkIndex)
	assert.Equal(t, "text", first.Payload.ChunkType)

	table := f.store.upserts[0][1]
	assert.Equal(t, "table", table.Payload.ChunkType)
	assert.Equal(t, `{"rows": 2}`, table.Payload.StructuredData)
	assert.Equal(t, 1, table.Payload.ChunkIndex)

	doc, err := f.docs.GetDocument(context.Background(), f.documentID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusReady, doc.Status)
	assert.Equal(t, 3, doc.TotalChunks)
	assert.Equal(t, 3, doc.ProcessedChunks)
}

func TestIngestDocument_EmbedFailureMarksFailed(t *testing.T) {
	f := newIngestorFixture(t)
	f.embedder.err = errors.New("embedding service down")

	err := f.ingestor.IngestDocument(context.Background(), f.workspaceID, f.documentID, "report.pdf",
		[]Chunk{{Text: "content"}})
	require.Error(t, err)

	doc, derr := f.docs.GetDocument(context.Background(), f.documentID)
	require.NoError(t, derr)
	assert.Equal(t, docstore.StatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "embedding service down")
	assert.Empty(t, f.store.upserts)
}

func TestIngestDocument_NoChunksFails(t *testing.T) {
	f := newIngestorFixture(t)

	err := f.ingestor.IngestDocument(context.Background(), f.workspaceID, f.documentID, "empty.pdf", nil)
	require.Error(t, err)

	doc, derr := f.docs.GetDocument(context.Background(), f.documentID)
	require.NoError(t, derr)
	assert.Equal(t, docstore.StatusFailed, doc.Status)
}

func TestRemoveDocument(t *testing.T) {
	f := newIngestorFixture(t)

	err := f.ingestor.RemoveDocument(context.Background(), f.workspaceID, f.documentID)
	require.NoError(t, err)

	assert.Equal(t, []string{f.documentID}, f.store.deleted)

	_, err = f.docs.GetDocument(context.Background(), f.documentID)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
