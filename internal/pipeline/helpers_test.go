package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/vectorstore"
)

// fakeStore returns scripted search hits and records the requested limits.
type fakeStore struct {
	hits       []vectorstore.ScoredChunk
	searchErr  error
	limits     []int
	workspaces []string
}

func (f *fakeStore) Search(ctx context.Context, workspaceID string, vector []float32, limit int) ([]vectorstore.ScoredChunk, error) {
	f.limits = append(f.limits, limit)
	f.workspaces = append(f.workspaces, workspaceID)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeStore) Upsert(ctx context.Context, points []vectorstore.Point) error { return nil }
func (f *fakeStore) EnsureCollection(ctx context.Context) error                   { return nil }
func (f *fakeStore) DeleteByDocument(ctx context.Context, workspaceID, documentID string) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

// fakeEmbedder returns a fixed vector and records the embedded queries.
type fakeEmbedder struct {
	queries []string
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.queries = append(f.queries, text)
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func hit(id string, score float64, text string) vectorstore.ScoredChunk {
	return vectorstore.ScoredChunk{
		ID:    id,
		Score: score,
		Payload: vectorstore.ChunkPayload{
			FileName: id + ".txt",
			Text:     text,
		},
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxRetries:             2,
		LowConfidenceThreshold: 0.75,
		ScoreFloor:             0.60,
		RetryFloorRelax:        0.05,
		BaseRetrievalLimit:     5,
		MaxContextChars:        6000,
		TopVerbatimChunks:      3,
		OverCompressionRatio:   0.35,
	}
}

func newState(t *testing.T) *RunState {
	t.Helper()
	state, err := NewRunState("What changed in Q3?", "ws-1", 2)
	require.NoError(t, err)
	return state
}

func testLogger() *logging.Logger {
	return logging.NewTestLogger().Logger
}

// structuredReply scripts a MockClient to decode the given value into every
// CompleteStructured call.
func structuredReply(v any) func(ctx context.Context, prompt string, out any) error {
	return func(ctx context.Context, prompt string, out any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, out)
	}
}

var _ vectorstore.Store = (*fakeStore)(nil)
var _ vectorstore.Embedder = (*fakeEmbedder)(nil)
var _ llm.Client = (*llm.MockClient)(nil)
