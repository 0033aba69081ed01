package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/vectorstore"
)

// Escalation messages for the empty-evidence short-circuit. The two cases
// call for different user action, so they get different wording.
const (
	msgNoMatches = "No relevant documents were found for this question. " +
		"Please upload supporting documents or rephrase the query."
	msgBelowThreshold = "Documents were found but none were relevant enough to answer confidently. " +
		"Please refine the query or upload more specific evidence."
)

// Retriever turns the user query into a deduplicated, score-filtered
// evidence set. On retries the query is augmented with critique terms and
// the candidate count roughly doubles.
type Retriever struct {
	store    vectorstore.Store
	embedder vectorstore.Embedder
	cfg      config.PipelineConfig
	logger   *logging.Logger
}

// NewRetriever creates a retriever node.
func NewRetriever(store vectorstore.Store, embedder vectorstore.Embedder, cfg config.PipelineConfig, logger *logging.Logger) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.Named("retriever"),
	}
}

// Name implements node.
func (r *Retriever) Name() string { return "researcher" }

// Run implements node.
func (r *Retriever) Run(ctx context.Context, state *RunState) error {
	start := time.Now()

	query := r.augmentedQuery(state)
	augmented := query != state.UserQuery

	limit := r.cfg.BaseRetrievalLimit
	if state.RetryCount > 0 {
		limit *= 2
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}

	results, err := r.store.Search(ctx, state.WorkspaceID, vector, limit)
	if err != nil {
		return fmt.Errorf("searching evidence: %w", err)
	}

	// The retry floor is relaxed, never tightened: augmented queries are
	// broader and noisier.
	floor := r.cfg.ScoreFloor
	if state.RetryCount > 0 {
		floor -= r.cfg.RetryFloorRelax
	}

	seen := make(map[string]struct{}, len(results))
	evidence := make([]EvidenceChunk, 0, len(results))
	scores := make([]float64, 0, len(results))

	for _, hit := range results {
		if hit.Score < floor {
			continue
		}
		if _, ok := seen[hit.ID]; ok {
			continue
		}
		seen[hit.ID] = struct{}{}
		scores = append(scores, hit.Score)
		evidence = append(evidence, EvidenceChunk{
			ChunkID:    hit.ID,
			SourceName: hit.Payload.FileName,
			Text:       hit.Payload.Text,
			Score:      hit.Score,
		})
	}

	avgScore := 0.0
	for _, s := range scores {
		avgScore += s
	}
	if len(scores) > 0 {
		avgScore /= float64(len(scores))
	}

	duration := time.Since(start).Milliseconds()
	state.Evidence = evidence
	state.Metrics.RetrievalScores = scores
	state.Metrics.AvgRetrievalScore = avgScore
	state.Metrics.NodeLatencyMS[r.Name()] = duration

	if len(evidence) == 0 {
		// Short-circuit: nothing to ground an answer in, so generation is
		// skipped and the run terminates for human action.
		msg := msgNoMatches
		warning := "no_matches"
		if len(results) > 0 {
			msg = msgBelowThreshold
			warning = "all_candidates_below_score_floor"
		}
		state.RequiresHumanReview = true
		state.ClarificationQuestion = msg

		state.appendTrace(TraceEntry{
			Node:               r.Name(),
			RetryCount:         state.RetryCount,
			Chunks:             0,
			AugmentedQueryUsed: augmented,
			Warning:            warning,
			DurationMS:         duration,
		})

		r.logger.Warn(ctx, "retrieval exhausted",
			zap.String("workspace_id", state.WorkspaceID),
			zap.Int("candidates", len(results)),
			zap.Float64("score_floor", floor))
		return nil
	}

	state.appendTrace(TraceEntry{
		Node:               r.Name(),
		RetryCount:         state.RetryCount,
		Chunks:             len(evidence),
		AvgScore:           round3(avgScore),
		AugmentedQueryUsed: augmented,
		DurationMS:         duration,
	})

	r.logger.Debug(ctx, "retrieved evidence",
		zap.Int("chunks", len(evidence)),
		zap.Float64("avg_score", avgScore),
		zap.Bool("augmented", augmented))
	return nil
}

// augmentedQuery appends prior critique terms on retry so retrieval steers
// toward previously missing evidence.
func (r *Retriever) augmentedQuery(state *RunState) string {
	if state.RetryCount == 0 || state.Critique == nil {
		return state.UserQuery
	}

	terms := make([]string, 0, len(state.Critique.UnsupportedClaims)+len(state.Critique.LogicalGaps))
	terms = append(terms, state.Critique.UnsupportedClaims...)
	terms = append(terms, state.Critique.LogicalGaps...)
	if len(terms) == 0 {
		return state.UserQuery
	}
	return state.UserQuery + " " + strings.Join(terms, " ")
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
