package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
)

// Faithfulness ceilings derived from the citation audit. The model is told
// about them in the prompt, but they are enforced after the fact regardless
// of what it returns.
const (
	faithfulnessCapUncited5   = 0.5
	faithfulnessCapUncited10  = 0.3
	faithfulnessCapViolations = 0.4
)

// Evaluator scores the finalized answer on four quality axes. The citation
// audit acts as a hard constraint: the model's faithfulness judgment is
// advisory and gets clamped against the audit facts.
type Evaluator struct {
	client llm.Client
	logger *logging.Logger
}

// NewEvaluator creates an evaluator node.
func NewEvaluator(client llm.Client, logger *logging.Logger) *Evaluator {
	return &Evaluator{
		client: client,
		logger: logger.Named("evaluator"),
	}
}

// Name implements node.
func (e *Evaluator) Name() string { return "evaluator" }

// evaluationWire is the structured-output shape requested from the model.
type evaluationWire struct {
	Faithfulness           float64  `json:"faithfulness"`
	Relevance              float64  `json:"relevance"`
	Completeness           float64  `json:"completeness"`
	ReasoningQuality       float64  `json:"reasoning_quality"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
}

// Run implements node.
func (e *Evaluator) Run(ctx context.Context, state *RunState) error {
	start := time.Now()

	var evidenceText strings.Builder
	for i, ev := range state.Evidence {
		if i > 0 {
			evidenceText.WriteString("\n\n")
		}
		fmt.Fprintf(&evidenceText, "[%s] %s", ev.ChunkID, ev.Text)
	}

	prompt := fmt.Sprintf(`You are a quality evaluator.

Score the answer against the evidence on four axes, each a float between 0 and 1:
- faithfulness: every claim is grounded in the cited evidence
- relevance: the answer addresses the question asked
- completeness: the answer covers what the evidence supports
- reasoning_quality: the answer is coherent and well structured

Hard constraints from the citation audit:
%s

Return a JSON object with fields faithfulness, relevance, completeness,
reasoning_quality, improvement_suggestions (list of strings).

Question:
%s

Answer:
%s

Evidence:
%s`, e.auditConstraints(state.LastAudit), state.UserQuery, state.FinalAnswer, evidenceText.String())

	var wire evaluationWire
	err := e.client.CompleteStructured(ctx, prompt, &wire,
		llm.WithTags("evaluator"),
		llm.WithMetadata(map[string]string{"workspace_id": state.WorkspaceID}))
	if err != nil {
		return fmt.Errorf("evaluating answer: %w", err)
	}

	eval := &Evaluation{
		Faithfulness:           normalizeScore(wire.Faithfulness),
		Relevance:              normalizeScore(wire.Relevance),
		Completeness:           normalizeScore(wire.Completeness),
		ReasoningQuality:       normalizeScore(wire.ReasoningQuality),
		ImprovementSuggestions: wire.ImprovementSuggestions,
	}

	eval.Faithfulness = clampFaithfulness(eval.Faithfulness, state.LastAudit)
	eval.ComputeOverall()

	state.Evaluation = eval

	duration := time.Since(start).Milliseconds()
	state.Metrics.NodeLatencyMS[e.Name()] = duration

	state.appendTrace(TraceEntry{
		Node:         e.Name(),
		RetryCount:   state.RetryCount,
		Confidence:   state.Confidence,
		OverallScore: round3(eval.OverallScore),
		DurationMS:   duration,
	})

	e.logger.Debug(ctx, "evaluated answer",
		zap.Float64("faithfulness", eval.Faithfulness),
		zap.Float64("overall", eval.OverallScore))
	return nil
}

func (e *Evaluator) auditConstraints(audit *CitationAudit) string {
	if audit == nil {
		return "- none"
	}

	var sb strings.Builder
	uncited := len(audit.UncitedSentences)
	switch {
	case uncited >= 10:
		fmt.Fprintf(&sb, "- %d sentences lack citations: faithfulness must not exceed %.1f\n", uncited, faithfulnessCapUncited10)
	case uncited >= 5:
		fmt.Fprintf(&sb, "- %d sentences lack citations: faithfulness must not exceed %.1f\n", uncited, faithfulnessCapUncited5)
	}
	if audit.HallucinationDetected || len(audit.InvalidCitations) > 0 {
		fmt.Fprintf(&sb, "- invalid citations or hallucination detected: faithfulness must not exceed %.1f\n", faithfulnessCapViolations)
	}
	if sb.Len() == 0 {
		return "- none"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// clampFaithfulness enforces the audit-derived ceilings. Rules are
// authoritative over whatever the model returned.
func clampFaithfulness(score float64, audit *CitationAudit) float64 {
	if audit == nil {
		return score
	}

	uncited := len(audit.UncitedSentences)
	if uncited >= 10 && score > faithfulnessCapUncited10 {
		score = faithfulnessCapUncited10
	} else if uncited >= 5 && score > faithfulnessCapUncited5 {
		score = faithfulnessCapUncited5
	}
	if (audit.HallucinationDetected || len(audit.InvalidCitations) > 0) && score > faithfulnessCapViolations {
		score = faithfulnessCapViolations
	}
	return score
}
