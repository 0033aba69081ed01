// Package pipeline implements the retrieval-and-quality-control loop behind
// every answered question: retrieve evidence, synthesize a cited draft, audit
// the citations, score the answer, then retry, escalate, or finalize under a
// bounded retry budget.
package pipeline

import (
	"errors"
	"fmt"
)

// EvidenceChunk is a scored, identified unit of retrieved source text.
// Chunks are produced by the retriever once per cycle and never mutated.
type EvidenceChunk struct {
	ChunkID    string  `json:"chunk_id"`
	SourceName string  `json:"source_name"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Conflict describes one contradiction across evidence sources.
type Conflict struct {
	Claim   string   `json:"claim"`
	Sources []string `json:"sources"`
}

// Critique is the citation auditor's structured verdict on a draft answer.
// A fresh Critique supersedes the previous one each cycle; the synthesizer
// may inject an over-compression note into it before the auditor runs.
type Critique struct {
	Confidence            float64    `json:"confidence"`
	HallucinationDetected bool       `json:"hallucination_detected"`
	UnsupportedClaims     []string   `json:"unsupported_claims"`
	LogicalGaps           []string   `json:"logical_gaps"`
	ConflictingEvidence   []Conflict `json:"conflicting_evidence"`
	NeedsRetry            bool       `json:"needs_retry"`
}

// Evaluation scores a finalized answer on four independent axes.
// OverallScore is always recomputed from the axis scores; the model's own
// overall figure is never trusted.
type Evaluation struct {
	Faithfulness           float64  `json:"faithfulness"`
	Relevance              float64  `json:"relevance"`
	Completeness           float64  `json:"completeness"`
	ReasoningQuality       float64  `json:"reasoning_quality"`
	OverallScore           float64  `json:"overall_score"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
}

// Weights of the overall score.
const (
	weightFaithfulness = 0.35
	weightRelevance    = 0.25
	weightCompleteness = 0.25
	weightReasoning    = 0.15
)

// ComputeOverall derives the overall score from the axis scores.
func (e *Evaluation) ComputeOverall() {
	e.OverallScore = weightFaithfulness*e.Faithfulness +
		weightRelevance*e.Relevance +
		weightCompleteness*e.Completeness +
		weightReasoning*e.ReasoningQuality
}

// CitationAudit is the auditor's raw findings, stashed on the run state for
// the evaluator to consume. This is an intentional cross-node contract, not
// incidental shared state.
type CitationAudit struct {
	InvalidCitations      []string `json:"invalid_citations"`
	UncitedSentences      []string `json:"uncited_sentences"`
	HallucinationDetected bool     `json:"hallucination_detected"`
	UnsupportedClaims     []string `json:"unsupported_claims"`
}

// CitationViolation is one iteration's entry in the violation history.
type CitationViolation struct {
	InvalidIDs    []string `json:"invalid_ids"`
	UncitedClaims int      `json:"uncited_claims"`
	Iteration     int      `json:"iteration"`
}

// TraceEntry is one per-node decision record. Entries are append-only; a
// completed run's trace is returned verbatim to the caller.
type TraceEntry struct {
	Node       string `json:"node"`
	RetryCount int    `json:"retry_count"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// Retriever fields.
	Chunks             int     `json:"chunks,omitempty"`
	AvgScore           float64 `json:"avg_score,omitempty"`
	AugmentedQueryUsed bool    `json:"augmented_query_used,omitempty"`
	Warning            string  `json:"warning,omitempty"`

	// Synthesizer fields.
	ContextChars         int  `json:"context_chars,omitempty"`
	ContextCompressed    bool `json:"context_compressed,omitempty"`
	CompressionLatencyMS int64 `json:"compression_latency_ms,omitempty"`
	AnswerLength         int  `json:"answer_length,omitempty"`
	Citations            int  `json:"citations,omitempty"`

	// Auditor fields.
	Confidence       float64 `json:"confidence"`
	Hallucination    bool    `json:"hallucination,omitempty"`
	NeedsRetry       bool    `json:"needs_retry,omitempty"`
	Conflicts        int     `json:"conflicts,omitempty"`
	InvalidCitations int     `json:"invalid_citations,omitempty"`
	UncitedClaims    int     `json:"uncited_claims,omitempty"`

	// Evaluator fields.
	OverallScore float64 `json:"overall_score,omitempty"`

	// Supervisor fields.
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RunMetrics accumulates per-run counters and histories. It travels with the
// run state and is returned to the caller in full.
type RunMetrics struct {
	NodeLatencyMS        map[string]int64    `json:"node_latency_ms"`
	RetrievalScores      []float64           `json:"retrieval_scores,omitempty"`
	AvgRetrievalScore    float64             `json:"avg_retrieval_score,omitempty"`
	ConfidenceHistory    []float64           `json:"confidence_history"`
	CitationViolations   []CitationViolation `json:"citation_violations"`
	RetryReasons         []string            `json:"retry_reasons"`
	OriginalContextChars int                 `json:"original_context_chars,omitempty"`
	CompressedContextChars int               `json:"compressed_context_chars,omitempty"`
	CompressionRatio     float64             `json:"compression_ratio,omitempty"`
	OverCompressionFlag  bool                `json:"over_compression_flag,omitempty"`
	CompressionLatencyMS int64               `json:"compression_latency_ms,omitempty"`
	CitationCount        int                 `json:"citation_count,omitempty"`
	AnswerLength         int                 `json:"answer_length,omitempty"`
}

func newRunMetrics() *RunMetrics {
	return &RunMetrics{
		NodeLatencyMS:      make(map[string]int64),
		ConfidenceHistory:  []float64{},
		CitationViolations: []CitationViolation{},
		RetryReasons:       []string{},
	}
}

// RunState is the mutable record threaded through one run of the pipeline.
// A RunState is created fresh per query, owned exclusively by its run, and
// discarded once the terminal response is built.
type RunState struct {
	UserQuery   string
	WorkspaceID string
	MaxRetries  int

	Evidence    []EvidenceChunk
	DraftAnswer string
	FinalAnswer string
	Confidence  float64
	RetryCount  int

	Critique   *Critique
	Evaluation *Evaluation

	// LastAudit is the auditor's snapshot for the evaluator.
	LastAudit *CitationAudit

	RequiresHumanReview   bool
	ClarificationQuestion string

	Trace   []TraceEntry
	Metrics *RunMetrics

	// overCompressed marks that the synthesizer lost too much context this
	// cycle. Reset at the start of every synthesizer pass.
	overCompressed bool
}

// NewRunState validates inputs and builds a fresh run state.
func NewRunState(userQuery, workspaceID string, maxRetries int) (*RunState, error) {
	if userQuery == "" {
		return nil, errors.New("user query cannot be empty")
	}
	if workspaceID == "" {
		return nil, errors.New("workspace id cannot be empty")
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative: %d", maxRetries)
	}

	return &RunState{
		UserQuery:   userQuery,
		WorkspaceID: workspaceID,
		MaxRetries:  maxRetries,
		Trace:       []TraceEntry{},
		Metrics:     newRunMetrics(),
	}, nil
}

// appendTrace appends one decision record. The trace is append-only.
func (s *RunState) appendTrace(entry TraceEntry) {
	s.Trace = append(s.Trace, entry)
}

// lastDecision returns the most recent supervisor decision tag, or "".
func (s *RunState) lastDecision() string {
	if len(s.Trace) == 0 {
		return ""
	}
	return s.Trace[len(s.Trace)-1].Decision
}

// clamp01 clamps v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeScore rescales a 0-100 model score to [0,1] and clamps.
func normalizeScore(v float64) float64 {
	if v > 1 {
		v = v / 100.0
	}
	return clamp01(v)
}
