package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
)

var (
	citationPattern = regexp.MustCompile(`\[(.*?)\]`)
	sentenceSplit   = regexp.MustCompile(`[.!?]`)
)

// hedgePhrases mark a sentence as an honest refusal rather than an uncited
// claim. Matching is case-insensitive substring.
var hedgePhrases = []string{
	"insufficient evidence",
	"not provided",
	"cannot provide",
}

// Penalty constants of the citation engine.
const (
	invalidCitationPenalty = 0.5  // multiplier when any invalid citation exists
	uncitedClaimPenalty    = 0.03 // per uncited claim
	maxUncitedPenalty      = 0.40 // cap on the proportional reduction
	uncitedRetryThreshold  = 5    // claim count that forces a retry
)

// Critic audits a draft answer against the evidence set. The model's
// judgment is advisory; a deterministic rule layer validates every citation,
// detects uncited claims, and penalizes confidence accordingly.
type Critic struct {
	client llm.Client
	logger *logging.Logger
}

// NewCritic creates an auditor node.
func NewCritic(client llm.Client, logger *logging.Logger) *Critic {
	return &Critic{
		client: client,
		logger: logger.Named("critic"),
	}
}

// Name implements node.
func (c *Critic) Name() string { return "critic" }

// critiqueWire is the structured-output shape requested from the model.
type critiqueWire struct {
	Confidence            float64    `json:"confidence"`
	HallucinationDetected bool       `json:"hallucination_detected"`
	UnsupportedClaims     []string   `json:"unsupported_claims"`
	LogicalGaps           []string   `json:"logical_gaps"`
	ConflictingEvidence   []Conflict `json:"conflicting_evidence"`
	NeedsRetry            bool       `json:"needs_retry"`
}

// Run implements node.
func (c *Critic) Run(ctx context.Context, state *RunState) error {
	start := time.Now()

	answer := state.DraftAnswer

	var evidenceText strings.Builder
	for i, e := range state.Evidence {
		if i > 0 {
			evidenceText.WriteString("\n\n")
		}
		fmt.Fprintf(&evidenceText, "[%s] %s", e.ChunkID, e.Text)
	}

	prompt := fmt.Sprintf(`You are an AI Auditor.

Evaluate the answer strictly using the provided evidence.

Return a JSON object with fields:
- confidence (float between 0 and 1)
- hallucination_detected (bool)
- unsupported_claims (list of strings)
- logical_gaps (list of strings)
- conflicting_evidence (list of {"claim": string, "sources": [string]})
- needs_retry (bool)

Answer:
%s

Evidence:
%s`, answer, evidenceText.String())

	var wire critiqueWire
	err := c.client.CompleteStructured(ctx, prompt, &wire,
		llm.WithTags("critic"),
		llm.WithMetadata(map[string]string{"workspace_id": state.WorkspaceID}))
	if err != nil {
		return fmt.Errorf("auditing draft: %w", err)
	}

	critique := &Critique{
		Confidence:            normalizeScore(wire.Confidence),
		HallucinationDetected: wire.HallucinationDetected,
		UnsupportedClaims:     wire.UnsupportedClaims,
		LogicalGaps:           wire.LogicalGaps,
		ConflictingEvidence:   wire.ConflictingEvidence,
		NeedsRetry:            wire.NeedsRetry,
	}

	// An injected over-compression note must survive the fresh critique.
	if state.overCompressed && state.Critique != nil {
		critique.NeedsRetry = true
		critique.LogicalGaps = append(critique.LogicalGaps, carriedGaps(state.Critique)...)
	}

	validIDs := make(map[string]struct{}, len(state.Evidence))
	for _, e := range state.Evidence {
		validIDs[e.ChunkID] = struct{}{}
	}

	invalid := invalidCitations(answer, validIDs)
	uncited := uncitedClaims(answer)

	confidence := critique.Confidence

	if len(invalid) > 0 {
		critique.HallucinationDetected = true
		critique.NeedsRetry = true
		confidence *= invalidCitationPenalty
	}

	if n := len(uncited); n > 0 {
		penalty := uncitedClaimPenalty * float64(n)
		if penalty > maxUncitedPenalty {
			penalty = maxUncitedPenalty
		}
		confidence *= 1 - penalty

		if n >= uncitedRetryThreshold {
			critique.NeedsRetry = true
			critique.UnsupportedClaims = append(critique.UnsupportedClaims,
				fmt.Sprintf("%d sentences make claims without citing evidence", n))
		}
	}

	confidence = clamp01(confidence)
	critique.Confidence = confidence

	state.Metrics.CitationViolations = append(state.Metrics.CitationViolations, CitationViolation{
		InvalidIDs:    invalid,
		UncitedClaims: len(uncited),
		Iteration:     state.RetryCount,
	})
	state.Metrics.ConfidenceHistory = append(state.Metrics.ConfidenceHistory, confidence)

	state.Critique = critique
	state.Confidence = confidence
	state.FinalAnswer = answer
	state.LastAudit = &CitationAudit{
		InvalidCitations:      invalid,
		UncitedSentences:      uncited,
		HallucinationDetected: critique.HallucinationDetected,
		UnsupportedClaims:     critique.UnsupportedClaims,
	}

	duration := time.Since(start).Milliseconds()
	state.Metrics.NodeLatencyMS[c.Name()] = duration

	state.appendTrace(TraceEntry{
		Node:             c.Name(),
		RetryCount:       state.RetryCount,
		Confidence:       confidence,
		Hallucination:    critique.HallucinationDetected,
		NeedsRetry:       critique.NeedsRetry,
		Conflicts:        len(critique.ConflictingEvidence),
		InvalidCitations: len(invalid),
		UncitedClaims:    len(uncited),
		DurationMS:       duration,
	})

	c.logger.Debug(ctx, "audited draft",
		zap.Float64("confidence", confidence),
		zap.Int("invalid_citations", len(invalid)),
		zap.Int("uncited_claims", len(uncited)),
		zap.Bool("hallucination", critique.HallucinationDetected))
	return nil
}

// invalidCitations returns the bracketed tokens that match no evidence
// chunk identifier, in order of appearance.
func invalidCitations(answer string, validIDs map[string]struct{}) []string {
	invalid := []string{}
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		if _, ok := validIDs[m[1]]; !ok {
			invalid = append(invalid, m[1])
		}
	}
	return invalid
}

// uncitedClaims splits the answer into sentences and returns the non-empty
// ones that carry no citation and no hedge phrase.
func uncitedClaims(answer string) []string {
	claims := []string{}
	for _, sentence := range sentenceSplit.Split(answer, -1) {
		s := strings.TrimSpace(sentence)
		if s == "" || strings.Contains(s, "[") {
			continue
		}
		if containsHedge(s) {
			continue
		}
		claims = append(claims, s)
	}
	return claims
}

func containsHedge(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// carriedGaps returns the gaps the synthesizer injected this cycle.
func carriedGaps(prev *Critique) []string {
	carried := []string{}
	for _, gap := range prev.LogicalGaps {
		if strings.HasPrefix(gap, "context over-compressed") {
			carried = append(carried, gap)
		}
	}
	return carried
}
