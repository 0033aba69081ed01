package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masislabs/masis/internal/llm"
)

func runCritic(t *testing.T, state *RunState, rawCritique critiqueWire) {
	t.Helper()
	client := &llm.MockClient{StructuredFunc: structuredReply(rawCritique)}
	critic := NewCritic(client, testLogger())
	require.NoError(t, critic.Run(context.Background(), state))
}

func TestCritic_CleanAnswerKeepsConfidence(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "Revenue grew 12%."}}
	state.DraftAnswer = "Revenue grew 12% in Q3 [c1]."

	runCritic(t, state, critiqueWire{Confidence: 0.9})

	assert.InDelta(t, 0.9, state.Confidence, 1e-9)
	assert.False(t, state.Critique.HallucinationDetected)
	assert.False(t, state.Critique.NeedsRetry)
	assert.Equal(t, state.DraftAnswer, state.FinalAnswer)
}

func TestCritic_NormalizesHundredScaleConfidence(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
	state.DraftAnswer = "A fact [c1]."

	runCritic(t, state, critiqueWire{Confidence: 85})

	assert.InDelta(t, 0.85, state.Confidence, 1e-9)
}

func TestCritic_InvalidCitationHalvesConfidence(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "xyz", Text: "fact"}}
	state.DraftAnswer = "A claim [abc]."

	runCritic(t, state, critiqueWire{Confidence: 0.8})

	require.NotNil(t, state.LastAudit)
	assert.Equal(t, []string{"abc"}, state.LastAudit.InvalidCitations)
	assert.True(t, state.Critique.HallucinationDetected)
	assert.True(t, state.Critique.NeedsRetry)
	assert.InDelta(t, 0.4, state.Confidence, 1e-9, "confidence must be exactly halved")
}

func TestCritic_UncitedClaimProportionalPenalty(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}

	// Six uncited sentences: 18% reduction and a forced retry.
	sentences := []string{
		"Claim one", "Claim two", "Claim three",
		"Claim four", "Claim five", "Claim six",
	}
	state.DraftAnswer = strings.Join(sentences, ". ") + "."

	runCritic(t, state, critiqueWire{Confidence: 0.9})

	assert.InDelta(t, 0.9*(1-6*0.03), state.Confidence, 1e-9)
	assert.True(t, state.Critique.NeedsRetry, "5+ uncited claims force a retry")

	found := false
	for _, claim := range state.Critique.UnsupportedClaims {
		if strings.Contains(claim, "6 sentences") {
			found = true
		}
	}
	assert.True(t, found, "synthetic unsupported-claim note must cite the count")
}

func TestCritic_UncitedPenaltyCappedAtForty(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}

	sentences := make([]string, 20)
	for i := range sentences {
		sentences[i] = "An unsupported statement number " + string(rune('a'+i))
	}
	state.DraftAnswer = strings.Join(sentences, ". ") + "."

	runCritic(t, state, critiqueWire{Confidence: 1.0})

	assert.InDelta(t, 0.6, state.Confidence, 1e-9, "penalty caps at 40%")
}

func TestCritic_HedgePhrasesNotPenalized(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
	state.DraftAnswer = "Revenue grew [c1]. There is insufficient evidence for margins. " +
		"Exact figures were not provided. I cannot provide a forecast."

	runCritic(t, state, critiqueWire{Confidence: 0.9})

	assert.Empty(t, state.LastAudit.UncitedSentences)
	assert.InDelta(t, 0.9, state.Confidence, 1e-9)
}

func TestCritic_ConfidenceAlwaysInRange(t *testing.T) {
	for _, raw := range []float64{-5, 0, 0.5, 1, 42, 100, 250} {
		state := newState(t)
		state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
		state.DraftAnswer = "A claim [bad]. Another uncited claim."

		runCritic(t, state, critiqueWire{Confidence: raw})

		assert.GreaterOrEqual(t, state.Confidence, 0.0, "raw=%v", raw)
		assert.LessOrEqual(t, state.Confidence, 1.0, "raw=%v", raw)
	}
}

func TestCritic_Deterministic(t *testing.T) {
	run := func() float64 {
		state := newState(t)
		state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
		state.DraftAnswer = "Claim [bad]. Uncited one. Uncited two. Good one [c1]."
		runCritic(t, state, critiqueWire{Confidence: 0.8})
		return state.Confidence
	}

	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run(), "post-processing must be deterministic")
	}
}

func TestCritic_RecordsViolationHistory(t *testing.T) {
	state := newState(t)
	state.RetryCount = 1
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
	state.DraftAnswer = "Claim [bad]. Uncited claim."

	runCritic(t, state, critiqueWire{Confidence: 0.7})

	require.Len(t, state.Metrics.CitationViolations, 1)
	v := state.Metrics.CitationViolations[0]
	assert.Equal(t, []string{"bad"}, v.InvalidIDs)
	assert.Equal(t, 1, v.UncitedClaims)
	assert.Equal(t, 1, v.Iteration)
	assert.Len(t, state.Metrics.ConfidenceHistory, 1)
}

func TestCritic_CarriesOverCompressionNote(t *testing.T) {
	state := newState(t)
	state.Evidence = []EvidenceChunk{{ChunkID: "c1", Text: "fact"}}
	state.DraftAnswer = "A fact [c1]."
	state.overCompressed = true
	state.Critique = &Critique{
		NeedsRetry:  true,
		LogicalGaps: []string{"context over-compressed: 100 of 1000 chars retained"},
	}

	runCritic(t, state, critiqueWire{Confidence: 0.95})

	assert.True(t, state.Critique.NeedsRetry, "injected retry flag must survive the fresh critique")
	require.Len(t, state.Critique.LogicalGaps, 1)
	assert.Contains(t, state.Critique.LogicalGaps[0], "over-compressed")
}
