package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSupervisor(t *testing.T, state *RunState) {
	t.Helper()
	sup := NewSupervisor(testPipelineConfig(), testLogger())
	require.NoError(t, sup.Run(context.Background(), state))
}

// cycleState is a state the way the supervisor sees it after a full
// retrieve-synthesize-critique cycle: the trace already has entries.
func cycleState(t *testing.T) *RunState {
	t.Helper()
	state := newState(t)
	state.appendTrace(TraceEntry{Node: "researcher"})
	return state
}

func TestSupervisor_FirstCallPassesThrough(t *testing.T) {
	state := newState(t)

	runSupervisor(t, state)

	assert.Empty(t, state.Trace, "entry pass-through must not record a decision")
	assert.Equal(t, 0, state.RetryCount)
	assert.False(t, state.RequiresHumanReview)
}

func TestSupervisor_FinalizesHealthyState(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.9
	state.Critique = &Critique{Confidence: 0.9}

	runSupervisor(t, state)

	require.Len(t, state.Trace, 1)
	assert.Equal(t, decisionFinalize, state.Trace[0].Decision)
	assert.False(t, state.RequiresHumanReview)
	assert.Equal(t, 0, state.RetryCount)
}

func TestSupervisor_RetriesOnLowConfidence(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.5
	state.Critique = &Critique{Confidence: 0.5}

	runSupervisor(t, state)

	require.Len(t, state.Trace, 1)
	assert.Equal(t, decisionRetry, state.Trace[0].Decision)
	assert.Equal(t, reasonQualityIssue, state.Trace[0].Reason)
	assert.Equal(t, 1, state.RetryCount)
	assert.Equal(t, []string{reasonQualityIssue}, state.Metrics.RetryReasons)
}

func TestSupervisor_RetriesOnInvalidCitations(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.95
	state.Critique = &Critique{Confidence: 0.95}
	state.Metrics.CitationViolations = []CitationViolation{
		{InvalidIDs: []string{"bogus"}, Iteration: 0},
	}

	runSupervisor(t, state)

	assert.Equal(t, decisionRetry, state.lastDecision())
}

func TestSupervisor_RetriesOnNeedsRetryFlag(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.95
	state.Critique = &Critique{Confidence: 0.95, NeedsRetry: true}

	runSupervisor(t, state)

	assert.Equal(t, decisionRetry, state.lastDecision())
}

func TestSupervisor_ConflictTakesPrecedence(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.95
	state.Critique = &Critique{
		Confidence: 0.95,
		ConflictingEvidence: []Conflict{
			{Claim: "revenue grew vs shrank", Sources: []string{"a.pdf", "b.pdf"}},
		},
	}

	runSupervisor(t, state)

	require.Len(t, state.Trace, 1)
	assert.Equal(t, decisionRetry, state.Trace[0].Decision)
	assert.Equal(t, reasonConflictResolution, state.Trace[0].Reason,
		"conflict retries carry their own reason tag")
	assert.Equal(t, 1, state.RetryCount)
}

func TestSupervisor_ConflictExhaustedEscalates(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.95
	state.RetryCount = 2
	state.Critique = &Critique{
		Confidence:          0.95,
		ConflictingEvidence: []Conflict{{Claim: "contradiction"}},
	}

	runSupervisor(t, state)

	assert.True(t, state.RequiresHumanReview)
	assert.Contains(t, state.ClarificationQuestion, "Conflicting information detected")
	assert.Equal(t, decisionHITLConflict, state.lastDecision())
}

func TestSupervisor_QualityExhaustedEscalates(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer [c1]."
	state.Confidence = 0.523
	state.RetryCount = 2
	state.Critique = &Critique{Confidence: 0.523}

	runSupervisor(t, state)

	assert.True(t, state.RequiresHumanReview)
	assert.Contains(t, state.ClarificationQuestion, "After 2 refinement attempts")
	assert.Contains(t, state.ClarificationQuestion, "52.3%")
	assert.Equal(t, decisionHITLTriggered, state.lastDecision())
}

func TestSupervisor_RetryCountNeverExceedsBudget(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer."
	state.Critique = &Critique{Confidence: 0.1, NeedsRetry: true}
	state.Confidence = 0.1

	for i := 0; i < 10; i++ {
		runSupervisor(t, state)
		require.LessOrEqual(t, state.RetryCount, state.MaxRetries,
			fmt.Sprintf("iteration %d", i))
	}
	assert.Equal(t, state.MaxRetries, state.RetryCount)
	assert.True(t, state.RequiresHumanReview)
}

func TestSupervisor_EmptyDraftIsQualityIssue(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = ""
	state.Confidence = 0.95
	state.Critique = &Critique{Confidence: 0.95}

	runSupervisor(t, state)

	assert.Equal(t, decisionRetry, state.lastDecision(),
		"an empty completion must consume the retry budget, not restart the run")
	assert.Equal(t, 1, state.RetryCount)

	state.RetryCount = state.MaxRetries
	runSupervisor(t, state)

	assert.True(t, state.RequiresHumanReview)
	assert.Equal(t, decisionHITLTriggered, state.lastDecision())
}

func TestSupervisor_EveryDecisionAppendsOneTraceEntry(t *testing.T) {
	state := cycleState(t)
	state.DraftAnswer = "Answer."
	state.Critique = &Critique{Confidence: 0.1, NeedsRetry: true}
	state.Confidence = 0.1

	prev := len(state.Trace)
	for i := 0; i < 5; i++ {
		runSupervisor(t, state)
		assert.Equal(t, prev+1, len(state.Trace), "exactly one record per transition")
		prev = len(state.Trace)
	}
}
