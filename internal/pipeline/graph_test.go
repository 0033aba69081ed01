package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/vectorstore"
)

// scriptedClient answers the synthesizer with draft and routes structured
// calls to the right wire shape by prompt.
func scriptedClient(draft string, critique critiqueWire, eval evaluationWire) *llm.MockClient {
	return &llm.MockClient{
		CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
			return draft, nil
		},
		StructuredFunc: func(ctx context.Context, prompt string, out any) error {
			if strings.Contains(prompt, "AI Auditor") {
				return structuredReply(critique)(ctx, prompt, out)
			}
			return structuredReply(eval)(ctx, prompt, out)
		},
	}
}

func newTestPipeline(client llm.Client, store vectorstore.Store) *Pipeline {
	return New(client, store, &fakeEmbedder{}, testPipelineConfig(), NewMetrics(nil), testLogger())
}

func TestPipeline_HappyPath(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{
		hit("c1", 0.9, "Revenue grew 12% in Q3."),
	}}
	client := scriptedClient(
		"Revenue grew 12% in Q3 [c1].",
		critiqueWire{Confidence: 0.92},
		evaluationWire{Faithfulness: 0.9, Relevance: 0.9, Completeness: 0.8, ReasoningQuality: 0.85},
	)

	result, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "What changed in Q3?",
		WorkspaceID: "ws-1",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Revenue grew 12% in Q3 [c1].", result.Answer)
	assert.InDelta(t, 0.92, result.Confidence, 1e-9)
	assert.False(t, result.RequiresHumanReview)
	require.NotNil(t, result.Evaluation)

	nodes := make([]string, len(result.Trace))
	for i, e := range result.Trace {
		nodes[i] = e.Node
	}
	assert.Equal(t, []string{"researcher", "synthesizer", "critic", "evaluator", "supervisor"}, nodes)
	assert.Equal(t, decisionFinalize, result.Trace[len(result.Trace)-1].Decision)
}

func TestPipeline_EmptyEvidenceEscalates(t *testing.T) {
	client := scriptedClient("never called", critiqueWire{}, evaluationWire{})

	result, err := newTestPipeline(client, &fakeStore{}).Run(context.Background(), Input{
		UserQuery:   "What changed in Q3?",
		WorkspaceID: "ws-1",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusNeedsClarification, result.Status)
	assert.True(t, result.RequiresHumanReview)
	assert.Empty(t, result.Answer)
	assert.NotEmpty(t, result.ClarificationQuestion)

	require.Len(t, result.Trace, 1)
	assert.Equal(t, "researcher", result.Trace[0].Node)
	assert.NotEmpty(t, result.Trace[0].Warning)
}

func TestPipeline_RetriesUntilBudgetThenEscalates(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}
	// Persistently low confidence: every cycle ends in a retry until the
	// budget runs out.
	client := scriptedClient(
		"A weak answer [c1].",
		critiqueWire{Confidence: 0.3},
		evaluationWire{Faithfulness: 0.5, Relevance: 0.5, Completeness: 0.5, ReasoningQuality: 0.5},
	)

	result, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "What changed in Q3?",
		WorkspaceID: "ws-1",
		MaxRetries:  2,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusNeedsClarification, result.Status)
	assert.True(t, result.RequiresHumanReview)
	assert.Contains(t, result.ClarificationQuestion, "After 2 refinement attempts")
	assert.Equal(t, "A weak answer [c1].", result.Answer, "escalation still carries the best draft")

	retries := 0
	for _, e := range result.Trace {
		assert.LessOrEqual(t, e.RetryCount, 2, "retry budget is never exceeded")
		if e.Decision == decisionRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, decisionHITLTriggered, result.Trace[len(result.Trace)-1].Decision)
	// Three full cycles: 3 x (researcher, synthesizer, critic, evaluator) + 3 supervisor decisions.
	assert.Len(t, result.Trace, 15)
}

func TestPipeline_EmptyCompletionExhaustsBudgetThenEscalates(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}
	// The model keeps returning a valid-but-empty completion. That must burn
	// the retry budget like any other quality failure, not loop as if the
	// run never started.
	client := scriptedClient(
		"",
		critiqueWire{Confidence: 0.9},
		evaluationWire{Faithfulness: 0.9, Relevance: 0.9, Completeness: 0.9, ReasoningQuality: 0.9},
	)

	result, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "What changed in Q3?",
		WorkspaceID: "ws-1",
		MaxRetries:  2,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusNeedsClarification, result.Status)
	assert.True(t, result.RequiresHumanReview)
	assert.Contains(t, result.ClarificationQuestion, "After 2 refinement attempts")
	assert.Len(t, store.limits, 3, "one retrieval per cycle, bounded by the budget")

	retries := 0
	for _, e := range result.Trace {
		if e.Decision == decisionRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, decisionHITLTriggered, result.Trace[len(result.Trace)-1].Decision)
}

func TestPipeline_RecoversOnRetry(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}

	calls := 0
	client := &llm.MockClient{
		CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
			return "Answer [c1].", nil
		},
		StructuredFunc: func(ctx context.Context, prompt string, out any) error {
			if strings.Contains(prompt, "AI Auditor") {
				calls++
				conf := 0.5
				if calls > 1 {
					conf = 0.9
				}
				return structuredReply(critiqueWire{Confidence: conf})(ctx, prompt, out)
			}
			return structuredReply(evaluationWire{Faithfulness: 0.9, Relevance: 0.9, Completeness: 0.9, ReasoningQuality: 0.9})(ctx, prompt, out)
		},
	}

	result, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "What changed in Q3?",
		WorkspaceID: "ws-1",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Equal(t, []float64{0.5, 0.9}, result.Metrics.ConfidenceHistory)
	assert.Equal(t, []string{reasonQualityIssue}, result.Metrics.RetryReasons)
}

func TestPipeline_ConflictRetriesThenEscalates(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}
	client := scriptedClient(
		"Answer [c1].",
		critiqueWire{
			Confidence: 0.95,
			ConflictingEvidence: []Conflict{
				{Claim: "growth direction", Sources: []string{"a.pdf", "b.pdf"}},
			},
		},
		evaluationWire{Faithfulness: 0.9, Relevance: 0.9, Completeness: 0.9, ReasoningQuality: 0.9},
	)

	result, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "Did revenue grow?",
		WorkspaceID: "ws-1",
		MaxRetries:  1,
	})

	require.NoError(t, err)
	assert.True(t, result.RequiresHumanReview)
	assert.Contains(t, result.ClarificationQuestion, "Conflicting information detected")
	assert.Equal(t, []string{reasonConflictResolution}, result.Metrics.RetryReasons)
	assert.Equal(t, decisionHITLConflict, result.Trace[len(result.Trace)-1].Decision)
}

func TestPipeline_TraceIsAppendOnly(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}
	client := scriptedClient(
		"Answer [c1].",
		critiqueWire{Confidence: 0.3},
		evaluationWire{Faithfulness: 0.5, Relevance: 0.5, Completeness: 0.5, ReasoningQuality: 0.5},
	)

	state, err := NewRunState("q", "ws-1", 2)
	require.NoError(t, err)

	p := newTestPipeline(client, store)

	var lengths []int
	original := p.graph.supervisor
	p.graph.supervisor = traceWatcher{original, func() { lengths = append(lengths, len(state.Trace)) }}

	require.NoError(t, p.graph.Run(context.Background(), state))

	for i := 1; i < len(lengths); i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1], "trace length must never shrink")
	}
}

// traceWatcher observes the trace before each supervisor pass.
type traceWatcher struct {
	node
	observe func()
}

func (w traceWatcher) Run(ctx context.Context, state *RunState) error {
	w.observe()
	return w.node.Run(ctx, state)
}

func TestPipeline_GatewayFailureIsFatal(t *testing.T) {
	store := &fakeStore{hits: []vectorstore.ScoredChunk{hit("c1", 0.9, "some fact")}}
	client := &llm.MockClient{
		CompleteFunc: func(ctx context.Context, prompt string) (string, error) {
			return "", errors.New("model unavailable")
		},
	}

	_, err := newTestPipeline(client, store).Run(context.Background(), Input{
		UserQuery:   "q",
		WorkspaceID: "ws-9",
	})

	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "ws-9", runErr.WorkspaceID)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestPipeline_RejectsEmptyInputs(t *testing.T) {
	p := newTestPipeline(&llm.MockClient{}, &fakeStore{})

	_, err := p.Run(context.Background(), Input{WorkspaceID: "ws-1"})
	require.Error(t, err)

	_, err = p.Run(context.Background(), Input{UserQuery: "q"})
	require.Error(t, err)
}
