package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
	"github.com/masislabs/masis/internal/vectorstore"
)

// Input is one question to answer.
type Input struct {
	UserQuery   string
	WorkspaceID string

	// MaxRetries overrides the configured retry budget when positive.
	MaxRetries int
}

// Result statuses.
const (
	StatusSuccess            = "success"
	StatusNeedsClarification = "needs_clarification"
)

// Result is the terminal response of one run. Escalated runs still carry the
// best draft produced so far; the answer is never empty unless retrieval
// found nothing at all.
type Result struct {
	Status                string       `json:"status"`
	Answer                string       `json:"answer"`
	Confidence            float64      `json:"confidence"`
	RequiresHumanReview   bool         `json:"requires_human_review"`
	ClarificationQuestion string       `json:"clarification_question,omitempty"`
	Critique              *Critique    `json:"critique,omitempty"`
	Evaluation            *Evaluation  `json:"evaluation,omitempty"`
	Trace                 []TraceEntry `json:"trace"`
	Metrics               *RunMetrics  `json:"metrics"`
}

// RunError is a fatal pipeline failure, carrying the workspace for the
// caller's error response.
type RunError struct {
	WorkspaceID string
	Err         error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline run failed (workspace %s): %v", e.WorkspaceID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Pipeline is the run entrypoint consumed by the API layer.
type Pipeline struct {
	graph   *Graph
	cfg     config.PipelineConfig
	metrics *Metrics
	logger  *logging.Logger
}

// New wires a pipeline from its collaborators.
func New(client llm.Client, store vectorstore.Store, embedder vectorstore.Embedder, cfg config.PipelineConfig, metrics *Metrics, logger *logging.Logger) *Pipeline {
	logger = logger.Named("pipeline")

	graph := NewGraph(
		NewSupervisor(cfg, logger),
		NewRetriever(store, embedder, cfg, logger),
		NewSynthesizer(client, cfg, logger),
		NewCritic(client, logger),
		NewEvaluator(client, logger),
		metrics,
	)

	return &Pipeline{
		graph:   graph,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run executes the full multi-cycle pipeline for one question. Blocking:
// callers serve it off their request-handling goroutine.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	state, err := NewRunState(in.UserQuery, in.WorkspaceID, maxRetries)
	if err != nil {
		return nil, &RunError{WorkspaceID: in.WorkspaceID, Err: err}
	}

	ctx = logging.ContextWithWorkspaceID(ctx, in.WorkspaceID)
	p.logger.Info(ctx, "run started", zap.String("query", in.UserQuery))

	if err := p.graph.Run(ctx, state); err != nil {
		p.metrics.ObserveRun(OutcomeError, 0, state.Metrics.RetryReasons)
		p.logger.Error(ctx, "run failed", zap.Error(err))
		return nil, &RunError{WorkspaceID: in.WorkspaceID, Err: err}
	}

	result := &Result{
		Status:                StatusSuccess,
		Answer:                state.FinalAnswer,
		Confidence:            state.Confidence,
		RequiresHumanReview:   state.RequiresHumanReview,
		ClarificationQuestion: state.ClarificationQuestion,
		Critique:              state.Critique,
		Evaluation:            state.Evaluation,
		Trace:                 state.Trace,
		Metrics:               state.Metrics,
	}

	outcome := OutcomeSuccess
	if state.RequiresHumanReview {
		result.Status = StatusNeedsClarification
		outcome = OutcomeEscalated
	}
	p.metrics.ObserveRun(outcome, state.Confidence, state.Metrics.RetryReasons)

	p.logger.Info(ctx, "run finished",
		zap.String("status", result.Status),
		zap.Float64("confidence", result.Confidence),
		zap.Int("retries", state.RetryCount))
	return result, nil
}
