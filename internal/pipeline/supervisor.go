package pipeline

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/logging"
)

// Supervisor decision tags recorded in the trace.
const (
	decisionRetry         = "retry"
	decisionHITLConflict  = "HITL_conflict"
	decisionHITLTriggered = "HITL_triggered"
	decisionFinalize      = "finalize"
)

// Retry reasons recorded in the trace and metrics.
const (
	reasonQualityIssue       = "quality_issue_detected"
	reasonConflictResolution = "conflict_resolution"
)

const msgConflictEscalation = "Conflicting information detected across documents. " +
	"Please review the competing claims and select a preferred source."

// Supervisor is the decision authority of the pipeline. It inspects the
// critique, the violation history, and the retry budget, and chooses retry,
// escalation, or finalization. Conflicting evidence takes precedence: a
// conflict earns its own retry before it can escalate.
type Supervisor struct {
	cfg    config.PipelineConfig
	logger *logging.Logger
}

// NewSupervisor creates a supervisor node.
func NewSupervisor(cfg config.PipelineConfig, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.Named("supervisor"),
	}
}

// Name implements node.
func (s *Supervisor) Name() string { return "supervisor" }

// Run implements node.
func (s *Supervisor) Run(ctx context.Context, state *RunState) error {
	// Entry pass: no node has run yet, the router starts the first cycle.
	// The trace, not the draft, is the marker: a model can legally return
	// an empty completion, and that is a quality problem, not a fresh run.
	if len(state.Trace) == 0 {
		return nil
	}

	confidence := state.Confidence
	hasConflict := state.Critique != nil && len(state.Critique.ConflictingEvidence) > 0
	budgetLeft := state.RetryCount < state.MaxRetries

	if hasConflict && budgetLeft {
		s.retry(ctx, state, confidence, reasonConflictResolution)
		return nil
	}

	qualityIssue := s.qualityIssue(state, confidence)

	if qualityIssue && budgetLeft {
		s.retry(ctx, state, confidence, reasonQualityIssue)
		return nil
	}

	if hasConflict {
		state.RequiresHumanReview = true
		state.ClarificationQuestion = msgConflictEscalation

		state.appendTrace(TraceEntry{
			Node:       s.Name(),
			Decision:   decisionHITLConflict,
			Confidence: confidence,
			RetryCount: state.RetryCount,
		})

		s.logger.Warn(ctx, "escalating to human review",
			zap.String("reason", "unresolved_conflict"),
			zap.Int("retry_count", state.RetryCount))
		return nil
	}

	if qualityIssue {
		state.RequiresHumanReview = true
		state.ClarificationQuestion = fmt.Sprintf(
			"After %d refinement attempts, confidence remains %.1f%%. "+
				"You may refine the query or upload additional evidence.",
			state.MaxRetries, math.Round(confidence*1000)/10)

		state.appendTrace(TraceEntry{
			Node:       s.Name(),
			Decision:   decisionHITLTriggered,
			Confidence: confidence,
			RetryCount: state.RetryCount,
		})

		s.logger.Warn(ctx, "escalating to human review",
			zap.String("reason", "quality_budget_exhausted"),
			zap.Float64("confidence", confidence),
			zap.Int("retry_count", state.RetryCount))
		return nil
	}

	state.appendTrace(TraceEntry{
		Node:       s.Name(),
		Decision:   decisionFinalize,
		Confidence: confidence,
		RetryCount: state.RetryCount,
	})

	s.logger.Info(ctx, "finalizing answer",
		zap.Float64("confidence", confidence),
		zap.Int("retry_count", state.RetryCount))
	return nil
}

// qualityIssue is the retry/escalate predicate: low confidence, invalid
// citations in the latest audit, hallucination, or an explicit retry flag.
func (s *Supervisor) qualityIssue(state *RunState, confidence float64) bool {
	// An empty completion is never a usable answer.
	if state.DraftAnswer == "" {
		return true
	}
	if confidence < s.cfg.LowConfidenceThreshold {
		return true
	}
	if n := len(state.Metrics.CitationViolations); n > 0 {
		if len(state.Metrics.CitationViolations[n-1].InvalidIDs) > 0 {
			return true
		}
	}
	if state.Critique != nil {
		if state.Critique.HallucinationDetected || state.Critique.NeedsRetry {
			return true
		}
	}
	return false
}

func (s *Supervisor) retry(ctx context.Context, state *RunState, confidence float64, reason string) {
	state.RetryCount++
	state.Metrics.RetryReasons = append(state.Metrics.RetryReasons, reason)

	state.appendTrace(TraceEntry{
		Node:       s.Name(),
		Decision:   decisionRetry,
		Reason:     reason,
		Confidence: confidence,
		RetryCount: state.RetryCount,
	})

	s.logger.Info(ctx, "retrying",
		zap.String("reason", reason),
		zap.Float64("confidence", confidence),
		zap.Int("retry_count", state.RetryCount))
}
