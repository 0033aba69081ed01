package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masislabs/masis/internal/config"
	"github.com/masislabs/masis/internal/llm"
	"github.com/masislabs/masis/internal/logging"
)

// Synthesizer drafts a cited answer from the evidence set, compressing the
// context when it exceeds the character ceiling.
type Synthesizer struct {
	client llm.Client
	cfg    config.PipelineConfig
	logger *logging.Logger
}

// NewSynthesizer creates a synthesizer node.
func NewSynthesizer(client llm.Client, cfg config.PipelineConfig, logger *logging.Logger) *Synthesizer {
	return &Synthesizer{
		client: client,
		cfg:    cfg,
		logger: logger.Named("synthesizer"),
	}
}

// Name implements node.
func (s *Synthesizer) Name() string { return "synthesizer" }

// Run implements node.
func (s *Synthesizer) Run(ctx context.Context, state *RunState) error {
	start := time.Now()

	state.overCompressed = false

	evidence := state.Evidence
	originalChars := 0
	for _, e := range evidence {
		originalChars += len(e.Text)
	}
	state.Metrics.OriginalContextChars = originalChars

	compressed := false
	var compressionDuration int64

	if originalChars > s.cfg.MaxContextChars {
		compressionStart := time.Now()

		var err error
		evidence, err = s.compress(ctx, state, evidence, originalChars)
		if err != nil {
			return err
		}
		compressed = true
		compressionDuration = time.Since(compressionStart).Milliseconds()
	}

	prompt := s.buildPrompt(state, evidence)

	answer, err := s.client.Complete(ctx, prompt,
		llm.WithTags("synthesizer"),
		llm.WithMetadata(map[string]string{
			"workspace_id": state.WorkspaceID,
			"retry_count":  fmt.Sprintf("%d", state.RetryCount),
		}))
	if err != nil {
		return fmt.Errorf("generating draft: %w", err)
	}

	citationCount := strings.Count(answer, "[")
	duration := time.Since(start).Milliseconds()

	state.DraftAnswer = answer
	state.Metrics.CitationCount = citationCount
	state.Metrics.AnswerLength = len(answer)
	state.Metrics.CompressionLatencyMS = compressionDuration
	state.Metrics.NodeLatencyMS[s.Name()] = duration

	state.appendTrace(TraceEntry{
		Node:                 s.Name(),
		RetryCount:           state.RetryCount,
		ContextChars:         originalChars,
		ContextCompressed:    compressed,
		CompressionLatencyMS: compressionDuration,
		AnswerLength:         len(answer),
		Citations:            citationCount,
		DurationMS:           duration,
	})

	s.logger.Debug(ctx, "drafted answer",
		zap.Int("answer_length", len(answer)),
		zap.Int("citations", citationCount),
		zap.Bool("compressed", compressed))
	return nil
}

// compress keeps the top-scoring chunks verbatim and summarizes the rest in
// one batched request. Unmatched identifiers fall back to raw truncation.
func (s *Synthesizer) compress(ctx context.Context, state *RunState, evidence []EvidenceChunk, originalChars int) ([]EvidenceChunk, error) {
	sorted := make([]EvidenceChunk, len(evidence))
	copy(sorted, evidence)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	topN := s.cfg.TopVerbatimChunks
	if topN > len(sorted) {
		topN = len(sorted)
	}
	top := sorted[:topN]
	low := sorted[topN:]

	var sb strings.Builder
	for i, e := range low {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", e.ChunkID, e.Text)
	}

	prompt := fmt.Sprintf(`Summarize each chunk in under 200 characters.
Preserve numbers and metrics.

Format:
[chunk_id]: summary

Chunks:
%s`, sb.String())

	output, err := s.client.Complete(ctx, prompt, llm.WithTags("compression"))
	if err != nil {
		return nil, fmt.Errorf("compressing context: %w", err)
	}

	summaries := parseSummaries(output)

	result := make([]EvidenceChunk, 0, len(sorted))
	result = append(result, top...)
	for _, e := range low {
		text, ok := summaries[e.ChunkID]
		if !ok {
			text = truncate(e.Text, 200)
		}
		result = append(result, EvidenceChunk{
			ChunkID:    e.ChunkID,
			SourceName: e.SourceName,
			Text:       text,
			Score:      e.Score,
		})
	}

	compressedChars := 0
	for _, e := range result {
		compressedChars += len(e.Text)
	}
	ratio := float64(compressedChars) / float64(originalChars)

	state.Metrics.CompressedContextChars = compressedChars
	state.Metrics.CompressionRatio = round3(ratio)

	if ratio < s.cfg.OverCompressionRatio {
		// Feedback loop into quality signaling: the supervisor must see the
		// information loss on this same cycle, so the note goes into the
		// active critique before the auditor runs.
		state.Metrics.OverCompressionFlag = true
		state.overCompressed = true
		if state.Critique == nil {
			state.Critique = &Critique{}
		}
		state.Critique.NeedsRetry = true
		state.Critique.LogicalGaps = append(state.Critique.LogicalGaps,
			fmt.Sprintf("context over-compressed: %d of %d chars retained", compressedChars, originalChars))

		s.logger.Warn(ctx, "context over-compressed",
			zap.Float64("ratio", ratio),
			zap.Int("original_chars", originalChars),
			zap.Int("compressed_chars", compressedChars))
	}

	return result, nil
}

func (s *Synthesizer) buildPrompt(state *RunState, evidence []EvidenceChunk) string {
	var evidenceText strings.Builder
	for i, e := range evidence {
		if i > 0 {
			evidenceText.WriteString("\n\n")
		}
		fmt.Fprintf(&evidenceText, "[%s] %s", e.ChunkID, e.Text)
	}

	feedback := ""
	if state.RetryCount > 0 && state.Critique != nil {
		c := state.Critique
		feedback = fmt.Sprintf(`Previous critique:
Hallucination: %t
Unsupported claims: %s
Logical gaps: %s
Conflicts: %s
Correct these issues.

`, c.HallucinationDetected,
			strings.Join(c.UnsupportedClaims, "; "),
			strings.Join(c.LogicalGaps, "; "),
			formatConflicts(c.ConflictingEvidence))
	}

	return fmt.Sprintf(`Use ONLY the evidence.
Every claim must cite [chunk_id].
If insufficient evidence, say so.

%sQuestion:
%s

Evidence:
%s`, feedback, state.UserQuery, evidenceText.String())
}

// parseSummaries extracts "[chunk_id]: summary" lines from model output.
func parseSummaries(output string) map[string]string {
	summaries := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		id, summary, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		id = strings.TrimPrefix(id, "[")
		id = strings.TrimSuffix(id, "]")
		summary = strings.TrimSpace(summary)
		if id != "" && summary != "" {
			summaries[id] = summary
		}
	}
	return summaries
}

func formatConflicts(conflicts []Conflict) string {
	if len(conflicts) == 0 {
		return "none"
	}
	parts := make([]string, len(conflicts))
	for i, c := range conflicts {
		parts[i] = fmt.Sprintf("%s (sources: %s)", c.Claim, strings.Join(c.Sources, ", "))
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
