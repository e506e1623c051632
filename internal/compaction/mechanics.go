// Package compaction implements the three-zone progressive context
// compression described in spec.md §4.3 (C3): HOT messages are kept
// verbatim, WARM messages are summarized, and COLD messages are collapsed
// to a key-facts digest. The chunking/splitting/pruning primitives below
// are the summarization mechanics the zone compactor builds on, grounded on
// the teacher's token-budgeted summarization helpers.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensourceagent/osa/pkg/models"
)

// DefaultSummaryFallback is returned when there is no prior history to
// summarize.
const DefaultSummaryFallback = "No prior history."

// Summarizer generates a summary of a set of messages, typically by calling
// an LLM provider.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []*models.Message, instructions string) (string, error)
}

// ChunkByMaxTokens splits messages into chunks that individually fit within
// maxTokens, using the estimator for per-message sizing.
func ChunkByMaxTokens(messages []*models.Message, maxTokens int, estimate func(*models.Message) int) [][]*models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*models.Message{messages}
	}

	var result [][]*models.Message
	var current []*models.Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := estimate(msg)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []*models.Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}

		current = append(current, msg)
		currentTokens += msgTokens
	}

	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// SummarizeChunks summarizes messages in token-bounded chunks and merges the
// per-chunk summaries into one.
func SummarizeChunks(ctx context.Context, messages []*models.Message, s Summarizer, maxChunkTokens int, estimate func(*models.Message) int) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if s == nil {
		return "", fmt.Errorf("compaction: summarizer is nil")
	}

	chunks := ChunkByMaxTokens(messages, maxChunkTokens, estimate)
	if len(chunks) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(chunks) == 1 {
		return s.GenerateSummary(ctx, chunks[0], "")
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := s.GenerateSummary(ctx, chunk, "")
		if err != nil {
			return "", fmt.Errorf("compaction: summarizing chunk %d: %w", i, err)
		}
		summaries = append(summaries, summary)
	}
	return mergeSummaries(ctx, summaries, s)
}

func mergeSummaries(ctx context.Context, summaries []string, s Summarizer) (string, error) {
	if len(summaries) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	merge := make([]*models.Message, len(summaries))
	for i, sm := range summaries {
		merge[i] = &models.Message{Role: models.RoleSystem, Content: fmt.Sprintf("Chunk %d summary:\n%s", i+1, sm)}
	}
	return s.GenerateSummary(ctx, merge, "Merge these chunk summaries into one coherent summary, preserving chronological flow.")
}

// FormatForDigest renders messages into a compact, system-message-safe
// text block (used for the COLD zone's key-facts digest fallback when no
// summarizer is configured).
func FormatForDigest(messages []*models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(truncate(msg.Content, 200))
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
