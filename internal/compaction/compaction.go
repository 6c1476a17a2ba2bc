// Package compaction implements token-saver mode: compressing a
// conversation's prior turns into a single system-message summary before
// they are sent to the model, so long-running conversations stay within a
// model's context window.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

const (
	// MaxMessageChars bounds how much of any single message is rendered
	// into the pre-summary text block.
	MaxMessageChars = 2200

	// MinBudgetChars and MaxBudgetChars clamp the aggregate character
	// budget for the rendered history block.
	MinBudgetChars = 8000
	MaxBudgetChars = 50000

	// AvgCharsPerToken approximates characters-per-token when deriving the
	// aggregate budget from a token-denominated context limit.
	AvgCharsPerToken = 4.0

	// BudgetTokenMultiplier scales context_limit into the character budget
	// alongside AvgCharsPerToken.
	BudgetTokenMultiplier = 2.5

	olderHistoryTruncatedMarker = "[Older history truncated]"
	summaryPreamble             = "Conversation summary so far…\n\n"
)

// Summarizer issues the non-streaming summarization call. It is satisfied
// by *endpoint.Client in production and by a stub in tests.
type Summarizer interface {
	Summarize(ctx context.Context, renderedHistory string, maxTokens int) (string, error)
}

// Config carries the context limit (in tokens) from which the character
// budget and the summary's max_tokens are derived. A zero ContextLimit is
// used as is; the derived values are then clamped to their minimums.
type Config struct {
	ContextLimit int
}

// Compress implements token-saver mode. messages is the full history
// including the trailing user turn; fallback is the history already
// truncated to context_limit, returned unchanged whenever compaction's
// preconditions aren't met or the summarization call fails.
func Compress(ctx context.Context, messages []models.Message, fallback []models.Message, cfg Config, summarizer Summarizer) []models.Message {
	if len(messages) < 2 || messages[len(messages)-1].Role != models.RoleUser {
		return fallback
	}
	if summarizer == nil {
		return fallback
	}

	lastUser := messages[len(messages)-1]
	history := messages[:len(messages)-1]

	rendered := renderHistory(history, budgetChars(cfg.ContextLimit))
	maxTokens := clampInt(int(0.25*float64(maxInt(cfg.ContextLimit, 512))), 192, 1024)

	summary, err := summarizer.Summarize(ctx, rendered, maxTokens)
	if err != nil {
		return fallback
	}

	return []models.Message{
		{Role: models.RoleSystem, Content: summaryPreamble + summary},
		lastUser,
	}
}

// budgetChars derives the aggregate character budget for the rendered
// history block from a token-denominated context limit.
func budgetChars(contextLimit int) int {
	chars := int(BudgetTokenMultiplier * float64(contextLimit) * AvgCharsPerToken)
	return clampInt(chars, MinBudgetChars, MaxBudgetChars)
}

// renderHistory formats every message it is given (Compress passes all but
// the trailing user turn) into one text block,
// truncating individual messages over MaxMessageChars and then truncating
// the oldest entries first until the whole block fits budget.
func renderHistory(history []models.Message, budget int) string {
	entries := make([]string, len(history))
	for i, msg := range history {
		entries[i] = renderEntry(msg)
	}

	total := 0
	for _, e := range entries {
		total += len(e) + 1 // separating newline
	}
	if total <= budget {
		return strings.Join(entries, "\n")
	}

	// Drop oldest entries until the remainder (plus the marker) fits.
	markerLen := len(olderHistoryTruncatedMarker) + 1
	start := 0
	remaining := total
	for start < len(entries) && remaining+markerLen > budget {
		remaining -= len(entries[start]) + 1
		start++
	}

	kept := append([]string{olderHistoryTruncatedMarker}, entries[start:]...)
	return strings.Join(kept, "\n")
}

func renderEntry(msg models.Message) string {
	label := string(msg.Role)
	if msg.Role == models.RoleTool {
		label = "tool:" + msg.Name
	}

	content := msg.Content
	if len(content) > MaxMessageChars {
		omitted := len(content) - MaxMessageChars
		content = fmt.Sprintf("%s...[%d chars omitted]", content[:MaxMessageChars], omitted)
	}

	return fmt.Sprintf("%s: %s", label, content)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
