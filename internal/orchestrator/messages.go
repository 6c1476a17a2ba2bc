package orchestrator

import (
	"strings"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// estimatedCharsPerToken approximates characters-per-token for messages
// that don't already carry a TokenCount, matching the compaction package's
// budget heuristic.
const estimatedCharsPerToken = 4

// truncateToContextWindow bounds history to the most recent messages whose
// estimated token cost fits contextLimit, always keeping at least the last
// message. contextLimit<=0 keeps only the last message, per spec §8's
// boundary behavior ("context_limit=0 -> history is empty; only the system
// prompt, if any, and the last user message are sent").
func truncateToContextWindow(messages []models.Message, contextLimit int) []models.Message {
	if len(messages) == 0 {
		return messages
	}
	if contextLimit <= 0 {
		return []models.Message{messages[len(messages)-1]}
	}

	kept := make([]models.Message, 0, len(messages))
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := estimateTokens(messages[i])
		if used+cost > contextLimit && len(kept) > 0 {
			break
		}
		kept = append(kept, messages[i])
		used += cost
	}

	// kept was built newest-first; reverse it back to chronological order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return dropOrphanToolMessages(kept)
}

// dropOrphanToolMessages strips any leading role=tool messages left behind
// when truncation cuts off the assistant message that requested them,
// preserving the invariant that every tool message sent to the model has a
// preceding assistant message carrying the matching tool_call_id.
func dropOrphanToolMessages(messages []models.Message) []models.Message {
	i := 0
	for i < len(messages) && messages[i].Role == models.RoleTool {
		i++
	}
	return messages[i:]
}

func estimateTokens(m models.Message) int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return len(m.Content)/estimatedCharsPerToken + 1
}

// insertSystemPrompt prepends prompt as a system message unless it is
// already present, verbatim, at position 0. An empty (after trimming)
// prompt is a no-op.
func insertSystemPrompt(messages []models.Message, prompt string) []models.Message {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == models.RoleSystem && messages[0].Content == prompt {
		return messages
	}

	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: prompt})
	out = append(out, messages...)
	return out
}
