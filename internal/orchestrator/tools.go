package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// dedupeNormalizedTools keeps the first occurrence of each function name,
// matching the registry's own dedupe rule and the idempotence law in spec
// §8: dedupe(dedupe(xs)) == dedupe(xs).
func dedupeNormalizedTools(tools []models.NormalizedTool) []models.NormalizedTool {
	if len(tools) == 0 {
		return tools
	}
	seen := make(map[string]bool, len(tools))
	out := make([]models.NormalizedTool, 0, len(tools))
	for _, t := range tools {
		if seen[t.Function.Name] {
			continue
		}
		seen[t.Function.Name] = true
		out = append(out, t)
	}
	return out
}

// resolveToolChoice forces tool_choice="auto" when tools are present and
// the caller didn't already set one explicitly.
func resolveToolChoice(tools []models.NormalizedTool, choice any) any {
	if len(tools) == 0 {
		return nil
	}
	if choice != nil {
		return choice
	}
	return "auto"
}

// parseToolArguments implements spec §4.7 step 8's tolerant argument
// decoding: a JSON object is used directly, JSON that parses to something
// else is wrapped as {_args: ...}, and anything that fails to parse is
// wrapped as {_raw: <text>}. Arguments longer than maxBytes (0 disables the
// guard) are replaced by a truncation notice rather than parsed at all.
func parseToolArguments(raw string, maxBytes int) map[string]any {
	if maxBytes > 0 && len(raw) > maxBytes {
		return map[string]any{
			"_raw": "argument payload exceeded the size guard and was not dispatched",
		}
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj
	}

	var generic any
	if err := json.Unmarshal([]byte(trimmed), &generic); err == nil {
		return map[string]any{"_args": generic}
	}

	return map[string]any{"_raw": raw}
}
