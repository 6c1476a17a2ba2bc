package endpoint

import (
	"encoding/json"
	"hash/fnv"
	"strconv"

	"github.com/google/uuid"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// Normalized is the (assistant_text, tool_calls, finish_reason) triple the
// orchestrator operates on, extracted from whichever provider-variant shape
// a raw choice object happens to use.
type Normalized struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
}

// NormalizeChoice extracts a Normalized value from one `choices[i]` object of
// a non-streaming chat-completion response. Unknown fields are ignored;
// nothing here ever rejects a response for carrying extra data.
func NormalizeChoice(raw json.RawMessage) Normalized {
	var choice map[string]any
	if len(raw) == 0 {
		return Normalized{}
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return Normalized{}
	}

	message, _ := choice["message"].(map[string]any)

	out := Normalized{
		Text:      extractContent(message, choice),
		ToolCalls: extractToolCalls(message, choice),
	}
	if fr, ok := choice["finish_reason"].(string); ok {
		out.FinishReason = fr
	}
	return out
}

// NormalizeDelta extracts incremental text from one streamed `choices[i]`
// chunk object (the `delta` shape rather than `message`).
func NormalizeDelta(raw json.RawMessage) (text string, finishReason string) {
	var choice map[string]any
	if err := json.Unmarshal(raw, &choice); err != nil {
		return "", ""
	}
	delta, _ := choice["delta"].(map[string]any)

	if delta != nil {
		if v, ok := delta["content"]; ok {
			if s := contentToText(v); s != "" {
				return s, finishReasonOf(choice)
			}
		}
		if v, ok := delta["text"]; ok {
			if s := contentToText(v); s != "" {
				return s, finishReasonOf(choice)
			}
		}
	}
	if v, ok := choice["text"]; ok {
		if s := contentToText(v); s != "" {
			return s, finishReasonOf(choice)
		}
	}
	if v, ok := choice["output_text"]; ok {
		if s := contentToText(v); s != "" {
			return s, finishReasonOf(choice)
		}
	}
	return "", finishReasonOf(choice)
}

func finishReasonOf(choice map[string]any) string {
	if fr, ok := choice["finish_reason"].(string); ok {
		return fr
	}
	return ""
}

// extractContent tries message.content, then choice.text, then
// choice.output_text; the first non-empty candidate wins.
func extractContent(message, choice map[string]any) string {
	if message != nil {
		if v, ok := message["content"]; ok {
			if s := contentToText(v); s != "" {
				return s
			}
		}
	}
	if v, ok := choice["text"]; ok {
		if s := contentToText(v); s != "" {
			return s
		}
	}
	if v, ok := choice["output_text"]; ok {
		if s := contentToText(v); s != "" {
			return s
		}
	}
	return ""
}

// contentToText collapses a `content`-shaped value into plain text: a bare
// string, a dict carrying `text`/`content`, or a list of parts (strings or
// `{type:"text"|"output_text", text:"…"}` / `{text|content:"…"}` objects),
// concatenated in order.
func contentToText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if s, ok := val["text"].(string); ok && s != "" {
			return s
		}
		if s, ok := val["content"].(string); ok && s != "" {
			return s
		}
		return ""
	case []any:
		out := ""
		for _, part := range val {
			switch p := part.(type) {
			case string:
				out += p
			case map[string]any:
				if t, ok := p["type"].(string); ok && (t == "text" || t == "output_text") {
					if s, ok := p["text"].(string); ok {
						out += s
						continue
					}
				}
				if s, ok := p["text"].(string); ok {
					out += s
					continue
				}
				if s, ok := p["content"].(string); ok {
					out += s
				}
			}
		}
		return out
	default:
		return ""
	}
}

// extractToolCalls pulls tool calls out of a provider-variant response
// shape, including the legacy function_call fallback with a stable
// synthesized id.
func extractToolCalls(message, choice map[string]any) []models.ToolCall {
	if message != nil {
		if raw, ok := message["tool_calls"]; ok {
			if calls := toolCallsFromAny(raw); len(calls) > 0 {
				return calls
			}
		}
		if fc, ok := message["function_call"].(map[string]any); ok {
			return []models.ToolCall{legacyFunctionCall(fc)}
		}
	}
	if fc, ok := choice["function_call"].(map[string]any); ok {
		return []models.ToolCall{legacyFunctionCall(fc)}
	}
	return nil
}

func toolCallsFromAny(raw any) []models.ToolCall {
	switch v := raw.(type) {
	case []any:
		var out []models.ToolCall
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				if tc, ok := toolCallFromObject(obj); ok {
					out = append(out, tc)
				}
			}
		}
		return out
	case map[string]any:
		if tc, ok := toolCallFromObject(v); ok {
			return []models.ToolCall{tc}
		}
	}
	return nil
}

func toolCallFromObject(obj map[string]any) (models.ToolCall, bool) {
	fn, _ := obj["function"].(map[string]any)
	name, _ := fn["name"].(string)
	if name == "" {
		return models.ToolCall{}, false
	}
	args, _ := fn["arguments"].(string)

	id, _ := obj["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}

	return models.ToolCall{
		ID:   id,
		Kind: "function",
		Function: models.ToolCallFunc{
			Name:      name,
			Arguments: args,
		},
	}, true
}

// legacyFunctionCall synthesizes a ToolCall from an older single
// `function_call` shape, with a non-cryptographic, stable display id.
func legacyFunctionCall(fc map[string]any) models.ToolCall {
	name, _ := fc["name"].(string)
	args, _ := fc["arguments"].(string)

	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(args))

	return models.ToolCall{
		ID:   "legacy_fc_" + strconv.FormatUint(uint64(h.Sum32()), 16),
		Kind: "function",
		Function: models.ToolCallFunc{
			Name:      name,
			Arguments: args,
		},
	}
}
