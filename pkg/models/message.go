// Package models defines the conversation and tool-call data types shared
// between the orchestrator, the MCP tool registry, and the LM Studio
// endpoint client.
package models

import (
	"context"
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation sent to or received from the
// model. Tool-result messages carry ToolCallID matching the originating
// assistant ToolCalls entry; assistant messages may carry an ordered list
// of ToolCalls requested by the model.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	TokenCount int            `json:"token_count,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// ToolCall is a model-emitted request to invoke a named function. Arguments
// is the raw string the model produced; it is expected to be a JSON object
// but callers must tolerate malformed or non-object JSON.
type ToolCall struct {
	ID       string       `json:"id"`
	Kind     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc holds the function name and raw argument string of a ToolCall.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Conversation is the ordered sequence of messages the orchestrator reads
// from. The core never mutates a caller-owned Conversation; it copies the
// message slice into a local working list for the request.
type Conversation struct {
	ID           string
	Model        string
	Settings     *ConversationSettings
	ActiveTools  []string
	Messages     []Message
}

// ConversationSettings is the bag of sampling and behavior knobs recognized
// by the orchestrator. Unrecognized keys are the caller's concern.
type ConversationSettings struct {
	Temperature       *float32 `json:"temperature,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	PresencePenalty   *float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float32 `json:"frequency_penalty,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Seed              *int     `json:"seed,omitempty"`
	Stop              []string `json:"stop,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty"`
	ContextLimit int    `json:"context_limit,omitempty"`
	TokenSaver   bool   `json:"token_saver,omitempty"`

	Tools      []NormalizedTool `json:"tools,omitempty"`
	ToolChoice any              `json:"tool_choice,omitempty"`

	// RequestTimeout and ProbeTimeout let a caller override the
	// orchestrator's endpoint.Client default network timeouts on a
	// per-request basis. Zero means "use the client's configured default".
	RequestTimeout time.Duration `json:"-"`
	ProbeTimeout   time.Duration `json:"-"`
}

// NormalizedTool is the function-tool shape sent to the model: a sanitized,
// length-bounded name plus a JSON-Schema object for parameters.
type NormalizedTool struct {
	Kind     string           `json:"type"`
	Function NormalizedToolFn `json:"function"`
}

// NormalizedToolFn holds the name/description/schema of a NormalizedTool.
type NormalizedToolFn struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolExecutor resolves a tool call to a string result. Callers supply one
// to the orchestrator; its absence means tool calls are reported back as
// final text instead of being dispatched.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (string, error)
