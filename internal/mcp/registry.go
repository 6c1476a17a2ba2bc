package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/lmstudio-bridge/internal/backoff"
	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

const maxToolNameLen = 64

// discoveryRetryAttempts bounds how many live discovery attempts (the first
// try plus retries) a single server gets before falling back to its
// declared Calls.
const discoveryRetryAttempts = 2

// Registry discovers tools from a set of configured MCP servers and
// dispatches tools/call invocations back to the transport that exposed
// them.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]registryEntry // normalized name -> entry
}

type registryEntry struct {
	cfg     *ServerConfig
	rawName string
	tool    models.NormalizedTool
}

// InvokeResult is the outcome of a tools/call dispatch.
type InvokeResult struct {
	OK     bool
	Result string
	Error  string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "mcp_registry"),
		entries: make(map[string]registryEntry),
	}
}

// Discover runs one discovery task per server config concurrently, joins
// the results, and dedupes by normalized function name (first occurrence
// wins). Failures on individual servers are logged but never fail the
// overall discovery.
func (r *Registry) Discover(ctx context.Context, configs []*ServerConfig) []models.NormalizedTool {
	type discovered struct {
		cfg   *ServerConfig
		tools []discoveredTool
	}

	results := make([]discovered, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		if cfg == nil || cfg.Disabled {
			continue
		}
		wg.Add(1)
		go func(i int, cfg *ServerConfig) {
			defer wg.Done()
			tools, err := r.discoverOne(ctx, cfg)
			if err != nil {
				r.logger.Warn("mcp discovery failed", "server", cfg.ID, "error", err)
			}
			results[i] = discovered{cfg: cfg, tools: tools}
		}(i, cfg)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]registryEntry)

	var out []models.NormalizedTool
	for _, d := range results {
		if d.cfg == nil {
			continue
		}
		for _, t := range d.tools {
			name := normalizeFunctionName(d.cfg.ID, t.name)
			if name == "" {
				continue
			}
			if _, exists := r.entries[name]; exists {
				continue // dedupe: first occurrence wins
			}
			tool := models.NormalizedTool{
				Kind: "function",
				Function: models.NormalizedToolFn{
					Name:        name,
					Description: t.description,
					Parameters:  wrapSchema(t.schema),
				},
			}
			r.entries[name] = registryEntry{cfg: d.cfg, rawName: t.name, tool: tool}
			out = append(out, tool)
		}
	}
	return out
}

type discoveredTool struct {
	name        string
	description string
	schema      json.RawMessage
}

// discoverOne performs live tools/list discovery against a single server,
// falling back to its declared Calls when discovery yields nothing. A flaky
// first connection (common right after a stdio server process starts, or a
// cold HTTP endpoint) gets one retry with backoff before giving up on live
// discovery.
func (r *Registry) discoverOne(ctx context.Context, cfg *ServerConfig) ([]discoveredTool, error) {
	tools, err := backoff.RetryValue(ctx, backoff.DiscoveryPolicy(), discoveryRetryAttempts, func(attempt int) ([]discoveredTool, error) {
		return r.listLive(ctx, cfg)
	})
	if len(tools) > 0 {
		return tools, nil
	}

	if len(cfg.Calls) > 0 {
		fallback := make([]discoveredTool, 0, len(cfg.Calls))
		for _, call := range cfg.Calls {
			fallback = append(fallback, discoveredTool{
				name:        call,
				description: fmt.Sprintf("MCP action %q from %s", call, cfg.ID),
				schema:      json.RawMessage(`{}`),
			})
		}
		return fallback, nil
	}

	return nil, err
}

// listLive connects, best-effort initializes, and lists tools on one server.
func (r *Registry) listLive(ctx context.Context, cfg *ServerConfig) ([]discoveredTool, error) {
	transport := NewTransport(cfg)
	if err := transport.Connect(ctx); err != nil {
		// A missing URL/command or a process that cannot start will fail the
		// same way on every retry.
		return nil, backoff.Permanent(fmt.Errorf("connect %s: %w", cfg.ID, err))
	}
	defer transport.Close()

	// initialize is best-effort: ignore failures and proceed to tools/list.
	_, _ = transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "lmstudio-bridge",
			"version": "1.0.0",
		},
	})

	raw, err := transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", cfg.ID, err)
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list %s: %w", cfg.ID, err)
	}

	out := make([]discoveredTool, 0, len(result.Tools))
	for _, t := range result.Tools {
		if t == nil || t.Name == "" {
			continue
		}
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = fmt.Sprintf("MCP tool %q from %s", t.Name, cfg.ID)
		}
		out = append(out, discoveredTool{name: t.Name, description: desc, schema: t.InputSchema})
	}
	return out, nil
}

// Invoke dispatches a tools/call for a normalized function name.
func (r *Registry) Invoke(ctx context.Context, name string, arguments map[string]any) InvokeResult {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return InvokeResult{OK: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	transport := NewTransport(entry.cfg)
	if err := transport.Connect(ctx); err != nil {
		return InvokeResult{OK: false, Error: err.Error()}
	}
	defer transport.Close()

	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return InvokeResult{OK: false, Error: err.Error()}
	}

	raw, err := transport.Call(ctx, "tools/call", CallToolParams{
		Name:      entry.rawName,
		Arguments: argsJSON,
	})
	if err != nil {
		return InvokeResult{OK: false, Error: err.Error()}
	}

	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Not every server wraps its reply in the standard content[] shape;
		// fall back to treating the raw payload as the result text.
		return InvokeResult{OK: true, Result: string(raw)}
	}

	text, isError := flattenToolResult(&result)
	return InvokeResult{OK: !isError, Result: text, Error: errIfTrue(isError, text)}
}

func errIfTrue(isError bool, text string) string {
	if isError {
		return text
	}
	return ""
}

func flattenToolResult(result *ToolCallResult) (string, bool) {
	if result == nil {
		return "", false
	}
	var b strings.Builder
	for _, item := range result.Content {
		if item.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(item.Text)
	}
	if b.Len() > 0 {
		return b.String(), result.IsError
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", result.IsError
	}
	return string(payload), result.IsError
}

// normalizeFunctionName builds and sanitizes the function name sent to the
// model: sanitize(<server-id-with-slash-replaced>_<raw-name>), truncated to
// 64 octets. Empty results are rejected by returning "".
func normalizeFunctionName(serverID, rawName string) string {
	prefix := strings.ReplaceAll(serverID, "/", "_")
	combined := prefix + "_" + rawName
	sanitized := SanitizeToolName(combined)
	if sanitized == "" {
		return ""
	}
	if len(sanitized) > maxToolNameLen {
		sanitized = sanitized[:maxToolNameLen]
	}
	return sanitized
}

// SanitizeToolName replaces every character outside [A-Za-z0-9_-] with '_'.
// Applying it to an already-sanitized name is a no-op.
func SanitizeToolName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// wrapSchema ensures the schema is a JSON-Schema object at the top level:
// a non-object schema becomes {type:object, properties:{input:<schema>},
// required:["input"]}.
func wrapSchema(schema json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(schema))) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(schema, &probe); err != nil || probe.Type != "object" {
		var inner any
		if err := json.Unmarshal(schema, &inner); err != nil {
			inner = map[string]any{}
		}
		wrapped := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": inner,
			},
			"required": []string{"input"},
		}
		out, err := json.Marshal(wrapped)
		if err != nil {
			return json.RawMessage(`{"type":"object","properties":{}}`)
		}
		return out
	}
	return schema
}
