// Package endpoint talks to a local OpenAI-compatible inference endpoint
// (LM Studio): chat completions, streaming, model load/unload, and the
// readiness polling used to recover from request timeouts.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// Config configures a Client. Zero-value fields fall back to DefaultConfig's
// values via sanitizeConfig.
type Config struct {
	// BaseURL is the inference endpoint root, e.g. "http://localhost:1234/v1".
	BaseURL string

	// RequestTimeout bounds a single chat-completion call, streaming or not.
	RequestTimeout time.Duration

	// ProbeTimeout bounds the connectivity preflight probe.
	ProbeTimeout time.Duration

	HTTPClient *http.Client
}

// DefaultConfig returns sane defaults for talking to a local LM Studio
// instance.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:1234/v1",
		RequestTimeout: 120 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	defaults := DefaultConfig()
	if out.BaseURL == "" {
		out.BaseURL = defaults.BaseURL
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaults.RequestTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = defaults.ProbeTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{}
	}
	return &out
}

// Client is the HTTP transport to the inference endpoint. It holds no
// per-request state; the same Client is safe for concurrent use across
// independent orchestrator invocations.
type Client struct {
	cfg    *Config
	logger *slog.Logger
}

// NewClient creates a Client. If cfg is nil, DefaultConfig is used.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    sanitizeConfig(cfg),
		logger: logger.With("component", "endpoint_client"),
	}
}

// BaseURL returns the configured endpoint root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// CompletionRequest is the caller-facing shape of one chat-completion call.
type CompletionRequest struct {
	Model             string
	Messages          []models.Message
	Tools             []models.NormalizedTool
	ToolChoice        any
	Temperature       *float32
	TopP              *float32
	RepetitionPenalty *float32
	PresencePenalty   *float32
	FrequencyPenalty  *float32
	MaxTokens         int
	Seed              *int
	Stop              []string
	SessionID         string

	// Timeout overrides the client's configured RequestTimeout for this
	// call alone. Zero means "use the client default".
	Timeout time.Duration
}

// chatCompletionBody is the wire body sent to /chat/completions. It reuses
// go-openai's typed message and tool shapes and adds the LM Studio
// extensions (repetition_penalty, session_id) the standard client doesn't
// know about.
type chatCompletionBody struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Stream            bool                            `json:"stream"`
	Temperature       *float32                        `json:"temperature,omitempty"`
	TopP              *float32                        `json:"top_p,omitempty"`
	RepetitionPenalty *float32                        `json:"repetition_penalty,omitempty"`
	PresencePenalty   *float32                        `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float32                        `json:"frequency_penalty,omitempty"`
	MaxTokens         int                             `json:"max_tokens,omitempty"`
	Seed              *int                            `json:"seed,omitempty"`
	Stop              []string                        `json:"stop,omitempty"`
	Tools             []openai.Tool                   `json:"tools,omitempty"`
	ToolChoice        any                             `json:"tool_choice,omitempty"`
	SessionID         string                          `json:"session_id,omitempty"`
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []models.NormalizedTool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

func (c *Client) buildBody(req CompletionRequest, stream bool) chatCompletionBody {
	body := chatCompletionBody{
		Model:             req.Model,
		Messages:          toOpenAIMessages(req.Messages),
		Stream:            stream,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		RepetitionPenalty: req.RepetitionPenalty,
		PresencePenalty:   req.PresencePenalty,
		FrequencyPenalty:  req.FrequencyPenalty,
		MaxTokens:         req.MaxTokens,
		Seed:              req.Seed,
		Stop:              req.Stop,
		SessionID:         req.SessionID,
	}
	if len(req.Tools) > 0 {
		body.Tools = toOpenAITools(req.Tools)
		body.ToolChoice = req.ToolChoice
	}
	return body
}

// post issues one POST to the endpoint and returns the live response plus a
// cancel func the caller must invoke once it is done reading the body
// (deferring it before the body is drained would cut the read short).
func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	body, err := json.Marshal(payload)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, &ConnectionError{URL: c.cfg.BaseURL + path, Cause: err}
	}
	return resp, cancel, nil
}

// Complete issues a single, non-streaming chat-completion call and returns
// the normalized first choice.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Normalized, error) {
	body := c.buildBody(req, false)

	resp, cancel, err := c.post(ctx, "/chat/completions", body, requestTimeout(c.cfg, req.Timeout))
	if err != nil {
		return Normalized{}, wrapTimeout("chat completion", err)
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Normalized{}, wrapTimeout("read chat completion body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Normalized{}, &EndpointError{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed struct {
		Choices []json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		return Normalized{}, nil
	}
	return NormalizeChoice(parsed.Choices[0]), nil
}

// StreamCompletion issues a streaming chat-completion call and returns the
// live response body for the caller's stream reader to consume line by
// line. The caller must close both the body and invoke cancel.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest) (io.ReadCloser, context.CancelFunc, error) {
	body := c.buildBody(req, true)

	resp, cancel, err := c.post(ctx, "/chat/completions", body, requestTimeout(c.cfg, req.Timeout))
	if err != nil {
		return nil, nil, wrapTimeout("chat completion stream", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, &EndpointError{Status: resp.StatusCode, Body: string(raw)}
	}

	return resp.Body, cancel, nil
}

// requestTimeout returns override if the caller set one for this request,
// falling back to the client's configured default otherwise.
func requestTimeout(cfg *Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return cfg.RequestTimeout
}

// Probe issues the connectivity preflight: GET /models. timeoutOverride, if
// positive, replaces the client's configured ProbeTimeout for this call.
func (c *Client) Probe(ctx context.Context, timeoutOverride time.Duration) error {
	timeout := c.cfg.ProbeTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return &ConnectionError{URL: c.cfg.BaseURL, Cause: err}
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return &ConnectionError{URL: c.cfg.BaseURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{URL: c.cfg.BaseURL, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// LoadedModelID returns data[0].id from GET /models, or "" if no model is
// currently loaded.
func (c *Client) LoadedModelID(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", &ConnectionError{URL: c.cfg.BaseURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &EndpointError{Status: resp.StatusCode}
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 {
		return "", nil
	}
	return parsed.Data[0].ID, nil
}

// LoadModel issues POST /models/load {model}.
func (c *Client) LoadModel(ctx context.Context, model string) error {
	resp, cancel, err := c.post(ctx, "/models/load", map[string]string{"model": model}, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &EndpointError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// UnloadModel issues POST /models/unload {instance_id}.
func (c *Client) UnloadModel(ctx context.Context, instanceID string) error {
	resp, cancel, err := c.post(ctx, "/models/unload", map[string]string{"instance_id": instanceID}, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &EndpointError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// wrapTimeout reclassifies a deadline-exceeded error as a *TimeoutError so
// the orchestrator can distinguish "slow" from "unreachable" and only
// trigger endpoint recovery for the former.
func wrapTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Cause: err}
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) && errors.Is(connErr.Cause, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Cause: err}
	}
	return err
}
