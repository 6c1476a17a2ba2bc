// Package orchestrator implements the multi-round tool-use loop: it drives
// the inference endpoint through repeated calls, dispatches model-requested
// tool calls to a caller-supplied executor, enforces the checkpoint
// termination protocol, and recovers from endpoint timeouts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/lmstudio-bridge/internal/compaction"
	"github.com/haasonsaas/lmstudio-bridge/internal/endpoint"
	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// Orchestrator runs the round loop against one endpoint.Client. It holds no
// per-request state; the same Orchestrator may be used concurrently across
// independent Run invocations provided each call supplies its own
// cancellation flag.
type Orchestrator struct {
	client *endpoint.Client
	cfg    *Config
	logger *slog.Logger
}

// New creates an Orchestrator. If cfg is nil, DefaultConfig is used.
func New(client *endpoint.Client, cfg *Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client: client,
		cfg:    sanitizeConfig(cfg),
		logger: logger.With("component", "orchestrator"),
	}
}

// RunRequest bundles the inputs to one orchestrator invocation.
type RunRequest struct {
	Model    string
	Messages []models.Message
	Settings *models.ConversationSettings

	// ToolExecutor resolves a tool call to a string result. Its absence
	// means any tool calls the model requests are reported back as final
	// text instead of being dispatched (spec §4.7 step 6).
	ToolExecutor models.ToolExecutor

	// OnToolEvent, if set, receives a lifecycle event for every tool call.
	// Callback failures (including panics) are logged and swallowed.
	OnToolEvent func(models.ToolEvent)

	// OnTextDelta, if set, receives incremental assistant text during a
	// streamed round. Ignored when StreamResponse is false or tools are
	// active for the round.
	OnTextDelta endpoint.TextDeltaSink

	// StreamResponse requests streaming mode; it only takes effect for
	// rounds where no tools are active (spec §4.7 step 2).
	StreamResponse bool

	// Cancelled is the caller's cancellation flag, checked before the
	// connectivity probe, at the top of every round, before each tool call,
	// and before every line read of a streamed response. Nil means "never
	// cancelled".
	Cancelled *atomic.Bool

	// Summarizer, if set and Settings.TokenSaver is true, is used to
	// compress history before the first round.
	Summarizer compaction.Summarizer
}

// Run executes the round loop and returns the final (or partial, on
// cancellation) assistant text. See Result's doc comment for how outcomes
// map onto the (Result, error) pair.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Result, error) {
	settings := req.Settings
	if settings == nil {
		settings = &models.ConversationSettings{}
	}

	if o.cfg.MaxToolRounds == 0 {
		return Result{}, &RoundLimitExceeded{MaxRounds: 0}
	}
	if isCancelled(req.Cancelled) {
		return Result{Cancelled: true}, &endpoint.Cancelled{}
	}

	if err := o.client.Probe(ctx, settings.ProbeTimeout); err != nil {
		return Result{}, err
	}

	messages := o.buildMessages(ctx, req.Messages, settings, req.Summarizer)
	tools := dedupeNormalizedTools(settings.Tools)
	toolChoice := resolveToolChoice(tools, settings.ToolChoice)

	var accumulator []byte
	consecutiveToolCalls := 0
	autoContinueBudget := o.cfg.AutoContinueBudget

	for round := 0; round < o.cfg.MaxToolRounds; round++ {
		if isCancelled(req.Cancelled) {
			return Result{Text: string(accumulator), Cancelled: true}, &endpoint.Cancelled{PartialText: string(accumulator)}
		}

		useStream := req.StreamResponse && len(tools) == 0

		completionReq := buildCompletionRequest(req.Model, messages, tools, toolChoice, settings)

		normalized, err := o.callModel(ctx, completionReq, useStream, req.Cancelled, req.OnTextDelta)
		if err != nil {
			var cancelled *endpoint.Cancelled
			if errors.As(err, &cancelled) {
				full := string(accumulator) + cancelled.PartialText
				return Result{Text: full, Cancelled: true}, &endpoint.Cancelled{PartialText: full}
			}
			o.recoverIfTimeout(ctx, err, req.Model)
			return Result{Text: string(accumulator)}, err
		}

		accumulator = append(accumulator, normalized.Text...)

		if len(normalized.ToolCalls) == 0 {
			if normalized.FinishReason == "length" && autoContinueBudget > 0 {
				messages = append(messages,
					models.Message{Role: models.RoleAssistant, Content: normalized.Text},
					models.Message{Role: models.RoleUser, Content: continueNudge},
				)
				autoContinueBudget--
				continue
			}
			return Result{Text: string(accumulator)}, nil
		}

		if req.ToolExecutor == nil {
			return Result{Text: string(accumulator)}, nil
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   normalized.Text,
			ToolCalls: normalized.ToolCalls,
		})

		for _, call := range normalized.ToolCalls {
			if isCancelled(req.Cancelled) {
				return Result{Text: string(accumulator), Cancelled: true}, &endpoint.Cancelled{PartialText: string(accumulator)}
			}
			resultMsg := o.dispatchToolCall(ctx, req, call)
			messages = append(messages, resultMsg)
			consecutiveToolCalls++
		}

		reply, err := o.runCheckpoint(ctx, req.Model, messages, settings, consecutiveToolCalls >= o.cfg.SoftToolCallLimit)
		if err != nil {
			o.logger.Warn("checkpoint failed, continuing round loop", "error", err)
			o.recoverIfTimeout(ctx, err, req.Model)
			continue
		}
		if !reply.EnoughInformation {
			continue
		}

		if reply.ProgressNote != "" {
			messages = append(messages, models.Message{Role: models.RoleAssistant, Content: reply.ProgressNote})
		}

		finalText, err := o.runFinalize(ctx, req.Model, messages, settings)
		if err != nil {
			o.recoverIfTimeout(ctx, err, req.Model)
			return Result{Text: string(accumulator)}, err
		}
		accumulator = append(accumulator, finalText...)
		return Result{Text: string(accumulator)}, nil
	}

	return Result{Text: string(accumulator)}, &RoundLimitExceeded{MaxRounds: o.cfg.MaxToolRounds}
}

// buildMessages applies history compression (token-saver mode) or plain
// context-window truncation, then inserts the system prompt.
func (o *Orchestrator) buildMessages(ctx context.Context, full []models.Message, settings *models.ConversationSettings, summarizer compaction.Summarizer) []models.Message {
	fallback := truncateToContextWindow(full, settings.ContextLimit)

	var messages []models.Message
	if settings.TokenSaver {
		messages = compaction.Compress(ctx, full, fallback, compaction.Config{ContextLimit: settings.ContextLimit}, summarizer)
	} else {
		messages = fallback
	}

	return insertSystemPrompt(messages, settings.SystemPrompt)
}

func buildCompletionRequest(model string, messages []models.Message, tools []models.NormalizedTool, toolChoice any, settings *models.ConversationSettings) endpoint.CompletionRequest {
	return endpoint.CompletionRequest{
		Model:             model,
		Messages:          messages,
		Tools:             tools,
		ToolChoice:        toolChoice,
		Temperature:       settings.Temperature,
		TopP:              settings.TopP,
		RepetitionPenalty: settings.RepetitionPenalty,
		PresencePenalty:   settings.PresencePenalty,
		FrequencyPenalty:  settings.FrequencyPenalty,
		MaxTokens:         settings.MaxTokens,
		Seed:              settings.Seed,
		Stop:              settings.Stop,
		Timeout:           settings.RequestTimeout,
	}
}

// callModel issues one model call, streaming when useStream is true, and
// returns a uniform Normalized result regardless of which path was taken.
func (o *Orchestrator) callModel(ctx context.Context, req endpoint.CompletionRequest, useStream bool, cancelled *atomic.Bool, onDelta endpoint.TextDeltaSink) (endpoint.Normalized, error) {
	if !useStream {
		return o.client.Complete(ctx, req)
	}

	body, cancel, err := o.client.StreamCompletion(ctx, req)
	if err != nil {
		return endpoint.Normalized{}, err
	}
	defer cancel()
	defer body.Close()

	streamResult, err := endpoint.ReadStream(ctx, body, cancelled, onDelta)
	if err != nil {
		return endpoint.Normalized{}, err
	}
	return endpoint.Normalized{Text: streamResult.Text, FinishReason: streamResult.FinishReason}, nil
}

// dispatchToolCall parses arguments, executes the tool, reports lifecycle
// events, and builds the role=tool result message. Tool execution errors
// never abort the loop; they are surfaced to the model as the tool's
// output text (spec §7).
func (o *Orchestrator) dispatchToolCall(ctx context.Context, req RunRequest, call models.ToolCall) models.Message {
	args := parseToolArguments(call.Function.Arguments, o.cfg.MaxToolArgsBytes)

	o.emitToolEvent(req.OnToolEvent, call, models.ToolEventRequested, args, "", "")

	var output string
	var err error
	if o.cfg.MaxToolArgsBytes > 0 && len(call.Function.Arguments) > o.cfg.MaxToolArgsBytes {
		err = errors.New("argument payload exceeded the size guard and was not dispatched")
	} else {
		output, err = o.executeTool(ctx, req.ToolExecutor, call.Function.Name, args)
	}
	if err != nil {
		output = fmt.Sprintf("Tool execution failed: %v", err)
		o.emitToolEvent(req.OnToolEvent, call, models.ToolEventFailed, args, "", err.Error())
	} else {
		o.emitToolEvent(req.OnToolEvent, call, models.ToolEventSucceeded, args, output, "")
	}

	return models.Message{
		Role:       models.RoleTool,
		Content:    output,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}
}

// executeTool calls the executor, converting a panic into an error so a
// misbehaving tool can never take down the round loop.
func (o *Orchestrator) executeTool(ctx context.Context, executor models.ToolExecutor, name string, args map[string]any) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return executor(ctx, name, args)
}

// emitToolEvent reports one lifecycle event to the caller's sink, if any.
// A panicking sink is logged and swallowed rather than propagated.
func (o *Orchestrator) emitToolEvent(sink func(models.ToolEvent), call models.ToolCall, stage models.ToolEventStage, args map[string]any, output, errMsg string) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("tool event callback panicked", "error", r)
		}
	}()

	input, _ := json.Marshal(args)
	now := time.Now()
	sink(models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Stage:      stage,
		Input:      input,
		Output:     output,
		Error:      errMsg,
		StartedAt:  now,
		FinishedAt: now,
	})
}

// recoverIfTimeout triggers endpoint recovery when err is a timeout,
// per spec §4.6; the original error is always returned to the caller
// regardless of the recovery attempt's own outcome.
func (o *Orchestrator) recoverIfTimeout(ctx context.Context, err error, model string) {
	var timeoutErr *endpoint.TimeoutError
	if !errors.As(err, &timeoutErr) {
		return
	}
	recoverCtx := context.WithoutCancel(ctx)
	if recoverErr := endpoint.Recover(recoverCtx, o.client, model, o.cfg.RecoveryConfig, o.logger); recoverErr != nil {
		o.logger.Warn("endpoint recovery failed", "error", recoverErr)
	}
}

func isCancelled(flag *atomic.Bool) bool {
	return flag != nil && flag.Load()
}
