package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

const checkpointInstruction = `You just used a tool. Decide whether you now have enough information ` +
	`to answer the user's request. Reply with a single JSON object of the exact shape ` +
	`{"enough_information": <bool>, "progress_note": "<short note on what you've learned or still need>"} ` +
	`and nothing else.`

const checkpointInstructionSoftLimit = checkpointInstruction +
	` You have made several consecutive tool calls; a progress decision is now mandatory — ` +
	`do not call another tool this turn.`

const finalizeNudge = "You have enough information to answer. Do not call any tools; answer the user now."

const continueNudge = "Continue from where you left off. Do not repeat previous text."

// checkpointReply is the JSON shape the checkpoint instruction asks the
// model to reply with.
type checkpointReply struct {
	EnoughInformation bool   `json:"enough_information"`
	ProgressNote      string `json:"progress_note"`
}

// runCheckpoint issues the mandatory post-tool-call checkpoint: a
// non-streaming, tools-disabled call at temperature 0 asking the model to
// self-report whether it has enough information to answer. Every other
// sampling setting (repetition/presence/frequency penalty, seed, stop
// sequences) still flows through from settings, matching the
// original's checkpoint_settings = dict(settings_payload) behavior rather
// than dropping everything but temperature/top_p/max_tokens. A parse or
// transport failure is reported to the caller, who (per spec §4.7 step 8
// and §7) treats it as "continue the outer loop" rather than aborting.
func (o *Orchestrator) runCheckpoint(ctx context.Context, model string, messages []models.Message, settings *models.ConversationSettings, softLimitHit bool) (checkpointReply, error) {
	instruction := checkpointInstruction
	if softLimitHit {
		instruction = checkpointInstructionSoftLimit
	}

	cpMessages := make([]models.Message, len(messages), len(messages)+1)
	copy(cpMessages, messages)
	cpMessages = append(cpMessages, models.Message{Role: models.RoleSystem, Content: instruction})

	temp := float32(0)
	topP := float32(1)
	cpReq := buildCompletionRequest(model, cpMessages, nil, nil, settings)
	cpReq.Temperature = &temp
	cpReq.TopP = &topP
	cpReq.MaxTokens = clampInt(o.cfg.CheckpointMaxTokens, checkpointMinTokens, checkpointMaxTokens)

	normalized, err := o.client.Complete(ctx, cpReq)
	if err != nil {
		return checkpointReply{}, err
	}

	var reply checkpointReply
	if err := json.Unmarshal([]byte(extractJSONObject(normalized.Text)), &reply); err != nil {
		return checkpointReply{}, err
	}
	return reply, nil
}

// runFinalize issues the tools-disabled final-answer call after a
// checkpoint reports enough_information=true. It forwards every sampling
// setting from settings unchanged (matching final_settings =
// dict(settings_payload) in the original), stripping only tools/tool_choice
// the way buildCompletionRequest's nil tools/toolChoice args already do.
func (o *Orchestrator) runFinalize(ctx context.Context, model string, messages []models.Message, settings *models.ConversationSettings) (string, error) {
	finalMessages := make([]models.Message, len(messages), len(messages)+1)
	copy(finalMessages, messages)
	finalMessages = append(finalMessages, models.Message{Role: models.RoleSystem, Content: finalizeNudge})

	normalized, err := o.client.Complete(ctx, buildCompletionRequest(model, finalMessages, nil, nil, settings))
	if err != nil {
		return "", err
	}
	return normalized.Text, nil
}

// extractJSONObject returns the substring from the first '{' to the
// matching last '}', tolerating a model that wraps its JSON reply in
// prose or a markdown fence. If no braces are found, the input is
// returned unchanged so json.Unmarshal can produce a normal parse error.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
