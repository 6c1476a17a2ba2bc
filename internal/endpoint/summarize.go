package endpoint

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

const summarizationInstruction = "Summarize the following conversation history concisely, preserving " +
	"facts, decisions, and open threads a continuation would need. Do not address the user directly.\n\n"

// Summarizer satisfies compaction.Summarizer by issuing a single
// non-streaming completion against this Client. On a timeout it attempts
// endpoint recovery before reporting the failure, since token-saver mode
// treats a failed summary as a signal the endpoint may be wedged.
type Summarizer struct {
	Client         *Client
	Model          string
	RecoveryConfig *RecoveryConfig
	Logger         *slog.Logger
}

func (s *Summarizer) Summarize(ctx context.Context, renderedHistory string, maxTokens int) (string, error) {
	temp := float32(0.1)
	topP := float32(0.9)

	req := CompletionRequest{
		Model: s.Model,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: summarizationInstruction + renderedHistory},
		},
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   maxTokens,
	}

	result, err := s.Client.Complete(ctx, req)
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			_ = Recover(context.WithoutCancel(ctx), s.Client, s.Model, s.RecoveryConfig, s.Logger)
		}
		return "", err
	}
	return result.Text, nil
}
