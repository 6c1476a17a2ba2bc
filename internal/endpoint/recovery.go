package endpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/lmstudio-bridge/internal/backoff"
)

// RecoveryConfig tunes the readiness-poll timing of Recover. Defaults are
// a 20s initial wait, then up to 5 polls, plus a 5s stabilization sleep
// after success. The gaps between polls are not fixed at PollInterval:
// they follow backoff.EndpointPollPolicy, starting near half of
// PollInterval and growing to at most PollInterval.
type RecoveryConfig struct {
	InitialWait      time.Duration
	PollInterval     time.Duration
	MaxPolls         int
	StabilizationGap time.Duration
}

// DefaultRecoveryConfig returns the standard recovery timing.
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{
		InitialWait:      20 * time.Second,
		PollInterval:     5 * time.Second,
		MaxPolls:         5,
		StabilizationGap: 5 * time.Second,
	}
}

func sanitizeRecoveryConfig(cfg *RecoveryConfig) *RecoveryConfig {
	if cfg == nil {
		return DefaultRecoveryConfig()
	}
	out := *cfg
	defaults := DefaultRecoveryConfig()
	if out.InitialWait <= 0 {
		out.InitialWait = defaults.InitialWait
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaults.PollInterval
	}
	if out.MaxPolls <= 0 {
		out.MaxPolls = defaults.MaxPolls
	}
	if out.StabilizationGap < 0 {
		out.StabilizationGap = defaults.StabilizationGap
	}
	return &out
}

// Recover unloads whatever instance is currently loaded, loads the target
// model, and polls until the endpoint reports it ready. It is always a
// best-effort side effect — the timeout that triggered it is surfaced to
// the caller regardless of what Recover returns.
func Recover(ctx context.Context, client *Client, targetModel string, cfg *RecoveryConfig, logger *slog.Logger) error {
	cfg = sanitizeRecoveryConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "endpoint_recovery", "target_model", targetModel)

	currentID, err := client.LoadedModelID(ctx)
	if err != nil {
		logger.Warn("recovery: could not read loaded model id", "error", err)
	} else if currentID != "" {
		if err := client.UnloadModel(ctx, currentID); err != nil {
			logger.Warn("recovery: unload failed", "instance_id", currentID, "error", err)
		}
	}

	if err := client.LoadModel(ctx, targetModel); err != nil {
		logger.Warn("recovery: load failed", "error", err)
		return err
	}

	if err := backoff.SleepWithContext(ctx, cfg.InitialWait); err != nil {
		return err
	}

	pollPolicy := backoff.EndpointPollPolicy(cfg.PollInterval)
	for poll := 0; poll < cfg.MaxPolls; poll++ {
		id, err := client.LoadedModelID(ctx)
		if err == nil && id == targetModel {
			return backoff.SleepWithContext(ctx, cfg.StabilizationGap)
		}
		if poll < cfg.MaxPolls-1 {
			if err := backoff.SleepBeforeAttempt(ctx, pollPolicy, poll+1); err != nil {
				return err
			}
		}
	}

	logger.Warn("recovery: model did not become ready within poll budget")
	return nil
}
