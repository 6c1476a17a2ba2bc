package orchestrator

import "github.com/haasonsaas/lmstudio-bridge/internal/endpoint"

// Config tunes the round loop's limits and sampling for the checkpoint and
// finalize calls. sanitizeConfig replaces negative fields with
// DefaultConfig's values (and a zero CheckpointMaxTokens too); other zero
// fields are kept as zero (see the per-field comments).
type Config struct {
	// MaxToolRounds bounds the number of model round-trips per invocation.
	// Zero is a valid, meaningful setting: it fails immediately with
	// RoundLimitExceeded before any model call. Negative falls back to the
	// default.
	MaxToolRounds int

	// SoftToolCallLimit is the number of consecutive tool calls after which
	// the checkpoint instructs the model that a progress decision is
	// mandatory. Negative falls back to the default.
	SoftToolCallLimit int

	// AutoContinueBudget is how many times a finish_reason="length" response
	// may be continued before the orchestrator gives up and returns what it
	// has. Negative falls back to the default.
	AutoContinueBudget int

	// MaxToolArgsBytes guards against pathological tool-call argument
	// payloads; arguments longer than this are replaced with a truncation
	// notice instead of being parsed. Zero disables the guard. Negative
	// falls back to the default.
	MaxToolArgsBytes int

	// CheckpointMaxTokens bounds the checkpoint call's max_tokens, itself
	// clamped to [120, 360] regardless of this value.
	CheckpointMaxTokens int

	// RecoveryConfig tunes the readiness-poll timing used after a model
	// call times out. Nil uses endpoint.DefaultRecoveryConfig.
	RecoveryConfig *endpoint.RecoveryConfig
}

const (
	defaultMaxToolRounds       = 8
	defaultSoftToolCallLimit   = 5
	defaultAutoContinueBudget  = 2
	defaultMaxToolArgsBytes    = 1 << 20 // 1MB
	defaultCheckpointMaxTokens = 360

	checkpointMinTokens = 120
	checkpointMaxTokens = 360
)

// DefaultConfig returns the standard round-loop limits from spec: 8 max
// rounds, a soft limit of 5 consecutive tool calls, 2 auto-continues on a
// truncated response, and a 1MB tool-argument guard.
func DefaultConfig() *Config {
	return &Config{
		MaxToolRounds:       defaultMaxToolRounds,
		SoftToolCallLimit:   defaultSoftToolCallLimit,
		AutoContinueBudget:  defaultAutoContinueBudget,
		MaxToolArgsBytes:    defaultMaxToolArgsBytes,
		CheckpointMaxTokens: defaultCheckpointMaxTokens,
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	defaults := DefaultConfig()
	if out.MaxToolRounds < 0 {
		out.MaxToolRounds = defaults.MaxToolRounds
	}
	if out.SoftToolCallLimit < 0 {
		out.SoftToolCallLimit = defaults.SoftToolCallLimit
	}
	if out.AutoContinueBudget < 0 {
		out.AutoContinueBudget = defaults.AutoContinueBudget
	}
	if out.MaxToolArgsBytes < 0 {
		out.MaxToolArgsBytes = defaults.MaxToolArgsBytes
	}
	if out.CheckpointMaxTokens <= 0 {
		out.CheckpointMaxTokens = defaults.CheckpointMaxTokens
	}
	return &out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
