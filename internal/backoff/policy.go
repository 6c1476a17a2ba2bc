// Package backoff computes the retry/poll intervals used by MCP discovery
// retries and endpoint readiness polling.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a growing delay between successive attempts: the gap
// starts at Initial, grows by Factor each attempt, gains up to Jitter of
// the computed base as random slack, and never exceeds Max. Jitter exists
// so that several callers retrying at once (e.g. discovery across multiple
// MCP servers spawned together) don't all wake up on the same tick.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Interval returns the delay to use before the given attempt (1-indexed).
func (p Policy) Interval(attempt int) time.Duration {
	return p.intervalWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// IntervalWithRand is Interval with an injected random source in [0,1),
// used by tests that need a deterministic jitter value.
func (p Policy) IntervalWithRand(attempt int, r float64) time.Duration {
	return p.intervalWithRand(attempt, r)
}

func (p Policy) intervalWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*r
	total := math.Min(float64(p.Max), withJitter)
	return time.Duration(math.Round(total))
}

// DiscoveryPolicy governs retrying a single MCP server's live tools/list
// call: a child process or HTTP endpoint either answers within a couple
// hundred milliseconds of starting or it isn't going to, so the gap starts
// short and caps low.
func DiscoveryPolicy() Policy {
	return Policy{Initial: 150 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.25}
}

// EndpointPollPolicy staggers the readiness polls Recover runs after
// reloading a model. Checks start at half the configured poll interval and
// widen toward it as attempts continue, rather than hammering a model
// that's still loading into memory at a rigid cadence from the first poll.
func EndpointPollPolicy(interval time.Duration) Policy {
	return Policy{Initial: interval / 2, Max: interval, Factor: 1.6, Jitter: 0.2}
}
