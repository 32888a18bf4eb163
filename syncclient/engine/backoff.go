// Package engine implements the client sync engine: a pull loop and a push
// loop cooperating over a shared local event store.
package engine

import (
	"math/rand"
	"time"
)

// backoffState implements the engine's retry formula:
// backoff' = clamp(max(min, backoff*2), min, max), with jitter factor
// 0.5+rand() applied to the sleep duration, not to the stored state. This is
// deliberately separate from github.com/cenkalti/backoff/v4 (used only for
// syncclient/transport's single-round-trip retries): the engine's own
// retryAt/backoff bookkeeping is observable through the engine's status
// transitions and must follow this exact formula, which no off-the-shelf
// backoff library implements byte-for-byte.
type backoffState struct {
	min, max time.Duration
	current  time.Duration
}

func newBackoffState(min, max time.Duration) *backoffState {
	return &backoffState{min: min, max: max, current: min}
}

// Next advances the stored backoff and returns a jittered sleep duration.
func (b *backoffState) Next() time.Duration {
	b.current = clampDuration(maxDuration(b.min, b.current*2), b.min, b.max)
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(b.current) * jitter)
}

// Reset returns the backoff to its minimum, per "reset backoff on success."
func (b *backoffState) Reset() {
	b.current = b.min
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
