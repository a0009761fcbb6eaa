package session

import (
	"math/rand"
	"time"

	"dhanflow/config"
)

// Backoff computes reconnect delays: doubling from the base on every
// consecutive abnormal close, capped, with uniform random jitter added on
// top. Not safe for concurrent use; each session owns one and touches it only
// from its stream goroutine.
type Backoff struct {
	base      time.Duration
	max       time.Duration
	jitterPct int
	attempts  int

	rng *rand.Rand
}

func NewBackoff(cfg config.BackoffConfig) *Backoff {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	max := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if max < base {
		max = 90 * time.Second
	}
	return &Backoff{
		base:      base,
		max:       max,
		jitterPct: cfg.JitterPercent,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next connect attempt and advances the
// attempt counter. Jitter is added after capping, so the cap bounds the
// deterministic part only.
func (b *Backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.attempts && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempts++

	if b.jitterPct > 0 {
		if span := delay * time.Duration(b.jitterPct) / 100; span > 0 {
			delay += time.Duration(b.rng.Int63n(int64(span) + 1))
		}
	}
	return delay
}

// Reset returns the sequence to the base delay. Called only after a clean,
// intentional close; abnormal closes and rate-limit cooloffs keep the
// counter.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
