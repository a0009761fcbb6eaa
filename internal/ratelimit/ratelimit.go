package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dhanflow/config"
	"dhanflow/internal/metrics"
	"dhanflow/logger"
)

// Tier identifies one of the API's rate limit families.
type Tier string

const (
	// TierOrder covers order placement, modification and cancellation.
	TierOrder Tier = "order"
	// TierData covers market data and historical data requests.
	TierData Tier = "data"
	// TierNonTrading covers portfolio, funds and other non-trading requests.
	TierNonTrading Tier = "non_trading"
)

// window tracks usage against one limit over one span. Counts reset lazily
// when the wall clock passes resetAt; there is no reset goroutine, so the
// bucket mutex is the only synchronisation domain for both checks and resets.
type window struct {
	span    time.Duration
	limit   int
	count   int
	resetAt time.Time
}

type bucket struct {
	mu      sync.Mutex
	windows []*window
}

// Limiter enforces the per-tier request limits on the client side. A request
// must find room in every window of its tier before it may proceed; Throttle
// blocks until that is the case.
type Limiter struct {
	buckets map[Tier]*bucket
	log     *logger.Entry

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// WindowSnapshot describes the current usage of a single window.
type WindowSnapshot struct {
	Span    string    `json:"span"`
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// TierSnapshot describes the current usage of all windows in one tier.
type TierSnapshot struct {
	Tier    Tier             `json:"tier"`
	Windows []WindowSnapshot `json:"windows"`
}

// New builds a limiter from the configured per-tier limits.
func New(cfg config.RateLimitsConfig) *Limiter {
	return &Limiter{
		buckets: map[Tier]*bucket{
			TierOrder:      newBucket(cfg.Order),
			TierData:       newBucket(cfg.Data),
			TierNonTrading: newBucket(cfg.NonTrading),
		},
		log:  logger.GetLogger().WithComponent("rate_limiter"),
		now:  time.Now,
		wait: sleepContext,
	}
}

func newBucket(limits config.TierLimitConfig) *bucket {
	spans := []struct {
		span  time.Duration
		limit int
	}{
		{time.Second, limits.PerSecond},
		{time.Minute, limits.PerMinute},
		{time.Hour, limits.PerHour},
		{24 * time.Hour, limits.PerDay},
	}
	b := &bucket{}
	for _, s := range spans {
		// a window left at zero in the config is absent, not a zero quota
		if s.limit > 0 {
			b.windows = append(b.windows, &window{span: s.span, limit: s.limit})
		}
	}
	return b
}

// Throttle blocks until the request fits into every window of the given tier,
// then consumes one slot from each. Window boundaries are aligned to the wall
// clock (UTC midnight for the day window). The context aborts the wait.
func (l *Limiter) Throttle(ctx context.Context, tier Tier) error {
	b := l.buckets[tier]
	if b == nil {
		return fmt.Errorf("unknown rate limit tier %q", tier)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := l.now()
	for {
		b.mu.Lock()
		now := l.now()
		for _, w := range b.windows {
			if !now.Before(w.resetAt) {
				w.count = 0
				w.resetAt = now.Truncate(w.span).Add(w.span)
			}
		}

		var nextReset time.Time
		for _, w := range b.windows {
			if w.count >= w.limit {
				if nextReset.IsZero() || w.resetAt.Before(nextReset) {
					nextReset = w.resetAt
				}
			}
		}

		if nextReset.IsZero() {
			for _, w := range b.windows {
				w.count++
			}
			b.mu.Unlock()

			if waited := now.Sub(start); waited > 0 {
				metrics.ObserveThrottleWait(string(tier), waited.Seconds())
			}
			return nil
		}
		b.mu.Unlock()

		delay := nextReset.Sub(now)
		if delay <= 0 {
			continue
		}

		l.log.WithFields(logger.Fields{
			"tier":  string(tier),
			"delay": delay.String(),
		}).Debug("throttling request")
		logger.IncrementThrottleWait()

		if err := l.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// Snapshot reports current usage for every tier in a stable order.
func (l *Limiter) Snapshot() []TierSnapshot {
	tiers := []Tier{TierOrder, TierData, TierNonTrading}
	snaps := make([]TierSnapshot, 0, len(tiers))
	for _, tier := range tiers {
		b := l.buckets[tier]
		b.mu.Lock()
		now := l.now()
		windows := make([]WindowSnapshot, 0, len(b.windows))
		for _, w := range b.windows {
			used := w.count
			resetAt := w.resetAt
			if !now.Before(w.resetAt) {
				used = 0
				resetAt = now.Truncate(w.span).Add(w.span)
			}
			windows = append(windows, WindowSnapshot{
				Span:    w.span.String(),
				Limit:   w.limit,
				Used:    used,
				ResetAt: resetAt,
			})
		}
		b.mu.Unlock()
		snaps = append(snaps, TierSnapshot{Tier: tier, Windows: windows})
	}
	return snaps
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
