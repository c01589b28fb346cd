// Package ratelimit throttles outbound provider calls to a minimum spacing and
// a rolling daily quota.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/lox/raindrop/internal/apperr"
	"github.com/lox/raindrop/internal/metrics"
)

const quotaWindow = 24 * time.Hour

type Config struct {
	// MinDelay is the minimum spacing between two grants. Zero disables spacing.
	MinDelay time.Duration
	// DailyQuota is the number of grants allowed in any rolling 24h window.
	// Zero means unlimited.
	DailyQuota int
	Clock      clockwork.Clock
}

// Limiter is safe for concurrent use. Waiters are not served in any
// particular order; only the ceiling is guaranteed.
type Limiter struct {
	clock   clockwork.Clock
	spacing *rate.Limiter
	quota   int

	mu     sync.Mutex
	grants []time.Time // ascending
}

func New(cfg Config) *Limiter {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:   clock,
		spacing: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		quota:   cfg.DailyQuota,
	}
}

// Acquire blocks until a call may be made. It returns apperr.ErrQuotaExceeded
// without blocking when the rolling quota is spent, or the context error if
// ctx ends while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.clock.Now()
	l.prune(now)
	if l.quota > 0 && len(l.grants) >= l.quota {
		l.mu.Unlock()
		metrics.RateLimitRejections.Inc()
		return apperr.ErrQuotaExceeded
	}
	res := l.spacing.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	slot := now.Add(delay)
	l.grants = append(l.grants, slot)
	l.publishRemaining()
	l.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		res.CancelAt(l.clock.Now())
		l.release(slot)
		l.publishRemaining()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Remaining returns the grants left in the current window, or -1 if unlimited.
func (l *Limiter) Remaining() int {
	if l.quota <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return l.quota - len(l.grants)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-quotaWindow)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

func (l *Limiter) release(slot time.Time) {
	for i := len(l.grants) - 1; i >= 0; i-- {
		if l.grants[i].Equal(slot) {
			l.grants = append(l.grants[:i], l.grants[i+1:]...)
			return
		}
	}
}

func (l *Limiter) publishRemaining() {
	if l.quota > 0 {
		metrics.QuotaRemaining.Set(float64(l.quota - len(l.grants)))
	}
}
