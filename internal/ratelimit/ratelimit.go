// Package ratelimit implements a per-tenant sliding-window rate limiter on a
// Redis sorted set. Each request is a member scored by its arrival time;
// counting the members inside the window gives the rate. Redis outages fail
// open so ingestion never stalls on the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"centinela/internal/logging"
)

// Window is the sliding window length. Tier limits are requests per window.
const Window = time.Minute

var failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "centinela",
	Subsystem: "ratelimit",
	Name:      "fail_open_total",
	Help:      "Requests allowed because the limiter backend was unreachable.",
})

// Result is the limiter's verdict for one request.
type Result struct {
	Allowed    bool
	Tier       string // resolved tier, defaulted when the plan tier is unknown
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter checks tenants against their tier's request budget.
type Limiter struct {
	rdb         *redis.Client
	limits      map[string]int
	defaultTier string
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a limiter. limits maps tier name to requests per window;
// unknown tiers fall back to defaultTier.
func New(rdb *redis.Client, limits map[string]int, defaultTier string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Limiter{
		rdb:         rdb,
		limits:      limits,
		defaultTier: defaultTier,
		logger:      logger,
		now:         time.Now,
	}
}

// ResolveTier maps an unknown tier to the default.
func (l *Limiter) ResolveTier(tier string) string {
	if _, ok := l.limits[tier]; ok {
		return tier
	}
	return l.defaultTier
}

// LimitFor resolves the request budget for a tier.
func (l *Limiter) LimitFor(tier string) int {
	return l.limits[l.ResolveTier(tier)]
}

// Allow records a request for tenantID and reports whether it fits inside
// the tier's window. On a Redis failure the request is allowed and counted
// on the fail-open metric.
func (l *Limiter) Allow(ctx context.Context, tenantID, tier string) Result {
	tier = l.ResolveTier(tier)
	limit := l.limits[tier]
	now := l.now()
	key := "centinela:ratelimit:" + tenantID
	member := fmt.Sprintf("%d-%04d", now.UnixNano(), rand.IntN(10000))
	windowStart := now.Add(-Window)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter unavailable, failing open", "error", err)
		failOpenTotal.Inc()
		return Result{Allowed: true, Tier: tier, Limit: limit, Remaining: limit, ResetAt: now.Add(Window)}
	}

	// countCmd saw the window before this request was added.
	prior := int(countCmd.Val())
	if prior >= limit {
		// Over budget: the member just added must not consume window space.
		if err := l.rdb.ZRem(ctx, key, member).Err(); err != nil {
			l.logger.Warn("rate limiter cleanup failed", "tenant", tenantID, "error", err)
		}
		wait := l.retryAfter(ctx, key, now)
		return Result{
			Allowed:    false,
			Tier:       tier,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    now.Add(wait),
			RetryAfter: wait,
		}
	}

	remaining := limit - prior - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Tier: tier, Limit: limit, Remaining: remaining, ResetAt: now.Add(Window)}
}

// retryAfter is how long until the oldest request in the window ages out.
func (l *Limiter) retryAfter(ctx context.Context, key string, now time.Time) time.Duration {
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return Window
	}
	expires := time.Unix(0, int64(oldest[0].Score)).Add(Window)
	wait := expires.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
