// Package ratelimit caps automated actions per merchant using Redis
// counters. The limiter fails open: when Redis is unreachable the action
// proceeds and the failure is logged, because a stuck limiter must not
// freeze remediation platform-wide.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storefront-ops/remedy/common"
)

// DefaultLimit is the number of actions allowed per merchant per window.
const DefaultLimit = 10

// DefaultWindow is the counting window.
const DefaultWindow = time.Hour

// DefaultFlagTTL is how long an excessive merchant stays flagged.
const DefaultFlagTTL = time.Hour

const (
	counterPrefix = "remedy:ratelimit:"
	flagPrefix    = "remedy:flagged:"
)

// Limiter counts executed actions per (merchant, action type) inside a
// rolling window bucket and flags pairs that hit the cap.
type Limiter struct {
	client  redis.UniversalClient
	limit   int64
	window  time.Duration
	flagTTL time.Duration
	logger  *common.ContextLogger
	now     func() time.Time
}

// Option tunes the limiter.
type Option func(*Limiter)

// WithLimit overrides the per-window cap.
func WithLimit(limit int64) Option {
	return func(l *Limiter) { l.limit = limit }
}

// WithWindow overrides the counting window.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) { l.window = window }
}

// WithClock injects the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter over the given Redis client.
func NewLimiter(client redis.UniversalClient, logger *common.ContextLogger, opts ...Option) *Limiter {
	l := &Limiter{
		client:  client,
		limit:   DefaultLimit,
		window:  DefaultWindow,
		flagTTL: DefaultFlagTTL,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decision is the limiter's answer for one reservation attempt.
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	// FailedOpen marks that Redis was unreachable and the reservation was
	// allowed without counting.
	FailedOpen bool
}

func (l *Limiter) counterKey(merchantID, actionType string) string {
	bucket := l.now().UTC().Truncate(l.window).Unix()
	return fmt.Sprintf("%s%s:%s:%d", counterPrefix, merchantID, actionType, bucket)
}

func flagKey(merchantID, actionType string) string {
	return flagPrefix + merchantID + ":" + actionType
}

// CheckAndReserve atomically takes one slot from the (merchant, action
// type) window. The 11th attempt in an hour is denied and the pair is
// flagged for review. Redis failures allow the action through with
// FailedOpen set.
func (l *Limiter) CheckAndReserve(ctx context.Context, merchantID, actionType string) (*Decision, error) {
	key := l.counterKey(merchantID, actionType)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.logger != nil {
			l.logger.WithError(err).WithField("merchant_id", merchantID).
				Warn("rate limiter unreachable, failing open")
		}
		return &Decision{Allowed: true, Limit: l.limit, FailedOpen: true}, nil
	}

	count := incr.Val()
	if count <= l.limit {
		return &Decision{Allowed: true, Count: count, Limit: l.limit}, nil
	}

	if err := l.Flag(ctx, merchantID, actionType); err != nil && l.logger != nil {
		l.logger.WithError(err).WithField("merchant_id", merchantID).
			Warn("failed to flag merchant for excessive actions")
	}
	return &Decision{Allowed: false, Count: count, Limit: l.limit}, nil
}

// Flag marks a (merchant, action type) pair as needing manual review for
// the flag TTL.
func (l *Limiter) Flag(ctx context.Context, merchantID, actionType string) error {
	err := l.client.Set(ctx, flagKey(merchantID, actionType), l.now().UTC().Format(time.RFC3339), l.flagTTL).Err()
	if err != nil {
		return common.NewDependencyError("ratelimit.Flag", "redis write failed", err)
	}
	return nil
}

// IsFlagged reports whether a (merchant, action type) pair is currently
// flagged. Redis failures report not-flagged, consistent with failing
// open.
func (l *Limiter) IsFlagged(ctx context.Context, merchantID, actionType string) bool {
	n, err := l.client.Exists(ctx, flagKey(merchantID, actionType)).Result()
	if err != nil {
		if l.logger != nil {
			l.logger.WithError(err).Debug("flag lookup failed")
		}
		return false
	}
	return n > 0
}
