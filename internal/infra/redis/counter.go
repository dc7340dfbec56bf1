package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/pkg/logger"
)

// slidingWindowScript executes the whole admission decision server-side:
// increment the current bucket, read the previous one, weight it by the
// remaining window fraction, and revert the increment when the request
// is denied. Running it as one script serializes concurrent checks on
// the same key, so two requests racing for the last slot can never both
// be admitted.
var slidingWindowScript = redis.NewScript(`
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local elapsed_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local cur = redis.call('INCR', KEYS[1])
	if cur == 1 then
		redis.call('EXPIRE', KEYS[1], ttl_seconds)
	end

	local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
	local weight = 1 - (elapsed_ms / window_ms)
	local effective = cur + prev * weight

	if effective > limit then
		-- Denied requests must not consume quota.
		redis.call('DECR', KEYS[1])
		return {0, math.floor(effective * 1000)}
	end
	return {1, math.floor(effective * 1000)}
`)

// CounterStore implements the sliding window counter against Redis.
// It is the only component that touches shared counter state.
type CounterStore struct {
	client  *Client
	timeout time.Duration
	logger  *logger.Logger
}

// NewCounterStore creates a counter store. timeout bounds every round
// trip; a timed-out call is indistinguishable from a store failure.
func NewCounterStore(client *Client, timeout time.Duration, log *logger.Logger) (*CounterStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if timeout <= 0 {
		return nil, errors.New("store timeout must be positive")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &CounterStore{
		client:  client,
		timeout: timeout,
		logger:  log,
	}, nil
}

// IncrementAndCheck implements limiter.Counter using the weighted
// two-bucket sliding window. The effective count is
//
//	count(current) + count(previous) * (1 - elapsedFraction)
//
// evaluated after the increment; on denial the increment is reverted
// inside the same script.
func (cs *CounterStore) IncrementAndCheck(ctx context.Context, key limiter.Key, limit int, window time.Duration) (limiter.Result, error) {
	if limit <= 0 {
		return limiter.Result{}, errors.New("limit must be positive")
	}
	if window < time.Second {
		return limiter.Result{}, errors.New("window must be at least one second")
	}

	ctx, cancel := context.WithTimeout(ctx, cs.timeout)
	defer cancel()

	start := time.Now()
	now := start
	elapsed := now.Sub(limiter.BucketStart(key.Bucket, window))
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= window {
		elapsed = window - time.Millisecond
	}
	ttlSeconds := int64((2 * window) / time.Second)

	raw, err := slidingWindowScript.Run(ctx, cs.client.client,
		[]string{key.String(), key.Previous().String()},
		limit, window.Milliseconds(), elapsed.Milliseconds(), ttlSeconds,
	).Slice()
	DefaultMetrics.ObserveOperation("counter_check", time.Since(start), err)
	if err != nil {
		return limiter.Result{}, fmt.Errorf("sliding window check: %w", err)
	}
	if len(raw) != 2 {
		return limiter.Result{}, fmt.Errorf("sliding window check: unexpected reply of %d values", len(raw))
	}

	allowed := raw[0].(int64) == 1
	effective := float64(raw[1].(int64)) / 1000

	result := limiter.Result{
		Allowed:   allowed,
		Remaining: remainingQuota(limit, effective),
		Reset:     window - elapsed,
	}
	if !allowed {
		result.RetryAfter = retryAfter(limit, effective, window)
		cs.logger.Debug("rate limit exceeded",
			"key", key.String(),
			"effective", effective,
			"limit", limit,
		)
	}

	DefaultMetrics.RecordAdmission(string(key.Scope), allowed)
	return result, nil
}

// Reset zeroes the current and previous buckets for an identifier. Used
// by the emergency override path to lift an accidental lockout.
func (cs *CounterStore) Reset(ctx context.Context, environment string, scope limiter.Scope, identifier string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cs.timeout)
	defer cancel()

	bucket := limiter.BucketFor(time.Now(), window)
	cur := limiter.BuildKey(environment, scope, identifier, bucket)

	start := time.Now()
	err := cs.client.Del(ctx, cur.String(), cur.Previous().String())
	DefaultMetrics.ObserveOperation("counter_reset", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("counter reset: %w", err)
	}

	cs.logger.Info("counters reset",
		"scope", scope,
		"identifier", identifier,
	)
	return nil
}

func remainingQuota(limit int, effective float64) int {
	remaining := limit - int(math.Ceil(effective))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// retryAfter approximates the time until the previous bucket's weight
// decays enough to free one slot, floored at one second.
func retryAfter(limit int, effective float64, window time.Duration) time.Duration {
	excess := (effective - float64(limit)) / float64(limit)
	d := time.Duration(excess * float64(window))
	if d < time.Second {
		return time.Second
	}
	return d
}
