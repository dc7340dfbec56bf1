package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/pkg/logger"
)

// newMiniredisStore runs the real sliding window script against an
// in-process redis so the Lua-side semantics are covered, not just the
// Go decoding around them.
func newMiniredisStore(t *testing.T) (*CounterStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := &Client{
		client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}),
		logger: logger.NewNop(),
	}
	t.Cleanup(func() { _ = client.Close() })

	cs, err := NewCounterStore(client, time.Second, logger.NewNop())
	require.NoError(t, err)
	return cs, mr
}

func TestSlidingWindowAdmitsUpToBurst(t *testing.T) {
	cs, _ := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeTenant, "plex-cinemas", limiter.BucketFor(time.Now(), window))

	for i := 0; i < 500; i++ {
		res, err := cs.IncrementAndCheck(ctx, key, 500, window)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i+1)
		require.Equal(t, 500-(i+1), res.Remaining)
	}

	res, err := cs.IncrementAndCheck(ctx, key, 500, window)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
	assert.LessOrEqual(t, res.RetryAfter, window)
}

func TestSlidingWindowDenialLeavesNoTrace(t *testing.T) {
	cs, mr := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeUser, "u1", limiter.BucketFor(time.Now(), window))

	for i := 0; i < 5; i++ {
		res, err := cs.IncrementAndCheck(ctx, key, 5, window)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	for i := 0; i < 10; i++ {
		res, err := cs.IncrementAndCheck(ctx, key, 5, window)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	// Denied attempts are reverted inside the script: the bucket holds
	// exactly the admitted count and keeps its two-window TTL.
	got, err := mr.Get(key.String())
	require.NoError(t, err)
	assert.Equal(t, "5", got)
	assert.Equal(t, 2*window, mr.TTL(key.String()))
}

func TestSlidingWindowWeighsPreviousBucket(t *testing.T) {
	cs, mr := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeUser, "u1", limiter.BucketFor(time.Now(), window))

	// A previous bucket this heavy keeps the weighted sum over the
	// limit however far the current window has progressed.
	require.NoError(t, mr.Set(key.Previous().String(), "1000000"))

	res, err := cs.IncrementAndCheck(ctx, key, 10, window)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)

	// The speculative increment was reverted.
	got, err := mr.Get(key.String())
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}

func TestSlidingWindowConcurrentRequestsRaceForLastSlot(t *testing.T) {
	cs, mr := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeUser, "u1", limiter.BucketFor(time.Now(), window))
	require.NoError(t, mr.Set(key.String(), "4"))

	// Two requests race for the one remaining slot. The script runs
	// atomically per key, so exactly one of them may win.
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cs.IncrementAndCheck(ctx, key, 5, window)
			assert.NoError(t, err)
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)

	got, err := mr.Get(key.String())
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestSlidingWindowConcurrentLoadAdmitsExactlyLimit(t *testing.T) {
	cs, mr := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeUser, "u1", limiter.BucketFor(time.Now(), window))

	results := make(chan bool, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cs.IncrementAndCheck(ctx, key, 5, window)
			assert.NoError(t, err)
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)

	got, err := mr.Get(key.String())
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestCounterResetClearsBothBuckets(t *testing.T) {
	cs, mr := newMiniredisStore(t)
	ctx := context.Background()

	window := time.Minute
	key := limiter.BuildKey("production", limiter.ScopeUser, "u1", limiter.BucketFor(time.Now(), window))

	for i := 0; i < 2; i++ {
		res, err := cs.IncrementAndCheck(ctx, key, 2, window)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := cs.IncrementAndCheck(ctx, key, 2, window)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.NoError(t, mr.Set(key.Previous().String(), "100"))

	require.NoError(t, cs.Reset(ctx, "production", limiter.ScopeUser, "u1", window))
	assert.False(t, mr.Exists(key.String()))
	assert.False(t, mr.Exists(key.Previous().String()))

	// First request after the reset starts a fresh quota.
	res, err = cs.IncrementAndCheck(ctx, key, 2, window)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestRemainingQuota(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		effective float64
		want      int
	}{
		{"untouched", 500, 0, 500},
		{"partial", 500, 123, 377},
		{"fractional rounds against caller", 500, 123.2, 376},
		{"at limit", 500, 500, 0},
		{"over limit clamps to zero", 500, 612.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remainingQuota(tt.limit, tt.effective))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	window := time.Minute

	// 10% over limit waits 10% of the window.
	assert.Equal(t, 6*time.Second, retryAfter(100, 110, window))

	// Tiny excess floors at one second.
	assert.Equal(t, time.Second, retryAfter(100, 100.5, window))
}
