package limiter

import (
	"context"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	// Allowed indicates the request may proceed.
	Allowed bool

	// Remaining is the quota left in the sliding window after this
	// request.
	Remaining int

	// RetryAfter is the suggested wait before retrying. Only meaningful
	// when Allowed is false; never below one second.
	RetryAfter time.Duration

	// Reset is the time until the current bucket boundary.
	Reset time.Duration
}

// Counter is the atomic sliding-window admission operation. Exactly one
// implementation talks to the backing store; everything else depends on
// this interface so enforcement can be tested without a live store.
type Counter interface {
	// IncrementAndCheck atomically increments the key's current bucket,
	// evaluates the weighted two-bucket count against limit, and reverts
	// the increment when the request is denied so rejected requests
	// consume no quota.
	IncrementAndCheck(ctx context.Context, key Key, limit int, window time.Duration) (Result, error)

	// Reset zeroes the current and previous buckets for the identifier,
	// lifting an accidental lockout immediately.
	Reset(ctx context.Context, environment string, scope Scope, identifier string, window time.Duration) error
}
