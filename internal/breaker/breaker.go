// Package breaker implements the fail-closed governor wrapped around
// every backing-store call. When the store is deemed unavailable the
// enforcement middleware denies non-exempt traffic instead of admitting
// unbounded throughput.
package breaker

import (
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logs and the health endpoint.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configures breaker thresholds.
type Options struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int64

	// Cooldown is how long the breaker stays open before admitting
	// probe calls.
	Cooldown time.Duration

	// HalfOpenProbes caps concurrent probe calls while half-open.
	HalfOpenProbes int64
}

// Breaker tracks consecutive store failures and gates store access.
// All methods are safe for concurrent use and lock-free; the admission
// path must not contend on a mutex.
type Breaker struct {
	state            atomic.Int32
	consecutiveFails atomic.Int64
	openUntil        atomic.Int64
	probesInFlight   atomic.Int64
	opts             Options
}

// New constructs a breaker, applying conservative defaults for unset
// options.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Second
	}
	if opts.HalfOpenProbes <= 0 {
		opts.HalfOpenProbes = 3
	}
	b := &Breaker{opts: opts}
	b.state.Store(int32(StateClosed))
	return b
}

// Allow reports whether a store call may proceed. While open it returns
// false until the cooldown elapses, then transitions to half-open and
// admits a bounded number of probes.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().UnixNano() < b.openUntil.Load() {
			return false
		}
		// Cooldown elapsed: move to half-open and probe.
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.probesInFlight.Store(0)
		}
		return b.admitProbe()
	case StateHalfOpen:
		return b.admitProbe()
	default:
		return true
	}
}

func (b *Breaker) admitProbe() bool {
	if b.probesInFlight.Add(1) <= b.opts.HalfOpenProbes {
		return true
	}
	b.probesInFlight.Add(-1)
	return false
}

// OnSuccess records a successful store call. A successful half-open
// probe closes the breaker.
func (b *Breaker) OnSuccess() {
	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.probesInFlight.Add(-1)
		b.consecutiveFails.Store(0)
		b.state.Store(int32(StateClosed))
	case StateClosed:
		b.consecutiveFails.Store(0)
	}
}

// OnFailure records a failed or timed-out store call. A failed half-open
// probe reopens immediately; in closed state the breaker opens once the
// consecutive-failure threshold is reached.
func (b *Breaker) OnFailure() {
	if State(b.state.Load()) == StateHalfOpen {
		b.probesInFlight.Add(-1)
		b.trip()
		return
	}
	if b.consecutiveFails.Add(1) >= b.opts.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.consecutiveFails.Store(b.opts.FailureThreshold)
	b.openUntil.Store(time.Now().Add(b.opts.Cooldown).UnixNano())
	b.state.Store(int32(StateOpen))
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	s := State(b.state.Load())
	if s == StateOpen && time.Now().UnixNano() >= b.openUntil.Load() {
		return StateHalfOpen
	}
	return s
}
