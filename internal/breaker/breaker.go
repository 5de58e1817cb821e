// Package breaker implements the per-sink circuit breaker of spec.md
// §4.3: closed, open, and half_open states gating whether the shipper
// attempts a send at all.
//
// The transition table below follows the same switch-over-current-state
// shape as the teacher's target monitoring state machine
// (handleSuccessfulProbe/handleFailedProbe), generalized from a
// probe-result input to a plain success/failure signal and from a
// store-backed persistence model to an in-memory mutex-guarded struct,
// since breaker state does not need to survive a restart.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the thresholds from spec.md §6.4's sink.circuit_breaker
// section.
type Config struct {
	FailureThreshold   int
	OpenDuration       time.Duration
	HalfOpenMaxInflight int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxInflight: 1,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight int
}

// New constructs a Breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = DefaultConfig().HalfOpenMaxInflight
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a send attempt may proceed right now, and if so
// reserves an in-flight slot that the caller must release by calling
// RecordSuccess or RecordFailure exactly once.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Before(b.openedAt.Add(b.cfg.OpenDuration)) {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		fallthrough

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInflight {
			return false
		}
		b.halfOpenInFlight++
		return true
	}

	return false
}

// RecordSuccess processes a successful send, per spec.md §4.3:
// half_open → closed on the first success, closed stays closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFail = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFail = 0
	}
}

// RecordFailure processes a failed send. A trial failure while
// half_open reopens the breaker immediately; closed trips open once
// consecutive failures reach the configured threshold.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenInFlight = 0

	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// State reports the current breaker state, for health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
