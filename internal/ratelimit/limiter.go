// Package ratelimit wraps golang.org/x/time/rate into the two outbound
// limiter shapes spec.md §4.2 asks for: an events-per-second cap and a
// bytes-per-second cap, composed so a send request must clear both
// before it is allowed through.
//
// This mirrors the pilot API client's rate.NewLimiter(rate.Limit(...), 1)
// construction, generalized from a single fixed per-minute quota to a
// pair of independently configurable limiters.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrExceedsBurst is returned when a requested batch is larger than the
// configured burst size and could never be satisfied regardless of wait
// time.
var ErrExceedsBurst = errors.New("ratelimit: batch exceeds configured burst")

// Limiter gates outbound sends on both an event-count and a byte-count
// budget. A zero rate on either dimension disables that dimension's
// check (treated as unlimited). mu guards swapping the two sub-limiters
// on Reconfigure; the sub-limiters themselves are already safe for
// concurrent use.
type Limiter struct {
	mu     sync.RWMutex
	events *rate.Limiter
	bytes  *rate.Limiter
}

// Config mirrors the sink.rate_limit section of spec.md §6.4.
type Config struct {
	EventsPerSecond float64
	EventsBurst     int
	BytesPerSecond  float64
	BytesBurst      int
}

// New constructs a Limiter from cfg. A non-positive rate disables that
// dimension.
func New(cfg Config) *Limiter {
	l := &Limiter{}
	if cfg.EventsPerSecond > 0 {
		burst := cfg.EventsBurst
		if burst <= 0 {
			burst = int(cfg.EventsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l.events = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}
	if cfg.BytesPerSecond > 0 {
		burst := cfg.BytesBurst
		if burst <= 0 {
			burst = int(cfg.BytesPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l.bytes = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)
	}
	return l
}

// Reconfigure swaps in new per-dimension rates/bursts, used by the
// supervisor's SIGHUP reload path to hot-apply rate_limit changes
// without restarting the shipper. A non-positive rate disables that
// dimension going forward.
func (l *Limiter) Reconfigure(cfg Config) {
	n := New(cfg)
	l.mu.Lock()
	l.events = n.events
	l.bytes = n.bytes
	l.mu.Unlock()
}

// Wait blocks until a batch of eventCount events totalling byteCount
// bytes is permitted to go out, or until ctx is cancelled. It reserves
// both dimensions before waiting on either so a caller never burns an
// events token while permanently blocked on a byte budget too small for
// the batch (or vice versa).
func (l *Limiter) Wait(ctx context.Context, eventCount int, byteCount int) error {
	l.mu.RLock()
	events, bytesLimiter := l.events, l.bytes
	l.mu.RUnlock()

	var reservations []*rate.Reservation

	now := time.Now()
	if events != nil && eventCount > 0 {
		r := events.ReserveN(now, eventCount)
		if !r.OK() {
			return ErrExceedsBurst
		}
		reservations = append(reservations, r)
	}
	if bytesLimiter != nil && byteCount > 0 {
		r := bytesLimiter.ReserveN(now, byteCount)
		if !r.OK() {
			for _, prior := range reservations {
				prior.Cancel()
			}
			return ErrExceedsBurst
		}
		reservations = append(reservations, r)
	}

	for _, r := range reservations {
		delay := r.Delay()
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			for _, other := range reservations {
				other.Cancel()
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Allow reports whether a batch is permitted right now, without
// blocking. Like rate.Limiter.AllowN it spends tokens: each enabled
// dimension that admits the batch consumes its tokens, and the events
// dimension keeps its tokens spent even when the bytes dimension then
// rejects the batch.
func (l *Limiter) Allow(eventCount int, byteCount int) bool {
	l.mu.RLock()
	events, bytesLimiter := l.events, l.bytes
	l.mu.RUnlock()

	now := time.Now()
	if events != nil && eventCount > 0 && !events.AllowN(now, eventCount) {
		return false
	}
	if bytesLimiter != nil && byteCount > 0 && !bytesLimiter.AllowN(now, byteCount) {
		return false
	}
	return true
}
