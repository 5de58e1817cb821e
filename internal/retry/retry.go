// Package retry implements the jittered exponential backoff and HTTP
// status classification of spec.md §4.4: a failed send is either
// transient (retry with backoff) or permanent (drop/dead-letter
// immediately), and a 429/503 response's Retry-After header overrides
// the computed backoff when present.
package retry

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Policy configures the backoff curve (spec.md §6.4 sink.retry).
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	JitterFrac float64
	MaxAttempts int
}

// DefaultPolicy returns the spec's suggested defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		JitterFrac:  0.2,
		MaxAttempts: 8,
	}
}

// Delay computes the backoff before attempt number n (1-indexed: n=1 is
// the delay before the second try, after the first failure). Jitter is
// applied as a uniform +/- JitterFrac fraction of the computed delay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult <= 1.0 {
		mult = 2.0
	}

	d := base
	for i := 1; i < n; i++ {
		d *= mult
		if time.Duration(d) >= p.MaxDelay && p.MaxDelay > 0 {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		d = float64(p.MaxDelay)
	}

	if p.JitterFrac > 0 {
		jitter := d * p.JitterFrac * (2*rand.Float64() - 1)
		d += jitter
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Classification is the outcome of inspecting a failed send.
type Classification int

const (
	// ClassTransient means retry with backoff.
	ClassTransient Classification = iota
	// ClassPermanent means the event(s) will never succeed; dead-letter.
	ClassPermanent
)

// ClassifyStatus maps an HTTP response status to a Classification per
// spec.md §4.4: 408/425/429/5xx are transient, 4xx otherwise is permanent.
func ClassifyStatus(statusCode int) Classification {
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly,
		statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	case statusCode >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RetryAfter parses a Retry-After header value, supporting both the
// delay-seconds and HTTP-date forms from RFC 7231 §7.1.3. now is used
// to compute a duration from an HTTP-date value. Returns false if the
// header is absent or unparseable.
func RetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
