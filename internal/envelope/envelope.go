// Package envelope defines the uniform event record that crosses the
// spool boundary and the normalization rules every listener must satisfy
// before handing an event to the spool.
//
// # Normalization
//
// A listener constructs an Envelope directly from whatever it parsed out
// of its source protocol, then calls Normalize before handing it to the
// spool. Normalize clamps clock skew, truncates oversized payloads, and
// validates the restricted character set on Type/Source/Severity. It
// never returns an error for a malformed-but-survivable event: the
// listener's job is to produce best-effort telemetry, not to reject it.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Known Type values. "other" is the catch-all for listeners that don't
// fit a dedicated tag.
const (
	TypeSyslog       = "syslog"
	TypeSNMPMetric   = "snmp_metric"
	TypeWeather      = "weather"
	TypeLogFile      = "log_file"
	TypeNMEA         = "nmea"
	TypeFlow         = "flow"
	TypeHostServices = "host_service_inventory"
	TypeOther        = "other"
)

// MaxLabelBytes bounds each labels key and value.
const MaxLabelBytes = 128

// MaxPayloadBytes is the serialized-size ceiling before truncation.
const MaxPayloadBytes = 256 * 1024

// DefaultClockSkewBound is applied when a listener doesn't override it.
const DefaultClockSkewBound = 24 * time.Hour

// restrictedCharset matches spec.md §3.1: type, source, labels.severity.
var restrictedCharset = regexp.MustCompile(`^[a-z0-9_.\-]+$`)

// Envelope is the uniform per-event record (spec.md §3.1).
type Envelope struct {
	// SpoolID is assigned by the spool on enqueue and never serialized
	// outbound. Zero until the spool assigns it.
	SpoolID uint64 `json:"-"`

	ReceivedAt time.Time         `json:"received_at"`
	EventTS    time.Time         `json:"event_ts"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Labels     map[string]string `json:"labels,omitempty"`
	Payload    map[string]any    `json:"payload"`

	// Attempts counts prior send attempts; never serialized outbound.
	Attempts int `json:"-"`
}

// Clock abstracts wall-clock reads so tests can control "now".
type Clock func() time.Time

// Normalize applies the invariants in spec.md §3.1 in place and returns
// the counters that should be incremented as a result (clamp, truncate).
type NormalizeResult struct {
	ClockSkewClamped bool
	PayloadTruncated bool
}

// Normalize enforces envelope invariants. now is the wall-clock time to
// treat as "received_at" reference; skewBound is the configured maximum
// allowed drift between EventTS and ReceivedAt.
func Normalize(e *Envelope, now time.Time, skewBound time.Duration) NormalizeResult {
	var result NormalizeResult

	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	if e.EventTS.IsZero() {
		e.EventTS = e.ReceivedAt
	}
	if skewBound <= 0 {
		skewBound = DefaultClockSkewBound
	}

	if e.EventTS.After(e.ReceivedAt.Add(skewBound)) {
		e.EventTS = e.ReceivedAt
		result.ClockSkewClamped = true
	}

	e.Type = sanitizeTag(e.Type, TypeOther)
	e.Source = sanitizeTag(e.Source, "unknown")

	for k, v := range e.Labels {
		if len(k) > MaxLabelBytes {
			delete(e.Labels, k)
			continue
		}
		if len(v) > MaxLabelBytes {
			e.Labels[k] = v[:MaxLabelBytes]
		}
	}
	if sev, ok := e.Labels["severity"]; ok && !restrictedCharset.MatchString(sev) {
		e.Labels["severity"] = TypeOther
	}

	if truncatePayload(e) {
		result.PayloadTruncated = true
	}

	return result
}

// sanitizeTag lowercases nothing (callers are expected to already emit
// lowercase tags) but falls back to def when the value is empty or uses
// characters outside the restricted set.
func sanitizeTag(v, def string) string {
	if v == "" || !restrictedCharset.MatchString(v) {
		return def
	}
	return v
}

// truncatePayload replaces an oversized payload with a truncation marker
// and a blake2b-256 hash of the original serialized bytes, per spec.md
// §3.1: "events exceeding this are truncated with a __truncated: true
// marker and a hash of the original".
func truncatePayload(e *Envelope) bool {
	data, err := json.Marshal(e.Payload)
	if err != nil || len(data) <= MaxPayloadBytes {
		return false
	}

	sum := blake2b.Sum256(data)
	e.Payload = map[string]any{
		"__truncated":      true,
		"__original_bytes": len(data),
		"__original_hash":  fmt.Sprintf("%x", sum),
	}
	return true
}

// Validate reports whether the envelope satisfies the invariants that
// Normalize is responsible for enforcing. Tests use this to assert
// Normalize actually fixed things up; production code never needs to
// call it since Normalize always succeeds.
func Validate(e *Envelope, skewBound time.Duration) error {
	if !restrictedCharset.MatchString(e.Type) {
		return fmt.Errorf("envelope: invalid type %q", e.Type)
	}
	if !restrictedCharset.MatchString(e.Source) {
		return fmt.Errorf("envelope: invalid source %q", e.Source)
	}
	if skewBound <= 0 {
		skewBound = DefaultClockSkewBound
	}
	if e.EventTS.After(e.ReceivedAt.Add(skewBound)) {
		return fmt.Errorf("envelope: event_ts exceeds clock skew bound")
	}
	return nil
}
