// Package sink implements the two batch consumers of spec.md §4.5/§4.6:
// an HTTP(S) sink posting compressed batches to a mothership, and a file
// sink writing paired JSON/gzip payload files to a local directory.
//
// Both share the same outbound wire shape, OutboundBatch, built by
// BuildBatch from a slice of spool.Record.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/spool"
)

// Outcome classifies the terminal result of a Sink.Write call, used by
// the shipper to decide what to do with the claimed spool_ids.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeCircuitOpen
)

// WriteResult is returned by Sink.Write.
type WriteResult struct {
	Outcome    Outcome
	Count      int
	RetryAfter time.Duration
	Err        error
}

// Sink is a batch consumer. Implementations must not retry internally;
// retrying is the shipper's job via internal/retry.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch OutboundBatch) WriteResult
	Close() error
}

// OutboundMessage is a single event as it appears on the wire: every
// envelope field except spool_id and attempts (spec.md §3.3).
type OutboundMessage struct {
	ReceivedAt time.Time         `json:"received_at"`
	EventTS    time.Time         `json:"event_ts"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Labels     map[string]string `json:"labels,omitempty"`
	Payload    map[string]any    `json:"payload"`
}

// OutboundBatch is the JSON object a sink actually writes (spec.md §3.3).
type OutboundBatch struct {
	BatchID   string
	Messages  []OutboundMessage
	BatchSize int
	Timestamp time.Time
	Source    string
	IsRetry   bool
}

// MarshalJSON fixes the outbound key set and renders Timestamp as
// integer epoch seconds rather than encoding/json's default RFC3339
// string, the same custom-marshal approach the teacher's
// rollout.Config.MarshalJSON uses for fields that need a non-default
// wire representation.
func (b OutboundBatch) MarshalJSON() ([]byte, error) {
	type wire struct {
		BatchID   string            `json:"batch_id"`
		Messages  []OutboundMessage `json:"messages"`
		BatchSize int               `json:"batch_size"`
		Timestamp int64             `json:"timestamp"`
		Source    string            `json:"source"`
		IsRetry   bool              `json:"is_retry"`
	}
	return json.Marshal(wire{
		BatchID:   b.BatchID,
		Messages:  b.Messages,
		BatchSize: b.BatchSize,
		Timestamp: b.Timestamp.Unix(),
		Source:    b.Source,
		IsRetry:   b.IsRetry,
	})
}

// BuildBatch sanitizes records into the outbound wire shape: spool_id
// and attempts are dropped by construction (OutboundMessage carries
// neither), satisfying P8. is_retry is true iff any record has been
// attempted before.
func BuildBatch(records []spool.Record, now time.Time, nodeSource string) OutboundBatch {
	messages := make([]OutboundMessage, len(records))
	isRetry := false
	for i, r := range records {
		messages[i] = OutboundMessage{
			ReceivedAt: r.Envelope.ReceivedAt,
			EventTS:    r.Envelope.EventTS,
			Type:       r.Envelope.Type,
			Source:     r.Envelope.Source,
			Labels:     r.Envelope.Labels,
			Payload:    r.Envelope.Payload,
		}
		if r.Envelope.Attempts > 0 {
			isRetry = true
		}
	}
	return OutboundBatch{
		BatchID:   uuid.New().String(),
		Messages:  messages,
		BatchSize: len(messages),
		Timestamp: now,
		Source:    nodeSource,
		IsRetry:   isRetry,
	}
}
