// Package spool implements the durable, ordered queue that mediates
// between listeners and the shipper (spec.md §4.1).
//
// Two implementations satisfy the Spool interface: a badger-backed
// durable store (badger_spool.go) for the default on-disk deployment,
// and an in-memory-only store (memory_spool.go) for ephemeral
// deployments configured with buffer.disk_buffer: false. The shipper
// and listeners depend only on this interface, never on a concrete
// implementation, the same seam the teacher draws between its
// *Store interfaces and the pgx-backed implementation.
package spool

import (
	"errors"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

// Status is the lifecycle state of a spooled record (spec.md §3.2).
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead"
)

// Record is a spooled envelope plus its queue bookkeeping fields.
type Record struct {
	SpoolID       uint64
	Envelope      envelope.Envelope
	Status        Status
	ClaimDeadline time.Time
	LastError     string
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
}

// Sentinel errors returned by Spool operations, classified per spec.md §7.
var (
	// ErrCapacityExceeded is returned by Enqueue when accepting the
	// event would push on-disk (or in-memory) usage past max_bytes, or
	// when the spool already holds its maximum event count.
	ErrCapacityExceeded = errors.New("spool: capacity exceeded")

	// ErrUnavailable is returned on underlying storage errors.
	ErrUnavailable = errors.New("spool: storage unavailable")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("spool: closed")
)

// Stats summarizes spool occupancy (spec.md §4.1 stats()).
type Stats struct {
	Pending    int
	InFlight   int
	Failed     int
	Dead       int
	TotalBytes int64
}

// Spool is the durable queue contract every shipper/listener depends on.
//
// Implementations must make claim_batch+commit/fail durable before any
// user-visible success is returned for an event (spec.md §4.1), and must
// serialize concurrent in-process writers so durability-critical
// sections never interleave.
type Spool interface {
	// Enqueue atomically appends env, assigning its SpoolID, and
	// returns that ID. Returns ErrCapacityExceeded or ErrUnavailable
	// per spec.md §4.1.
	Enqueue(env envelope.Envelope) (uint64, error)

	// ClaimBatch returns up to maxCount pending (or stale in_flight)
	// records in ascending SpoolID order, stopping before a record that
	// would push the batch past maxBytes of serialized envelope size
	// (the first claimable record is always included, even when it
	// alone exceeds maxBytes), and marks them in_flight with a
	// lease expiring after leaseDuration. Never blocks; returns an
	// empty slice immediately when nothing is claimable.
	ClaimBatch(maxCount int, maxBytes int64, leaseDuration time.Duration) ([]Record, error)

	// Commit deletes the given records. Returns the count actually
	// deleted; ids already gone are a no-op, not an error.
	Commit(ids []uint64) (int, error)

	// Fail transitions the given ids back to pending (incrementing
	// Attempts and recording lastErr) unless permanent is true or the
	// record has reached max_attempts, in which case it moves to dead.
	Fail(ids []uint64, lastErr string, permanent bool, maxAttempts int) error

	// Stats reports current occupancy.
	Stats() (Stats, error)

	// ReapStale reverts any in_flight record whose ClaimDeadline has
	// passed back to pending, without incrementing Attempts. Called on
	// startup and periodically.
	ReapStale() (int, error)

	// Requeue reverts the given in_flight ids back to pending without
	// incrementing Attempts or touching LastError, used when a batch is
	// rejected by an open circuit breaker rather than by the sink
	// itself (spec.md §4.7 step h).
	Requeue(ids []uint64) error

	// DeadRecords returns all records currently in the dead partition,
	// for dead-letter export.
	DeadRecords() ([]Record, error)

	// Close releases underlying resources.
	Close() error
}
