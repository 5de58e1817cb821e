package spool

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

// MemorySpool is the non-durable Spool implementation used when
// buffer.disk_buffer is false. It satisfies the same interface as
// BadgerSpool but loses everything on process exit; a deployment that
// chooses this mode has already accepted that trade per spec.md §4.1.
type MemorySpool struct {
	mu       sync.Mutex
	records  map[uint64]*persistedRecord
	nextID   uint64
	maxBytes int64
	maxCount int
	bytes    int64
}

// NewMemorySpool constructs an empty in-memory spool. maxBytes <= 0
// means unbounded bytes; maxCount <= 0 means unbounded event count
// (spec.md §6.4's buffer.max_size).
func NewMemorySpool(maxBytes int64, maxCount int) *MemorySpool {
	return &MemorySpool{
		records:  make(map[uint64]*persistedRecord),
		maxBytes: maxBytes,
		maxCount: maxCount,
	}
}

func (s *MemorySpool) Enqueue(env envelope.Envelope) (uint64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, ErrUnavailable
	}
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && s.bytes+size > s.maxBytes {
		return 0, ErrCapacityExceeded
	}
	if s.maxCount > 0 && len(s.records) >= s.maxCount {
		return 0, ErrCapacityExceeded
	}

	id := s.nextID
	s.nextID++
	env.SpoolID = id

	s.records[id] = &persistedRecord{
		Envelope:   env,
		Status:     StatusPending,
		EnqueuedAt: time.Now(),
		Size:       size,
	}
	s.bytes += size
	return id, nil
}

func (s *MemorySpool) ClaimBatch(maxCount int, maxBytes int64, leaseDuration time.Duration) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	now := time.Now()
	var claimed []Record
	var usedBytes int64
	for _, id := range ids {
		if len(claimed) >= maxCount {
			break
		}
		pr := s.records[id]
		claimable := pr.Status == StatusPending ||
			(pr.Status == StatusInFlight && now.After(pr.ClaimDeadline))
		if !claimable {
			continue
		}
		if maxBytes > 0 && usedBytes+pr.Size > maxBytes && len(claimed) > 0 {
			break
		}

		pr.Status = StatusInFlight
		pr.ClaimDeadline = now.Add(leaseDuration)
		pr.LastAttemptAt = now

		usedBytes += pr.Size
		claimed = append(claimed, pr.toRecord(id))
	}
	return claimed, nil
}

func (s *MemorySpool) Commit(ids []uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		pr, ok := s.records[id]
		if !ok {
			continue
		}
		delete(s.records, id)
		s.bytes -= pr.Size
		count++
	}
	return count, nil
}

func (s *MemorySpool) Fail(ids []uint64, lastErr string, permanent bool, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		pr, ok := s.records[id]
		if !ok {
			continue
		}
		pr.Attempts++
		pr.LastError = lastErr
		pr.LastAttemptAt = now

		if permanent || (maxAttempts > 0 && pr.Attempts >= maxAttempts) {
			pr.Status = StatusDead
		} else {
			pr.Status = StatusPending
		}
		pr.ClaimDeadline = time.Time{}
	}
	return nil
}

func (s *MemorySpool) Requeue(ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		pr, ok := s.records[id]
		if !ok || pr.Status != StatusInFlight {
			continue
		}
		pr.Status = StatusPending
		pr.ClaimDeadline = time.Time{}
	}
	return nil
}

func (s *MemorySpool) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, pr := range s.records {
		switch pr.Status {
		case StatusPending:
			st.Pending++
		case StatusInFlight:
			st.InFlight++
		case StatusFailed:
			st.Failed++
		case StatusDead:
			st.Dead++
		}
	}
	st.TotalBytes = s.bytes
	return st, nil
}

func (s *MemorySpool) ReapStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, pr := range s.records {
		if pr.Status != StatusInFlight || !now.After(pr.ClaimDeadline) {
			continue
		}
		pr.Status = StatusPending
		pr.ClaimDeadline = time.Time{}
		count++
	}
	return count, nil
}

func (s *MemorySpool) DeadRecords() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []Record
	for id, pr := range s.records {
		if pr.Status != StatusDead {
			continue
		}
		recs = append(recs, pr.toRecord(id))
	}
	return recs, nil
}

func (s *MemorySpool) Close() error {
	return nil
}
