package spool

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v2"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

const recordPrefix = "r/"

// recordKey encodes a spool_id as a big-endian uint64 so badger's
// key-ordered iteration gives ascending spool_id scans for free, the
// same trick spec.md §4.1's claim_batch relies on.
func recordKey(id uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], id)
	return key
}

func decodeRecordKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(recordPrefix):])
}

// persistedRecord is the on-disk representation of a Record.
type persistedRecord struct {
	Envelope      envelope.Envelope
	Status        Status
	ClaimDeadline time.Time
	LastError     string
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
	Attempts      int
	Size          int64
}

func (pr persistedRecord) toRecord(id uint64) Record {
	env := pr.Envelope
	env.SpoolID = id
	env.Attempts = pr.Attempts
	return Record{
		SpoolID:       id,
		Envelope:      env,
		Status:        pr.Status,
		ClaimDeadline: pr.ClaimDeadline,
		LastError:     pr.LastError,
		EnqueuedAt:    pr.EnqueuedAt,
		LastAttemptAt: pr.LastAttemptAt,
	}
}

// BadgerSpool is the durable Spool implementation, generalizing the
// storj-wisckey PieceDataStore's db.Update/db.View transaction
// wrappers around a single *badger.DB to EdgeBot's record shape.
//
// An OS advisory lock on spool.db.lock (held for the process lifetime)
// guards against two EdgeBot processes pointing at the same spool
// directory; badger's own internal locking only protects against
// concurrent opens, not concurrent writers racing the capacity
// accounting kept in memory here.
type BadgerSpool struct {
	mu       sync.Mutex
	db       *badger.DB
	lockFile *os.File
	maxBytes int64
	maxCount int

	nextID     uint64
	totalBytes int64
	totalCount int
}

// OpenBadgerSpool opens (creating if necessary) a durable spool rooted
// at dir. maxBytes <= 0 means unbounded bytes; maxCount <= 0 means
// unbounded event count (spec.md §6.4's buffer.max_size).
func OpenBadgerSpool(dir string, maxBytes int64, maxCount int) (*BadgerSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating directory %s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, "spool.db.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: opening lock file: %w", err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lf.Close()
		return nil, fmt.Errorf("spool: %s is held by another process: %w", lockPath, err)
	}
	if err := lf.Truncate(0); err == nil {
		fmt.Fprintf(lf, "%d\n", os.Getpid())
	}

	opts := badger.DefaultOptions(filepath.Join(dir, "db")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
		lf.Close()
		return nil, fmt.Errorf("spool: opening badger db: %w", err)
	}

	s := &BadgerSpool{db: db, lockFile: lf, maxBytes: maxBytes, maxCount: maxCount}
	if err := s.loadMeta(); err != nil {
		db.Close()
		syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
		lf.Close()
		return nil, fmt.Errorf("spool: replaying records: %w", err)
	}
	return s, nil
}

// loadMeta replays every stored record to recover nextID and
// totalBytes, rather than trusting a separately-persisted counter that
// could itself be torn by a crash mid-write.
func (s *BadgerSpool) loadMeta() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		var maxID uint64
		var total int64
		var count int
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := decodeRecordKey(item.KeyCopy(nil))
			if id+1 > maxID {
				maxID = id + 1
			}
			err := item.Value(func(val []byte) error {
				var pr persistedRecord
				if err := json.Unmarshal(val, &pr); err != nil {
					return err
				}
				total += pr.Size
				count++
				return nil
			})
			if err != nil {
				return err
			}
		}
		s.nextID = maxID
		s.totalBytes = total
		s.totalCount = count
		return nil
	})
}

func (s *BadgerSpool) Enqueue(env envelope.Envelope) (uint64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("%w: marshaling envelope: %v", ErrUnavailable, err)
	}
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && s.totalBytes+size > s.maxBytes {
		return 0, ErrCapacityExceeded
	}
	if s.maxCount > 0 && s.totalCount >= s.maxCount {
		return 0, ErrCapacityExceeded
	}

	id := s.nextID
	now := time.Now()
	env.SpoolID = id
	pr := persistedRecord{
		Envelope:   env,
		Status:     StatusPending,
		EnqueuedAt: now,
		Size:       size,
	}
	buf, err := json.Marshal(pr)
	if err != nil {
		return 0, fmt.Errorf("%w: marshaling record: %v", ErrUnavailable, err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), buf)
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.nextID++
	s.totalBytes += size
	s.totalCount++
	return id, nil
}

func (s *BadgerSpool) ClaimBatch(maxCount int, maxBytes int64, leaseDuration time.Duration) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var claimed []Record
	var usedBytes int64

	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(claimed) < maxCount; it.Next() {
			item := it.Item()
			keyCopy := item.KeyCopy(nil)

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}

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

			buf, err := json.Marshal(pr)
			if err != nil {
				return err
			}
			if err := txn.Set(keyCopy, buf); err != nil {
				return err
			}

			usedBytes += pr.Size
			claimed = append(claimed, pr.toRecord(decodeRecordKey(keyCopy)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return claimed, nil
}

func (s *BadgerSpool) Commit(ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key := recordKey(id)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			s.totalBytes -= pr.Size
			s.totalCount--
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *BadgerSpool) Fail(ids []uint64, lastErr string, permanent bool, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key := recordKey(id)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}

			pr.Attempts++
			pr.LastError = lastErr
			pr.LastAttemptAt = now

			if permanent || (maxAttempts > 0 && pr.Attempts >= maxAttempts) {
				pr.Status = StatusDead
				pr.ClaimDeadline = time.Time{}
			} else {
				pr.Status = StatusPending
				pr.ClaimDeadline = time.Time{}
			}

			buf, err := json.Marshal(pr)
			if err != nil {
				return err
			}
			if err := txn.Set(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BadgerSpool) Requeue(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key := recordKey(id)
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}
			if pr.Status != StatusInFlight {
				continue
			}
			pr.Status = StatusPending
			pr.ClaimDeadline = time.Time{}

			buf, err := json.Marshal(pr)
			if err != nil {
				return err
			}
			if err := txn.Set(key, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *BadgerSpool) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}
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
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	st.TotalBytes = s.totalBytes
	return st, nil
}

func (s *BadgerSpool) ReapStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keyCopy := item.KeyCopy(nil)

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}
			if pr.Status != StatusInFlight || !now.After(pr.ClaimDeadline) {
				continue
			}

			pr.Status = StatusPending
			pr.ClaimDeadline = time.Time{}
			buf, err := json.Marshal(pr)
			if err != nil {
				return err
			}
			if err := txn.Set(keyCopy, buf); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *BadgerSpool) DeadRecords() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			keyCopy := item.KeyCopy(nil)

			var pr persistedRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &pr)
			}); err != nil {
				return err
			}
			if pr.Status != StatusDead {
				continue
			}
			recs = append(recs, pr.toRecord(decodeRecordKey(keyCopy)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return recs, nil
}

func (s *BadgerSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Close()
	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	s.lockFile.Close()
	return err
}
