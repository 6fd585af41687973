package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by the memory backend and by tests. Records are keyed by
// keyHash like the durable stores so behaviour matches across backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	hash := keyHash(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[hash]; ok && !existing.Expired(now) {
		return existing.replayFor(fingerprint)
	}
	fresh := pendingRecord(key, fingerprint, now, ttl)
	s.records[hash] = fresh
	return Reservation{State: ReservationStateNew, Record: fresh}, nil
}

// SaveResponse completes the key, creating it when the reservation was already swept.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	hash := keyHash(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[hash]
	switch {
	case !ok:
		record = Record{Key: key, Fingerprint: fingerprint}
	case record.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}
	s.records[hash] = record.complete(resp, now, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	hash := keyHash(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[hash]
	if ok && record.Status == StatusPending && record.Fingerprint == fingerprint {
		delete(s.records, hash)
	}
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, record := range s.records {
		if limit > 0 && removed == limit {
			break
		}
		if !record.Expired(now) {
			continue
		}
		delete(s.records, hash)
		removed++
	}
	return removed, nil
}
