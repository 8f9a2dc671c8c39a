package dedup

import (
	"context"
	"sync"
	"time"
)

// Record is a settled cache entry: either a Ready value or a Failed error.
type Record[T any] struct {
	Value     T
	Err       error
	ExpiresAt time.Time
}

// Failed reports whether the record caches a producer failure.
func (r Record[T]) Failed() bool {
	return r.Err != nil
}

// Expired reports whether the record is past its deadline at now.
func (r Record[T]) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists settled records. Implementations must be safe for concurrent
// use. Pending entries never reach a Store; single-flight is handled by Cache.
type Store[T any] interface {
	// Load returns (record, true, nil) on hit and (zero, false, nil) on miss.
	Load(ctx context.Context, key string) (Record[T], bool, error)
	Save(ctx context.Context, key string, record Record[T]) error
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that can drop expired records in bulk.
type Sweeper interface {
	Sweep(now time.Time) int
}

// MemoryStore keeps records in a map.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string]Record[T]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{records: make(map[string]Record[T])}
}

// Load implements Store.
func (s *MemoryStore[T]) Load(_ context.Context, key string) (Record[T], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

// Save implements Store.
func (s *MemoryStore[T]) Save(_ context.Context, key string, record Record[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	return nil
}

// Delete implements Store.
func (s *MemoryStore[T]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Sweep removes every record expired at now and returns how many were dropped.
func (s *MemoryStore[T]) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
