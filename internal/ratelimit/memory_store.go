package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process counter store for tests and
// single-node deployments. Expired buckets are dropped opportunistically
// on access.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	// now is swappable in tests.
	now func() time.Time
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, bucket, prevBucket int64, ttl time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	curr := s.bucket(key, bucket)
	if curr == nil {
		curr = &memoryBucket{expiresAt: now.Add(ttl)}
		s.buckets[s.bucketKey(key, bucket)] = curr
	}
	curr.count++

	var prevCount int64
	if prev := s.bucket(key, prevBucket); prev != nil {
		prevCount = prev.count
	}
	s.sweep(now)
	return curr.count, prevCount, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string, bucket, prevBucket int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var curr, prev int64
	if b := s.bucket(key, bucket); b != nil {
		curr = b.count
	}
	if b := s.bucket(key, prevBucket); b != nil {
		prev = b.count
	}
	return curr, prev, nil
}

func (s *MemoryStore) bucket(key string, bucket int64) *memoryBucket {
	b, ok := s.buckets[s.bucketKey(key, bucket)]
	if !ok {
		return nil
	}
	if s.now().After(b.expiresAt) {
		delete(s.buckets, s.bucketKey(key, bucket))
		return nil
	}
	return b
}

func (s *MemoryStore) bucketKey(key string, bucket int64) string {
	return key + ":" + strconv.FormatInt(bucket, 10)
}

// sweep drops expired buckets. Called with the lock held.
func (s *MemoryStore) sweep(now time.Time) {
	if len(s.buckets) < 4096 {
		return
	}
	for k, b := range s.buckets {
		if now.After(b.expiresAt) {
			delete(s.buckets, k)
		}
	}
}

