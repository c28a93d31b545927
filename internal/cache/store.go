// Package cache implements the client-side cache layer: a keyed store with
// TTL and tag-based invalidation, plus a smart wrapper that adds retries,
// stale fallback, background revalidation and prefetch.
package cache

import (
	"sync"
	"time"
)

// StaleRetention is how long an expired entry remains available for
// explicit allow-stale reads before it is purged outright.
const StaleRetention = 1 * time.Hour

// Stats are aggregate hit/miss counters, updated by Get/Set.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int     `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Store is the cache contract shared by the in-process and Redis
// implementations. An entry is never served past its TTL through Get;
// GetAllowStale is the one escape hatch, used by the fallback path.
type Store interface {
	Get(key string) (any, bool)
	GetAllowStale(key string) (value any, stale bool, ok bool)
	Set(key string, value any, ttl time.Duration, tags ...string)
	Invalidate(key string)
	InvalidateByTag(tag string)
	Clear()
	Age(key string) (time.Duration, bool)
	Stats() Stats
}

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
	tags     []string
	hitCount int64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

func (e *entry) purgeable(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl+StaleRetention
}

// MemoryStore is the in-process Store. All callers share it read/write;
// invalidation is the only mutation outsiders rely on.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byTag   map[string]map[string]struct{}
	hits    int64
	misses  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		byTag:   make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	now := time.Now()
	if e.purgeable(now) {
		s.removeLocked(key, e)
		s.misses++
		return nil, false
	}
	if e.expired(now) {
		s.misses++
		return nil, false
	}
	e.hitCount++
	s.hits++
	return e.value, true
}

// GetAllowStale returns an expired entry with stale=true as long as it is
// within the retention window. Only the degraded fallback path uses this.
func (s *MemoryStore) GetAllowStale(key string) (any, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false, false
	}
	now := time.Now()
	if e.purgeable(now) {
		s.removeLocked(key, e)
		s.misses++
		return nil, false, false
	}
	e.hitCount++
	s.hits++
	return e.value, e.expired(now), true
}

func (s *MemoryStore) Set(key string, value any, ttl time.Duration, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.detachTagsLocked(key, old)
	}
	s.entries[key] = &entry{
		value:    value,
		storedAt: time.Now(),
		ttl:      ttl,
		tags:     tags,
	}
	for _, tag := range tags {
		if s.byTag[tag] == nil {
			s.byTag[tag] = make(map[string]struct{})
		}
		s.byTag[tag][key] = struct{}{}
	}
}

func (s *MemoryStore) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(key, e)
	}
}

func (s *MemoryStore) InvalidateByTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.byTag[tag] {
		if e, ok := s.entries[key]; ok {
			s.removeLocked(key, e)
		}
	}
	delete(s.byTag, tag)
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
	s.byTag = make(map[string]map[string]struct{})
}

// Age returns how long ago the entry was stored, regardless of freshness.
func (s *MemoryStore) Age(key string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return time.Since(e.storedAt), true
}

func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Hits:    s.hits,
		Misses:  s.misses,
		Entries: len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

func (s *MemoryStore) removeLocked(key string, e *entry) {
	s.detachTagsLocked(key, e)
	delete(s.entries, key)
}

func (s *MemoryStore) detachTagsLocked(key string, e *entry) {
	for _, tag := range e.tags {
		if keys, ok := s.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.byTag, tag)
			}
		}
	}
}
