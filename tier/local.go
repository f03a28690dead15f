package tier

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"encore.app/pkg/utils"
)

type localEntry struct {
	key         string
	value       []byte
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int64
	element     *list.Element
}

// LocalTier is a bounded, in-process store of opaque payload bytes. Per spec.md §4.2
// and §9, TTL is global (not per-key): callers that need per-key TTL use RemoteTier.
// Eviction is capacity-driven LRU, adapted from cache-manager/cache.go's L1Cache.
//
// A secondary prefix index is maintained so InvalidatePattern can honor "category:*"
// patterns in roughly O(matching) rather than a full scan; this is purely additive —
// Get/Set never consult it.
type LocalTier struct {
	mu         sync.RWMutex
	entries    map[string]*localEntry
	lru        *list.List
	maxEntries int
	ttl        time.Duration
	stats      Statistics

	// prefixIndex maps the portion of a canonical key before its first ':' to the
	// set of full keys currently stored under that prefix.
	prefixIndex map[string]map[string]struct{}
}

// NewLocalTier creates a LocalTier bounded to maxEntries, with every entry expiring
// ttl after insertion regardless of per-call request.
func NewLocalTier(maxEntries int, ttl time.Duration) *LocalTier {
	return &LocalTier{
		entries:     make(map[string]*localEntry, maxEntries),
		lru:         list.New(),
		maxEntries:  maxEntries,
		ttl:         ttl,
		prefixIndex: make(map[string]map[string]struct{}),
	}
}

func prefixOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}

// Get returns the payload if present and unexpired, recording a hit or miss.
func (t *LocalTier) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	entry, exists := t.entries[key]
	t.mu.RUnlock()

	if !exists {
		t.stats.RecordMiss()
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		t.mu.Lock()
		t.deleteUnsafe(key)
		t.mu.Unlock()
		t.stats.RecordMiss()
		return nil, false
	}

	t.mu.Lock()
	t.lru.MoveToFront(entry.element)
	entry.accessCount++
	value := entry.value
	t.mu.Unlock()

	t.stats.RecordHit()
	return value, true
}

// EntryMeta reports an entry's creation time and access count, used by
// InvalidationEngine's Conditional strategies (AgeThreshold, AccessThreshold).
// It does not itself count as an access.
func (t *LocalTier) EntryMeta(key string) (createdAt time.Time, accessCount int64, found bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return time.Time{}, 0, false
	}
	return entry.createdAt, entry.accessCount, true
}

// Exists reports membership without touching hit/miss counters.
func (t *LocalTier) Exists(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	return !time.Now().After(entry.expiresAt)
}

// Set stores value under key with the tier's global TTL, rejecting oversized
// payloads or keys and triggering LRU eviction if at capacity.
func (t *LocalTier) Set(key string, value []byte, maxKeyLength, maxValueSize int) error {
	if maxKeyLength > 0 && len(key) > maxKeyLength {
		return ErrCacheSize
	}
	if maxValueSize > 0 && len(value) > maxValueSize {
		return ErrCacheSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiresAt := time.Now().Add(t.ttl)

	if entry, exists := t.entries[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		t.lru.MoveToFront(entry.element)
		t.stats.RecordSet()
		return nil
	}

	if t.lru.Len() >= t.maxEntries && t.maxEntries > 0 {
		t.evictLRUUnsafe()
	}

	entry := &localEntry{key: key, value: value, createdAt: time.Now(), expiresAt: expiresAt}
	entry.element = t.lru.PushFront(entry)
	t.entries[key] = entry
	t.indexUnsafe(key)
	t.stats.RecordSet()
	t.stats.SetGauges(int64(len(t.entries)), t.estimateMemoryUnsafe())
	return nil
}

// Delete removes key, returning whether it existed.
func (t *LocalTier) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deleted := t.deleteUnsafe(key)
	if deleted {
		t.stats.RecordDelete()
	}
	return deleted
}

func (t *LocalTier) deleteUnsafe(key string) bool {
	entry, exists := t.entries[key]
	if !exists {
		return false
	}
	t.lru.Remove(entry.element)
	delete(t.entries, key)
	t.unindexUnsafe(key)
	return true
}

func (t *LocalTier) indexUnsafe(key string) {
	p := prefixOf(key)
	set, ok := t.prefixIndex[p]
	if !ok {
		set = make(map[string]struct{})
		t.prefixIndex[p] = set
	}
	set[key] = struct{}{}
}

func (t *LocalTier) unindexUnsafe(key string) {
	p := prefixOf(key)
	if set, ok := t.prefixIndex[p]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(t.prefixIndex, p)
		}
	}
}

// InvalidatePattern purges matching keys. "*" always purges everything (the only
// pattern spec.md §9 guarantees); "prefix:*" is served in O(matching) via the
// prefix index; anything else falls back to a full scan so correctness never
// depends on the optimization being available.
func (t *LocalTier) InvalidatePattern(pattern string) int {
	if pattern == "*" {
		t.mu.Lock()
		n := len(t.entries)
		t.entries = make(map[string]*localEntry, t.maxEntries)
		t.lru = list.New()
		t.prefixIndex = make(map[string]map[string]struct{})
		t.mu.Unlock()
		if n > 0 {
			t.stats.RecordDelete()
		}
		return n
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var toDelete []string
	if strings.HasSuffix(pattern, ":*") && !strings.ContainsAny(pattern[:len(pattern)-2], "*?") {
		prefix := strings.TrimSuffix(pattern, "*")
		if set, ok := t.prefixIndex[strings.TrimSuffix(prefix, ":")]; ok {
			for k := range set {
				toDelete = append(toDelete, k)
			}
		}
	} else {
		prefix := strings.TrimSuffix(pattern, "*")
		for key := range t.entries {
			if matchesSimplePattern(key, pattern, prefix) {
				toDelete = append(toDelete, key)
			}
		}
	}

	count := 0
	for _, key := range toDelete {
		if t.deleteUnsafe(key) {
			count++
		}
	}
	return count
}

func matchesSimplePattern(key, pattern, prefix string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return key == pattern
	}
	if strings.HasSuffix(pattern, "*") && !strings.ContainsAny(prefix, "*?") {
		return strings.HasPrefix(key, prefix)
	}
	ok, err := utils.MatchPattern(pattern, key)
	return err == nil && ok
}

// CleanupExpired removes all entries past expiry; called periodically by the router.
func (t *LocalTier) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, entry := range t.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	count := 0
	for _, key := range expired {
		if t.deleteUnsafe(key) {
			t.stats.RecordEviction()
			count++
		}
	}
	return count
}

func (t *LocalTier) evictLRUUnsafe() {
	oldest := t.lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*localEntry)
	t.lru.Remove(oldest)
	delete(t.entries, entry.key)
	t.unindexUnsafe(entry.key)
	t.stats.RecordEviction()
}

func (t *LocalTier) estimateMemoryUnsafe() int64 {
	var size int64
	for k, e := range t.entries {
		size += int64(len(k) + len(e.value) + 64)
	}
	return size
}

// Size returns the current entry count.
func (t *LocalTier) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Clear purges all entries and resets statistics.
func (t *LocalTier) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]*localEntry, t.maxEntries)
	t.lru = list.New()
	t.prefixIndex = make(map[string]map[string]struct{})
	t.mu.Unlock()
	t.stats.Reset()
}

// Stats returns a snapshot of this tier's statistics.
func (t *LocalTier) Stats() Snapshot {
	return t.stats.Snapshot()
}

// Healthy reports whether the tier is usable. LocalTier is always in-process and
// always healthy once constructed.
func (t *LocalTier) Healthy() bool { return true }
