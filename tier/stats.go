package tier

import "sync"

// Statistics holds the rolling counters a tier or the router exposes, per spec.md §3.
// hit_rate is derived, never stored, so it can never drift out of sync with its inputs.
//
// This is deliberately a separate, cheaper view from the {tier, category_tag}-labeled
// breakdown monitoring.MetricsCollector accumulates from Router's published
// CacheMetricEvents: Statistics backs the hot-path Stats()/HealthCheck() calls a tier
// makes about itself with no network hop and no per-key label, while monitoring answers
// cross-instance, per-category questions (spec.md §4.6) at the cost of a pub/sub publish
// per operation. The two are expected to diverge under coalesced Router.Get calls, where
// several published events (one per coalesced caller) can correspond to a single local
// Statistics increment.
type Statistics struct {
	mu               sync.RWMutex
	hits             int64
	misses           int64
	sets             int64
	deletes          int64
	evictions        int64
	entryCount       int64
	memoryUsageBytes int64
}

// Snapshot is a read-only copy of Statistics taken under a reader lock.
type Snapshot struct {
	Hits             int64
	Misses           int64
	Sets             int64
	Deletes          int64
	Evictions        int64
	EntryCount       int64
	MemoryUsageBytes int64
	HitRate          float64
}

func (s *Statistics) RecordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Statistics) RecordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *Statistics) RecordSet() {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
}

func (s *Statistics) RecordDelete() {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
}

func (s *Statistics) RecordEviction() {
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
}

// SetGauges updates the point-in-time gauges (entry count, estimated memory usage).
func (s *Statistics) SetGauges(entryCount, memoryUsageBytes int64) {
	s.mu.Lock()
	s.entryCount = entryCount
	s.memoryUsageBytes = memoryUsageBytes
	s.mu.Unlock()
}

// Reset zeroes every counter and gauge; used by clear().
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses, s.sets, s.deletes, s.evictions = 0, 0, 0, 0, 0
	s.entryCount, s.memoryUsageBytes = 0, 0
}

// Snapshot clones the current counters under a read lock.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hitRate := 0.0
	if total := s.hits + s.misses; total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}
	return Snapshot{
		Hits:             s.hits,
		Misses:           s.misses,
		Sets:             s.sets,
		Deletes:          s.deletes,
		Evictions:        s.evictions,
		EntryCount:       s.entryCount,
		MemoryUsageBytes: s.memoryUsageBytes,
		HitRate:          hitRate,
	}
}

// MergeStats combines per-tier snapshots into an aggregate view, used by the router's
// health()/stats() to report a single picture across Local and Remote.
func MergeStats(a, b Snapshot) Snapshot {
	merged := Snapshot{
		Hits:             a.Hits + b.Hits,
		Misses:           a.Misses + b.Misses,
		Sets:             a.Sets + b.Sets,
		Deletes:          a.Deletes + b.Deletes,
		Evictions:        a.Evictions + b.Evictions,
		EntryCount:       a.EntryCount + b.EntryCount,
		MemoryUsageBytes: a.MemoryUsageBytes + b.MemoryUsageBytes,
	}
	if total := merged.Hits + merged.Misses; total > 0 {
		merged.HitRate = float64(merged.Hits) / float64(total)
	}
	return merged
}
