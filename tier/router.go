// Package tier implements the two-tier cache: a bounded in-process LocalTier, a
// pooled RemoteTier, and a Router that composes them behind the single Cache
// contract (get/set/delete/exists/clear/stats/invalidate_pattern) spec.md §6 fixes.
package tier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"encore.app/keycatalog"
	"encore.app/monitoring"
)

// Config holds the recognized options from spec.md §3's Configuration table.
type Config struct {
	LocalCapacity     int
	LocalTTL          time.Duration
	RemotePoolSize    int
	RemoteTimeoutMs   int
	EnableCompression bool
	MaxKeyLength      int
	MaxValueSizeBytes int
	DefaultTTLSeconds int
	RemoteShards      int
}

// DefaultConfig returns sensible defaults, mirroring the teacher's DefaultConfig idiom.
func DefaultConfig() Config {
	return Config{
		LocalCapacity:     10_000,
		LocalTTL:          10 * time.Minute,
		RemotePoolSize:    20,
		RemoteTimeoutMs:   500,
		EnableCompression: true,
		MaxKeyLength:      256,
		MaxValueSizeBytes: 1 << 20, // 1 MiB
		DefaultTTLSeconds: 900,
	}
}

// Health reports per-tier and overall liveness, per spec.md §4.4.
type Health struct {
	LocalHealthy   bool
	RemoteHealthy  bool
	RemoteAbsent   bool
	OverallHealthy bool
	ErrorMessage   string
}

// Router composes LocalTier and RemoteTier behind a single Cache-shaped API,
// implementing spec.md §4.4's tier-preference routing, read-fallback, write-mirror,
// and health aggregation. It replaces cache-manager/service.go's L1/L2/origin
// cache-aside composition with the symmetric Local/Remote routing the spec requires.
type Router struct {
	cfg    Config
	local  *LocalTier
	remote *RemoteTier // nil when no remote tier is configured or its probe failed

	coalescer     singleflight.Group
	fallbackCount atomic.Int64
	warmCount     atomic.Int64
}

// NewRouter constructs a Router. remote may be nil — per spec.md §4.3, a failed
// remote construction is treated as "no remote" and the router continues with
// Local only.
func NewRouter(cfg Config, remote *RemoteTier) *Router {
	return &Router{
		cfg:    cfg,
		local:  NewLocalTier(cfg.LocalCapacity, cfg.LocalTTL),
		remote: remote,
	}
}

// publishCacheMetric reports one real Router operation to monitoring, carrying
// the {tier, category_tag} label pair spec.md §4.6 requires on every counter.
// Publish failures are swallowed: metrics delivery is best-effort and must never
// affect the outcome of a cache operation.
func publishCacheMetric(ctx context.Context, operation, tier, categoryTag string, hit bool, started time.Time) {
	_, _ = monitoring.CacheMetricsTopic.Publish(ctx, &monitoring.CacheMetricEvent{
		Operation:   operation,
		Tier:        tier,
		CategoryTag: categoryTag,
		Hit:         hit,
		Latency:     float64(time.Since(started).Microseconds()) / 1000.0,
		Timestamp:   time.Now(),
		Instance:    "tier.Router",
	})
}

func defaultTTLFor(key keycatalog.Key, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	return key.DefaultTTL()
}

// Get implements spec.md §4.4's read algorithm: remote-first when preferred and
// present, with local fallback; a remote error never blocks the local attempt and
// is counted as a fallback rather than propagated.
func (r *Router) Get(ctx context.Context, key keycatalog.Key) ([]byte, bool, error) {
	started := time.Now()
	canonical := key.CanonicalString()
	pref := PreferenceFor(key.Category)

	v, err, _ := r.coalescer.Do(canonical, func() (interface{}, error) {
		return r.getOnce(ctx, canonical, pref)
	})
	if err != nil {
		return nil, false, err
	}
	result := v.(getResult)
	publishCacheMetric(ctx, "get", result.tier, key.CategoryTag(), result.found, started)
	return result.value, result.found, nil
}

type getResult struct {
	value []byte
	found bool
	tier  string
}

func (r *Router) getOnce(ctx context.Context, canonical string, pref Preference) (interface{}, error) {
	if pref != PreferLocal && r.remote != nil {
		value, ok, err := r.remote.Get(ctx, canonical)
		if err != nil {
			r.fallbackCount.Add(1)
		} else if ok {
			return getResult{value: value, found: true, tier: "remote"}, nil
		}
	}

	value, ok := r.local.Get(canonical)
	if !ok {
		return getResult{found: false, tier: "none"}, nil
	}

	if pref != PreferLocal && r.remote != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), r.remote.timeout)
			defer cancel()
			_ = r.remote.Set(bgCtx, canonical, value, r.cfg.LocalTTL, r.cfg.MaxValueSizeBytes)
		}()
	}

	return getResult{value: value, found: true, tier: "local"}, nil
}

// Set implements spec.md §4.4's write algorithm: write to every eligible tier,
// succeeding if any of them accepted the value.
func (r *Router) Set(ctx context.Context, key keycatalog.Key, value []byte, ttl time.Duration) error {
	started := time.Now()
	canonical := key.CanonicalString()
	if (r.cfg.MaxKeyLength > 0 && len(canonical) > r.cfg.MaxKeyLength) ||
		(r.cfg.MaxValueSizeBytes > 0 && len(value) > r.cfg.MaxValueSizeBytes) {
		return ErrCacheSize
	}
	pref := PreferenceFor(key.Category)
	effectiveTTL := defaultTTLFor(key, ttl)

	remoteOK := false
	if pref != PreferLocal && r.remote != nil {
		if err := r.remote.Set(ctx, canonical, value, effectiveTTL, r.cfg.MaxValueSizeBytes); err != nil {
			r.fallbackCount.Add(1)
		} else {
			remoteOK = true
		}
	}

	localOK := false
	if pref != PreferRemote || !remoteOK {
		if err := r.local.Set(canonical, value, r.cfg.MaxKeyLength, r.cfg.MaxValueSizeBytes); err != nil {
			if err == ErrCacheSize {
				return err
			}
		} else {
			localOK = true
		}
	}

	if !remoteOK && !localOK {
		return ErrNoTierAccepted
	}

	tier := "none"
	switch {
	case remoteOK && localOK:
		tier = "both"
	case remoteOK:
		tier = "remote"
	case localOK:
		tier = "local"
	}
	publishCacheMetric(ctx, "set", tier, key.CategoryTag(), true, started)
	return nil
}

// Delete best-effort deletes on both tiers. Remote errors are never propagated.
func (r *Router) Delete(ctx context.Context, key keycatalog.Key) error {
	started := time.Now()
	canonical := key.CanonicalString()

	if r.remote != nil {
		if err := r.remote.Delete(ctx, canonical); err != nil {
			r.fallbackCount.Add(1)
		}
	}
	r.local.Delete(canonical)
	publishCacheMetric(ctx, "delete", "both", key.CategoryTag(), true, started)
	return nil
}

// Exists reports true if RemoteTier says true; otherwise defers to LocalTier.
func (r *Router) Exists(ctx context.Context, key keycatalog.Key) bool {
	canonical := key.CanonicalString()
	if r.remote != nil {
		if ok, err := r.remote.Exists(ctx, canonical); err == nil && ok {
			return true
		}
	}
	return r.local.Exists(canonical)
}

// Clear is mandatory on local and best-effort on remote, resetting aggregated
// statistics.
func (r *Router) Clear(ctx context.Context) error {
	if r.remote != nil {
		if err := r.remote.Clear(ctx); err != nil {
			r.fallbackCount.Add(1)
		}
	}
	r.local.Clear()
	r.fallbackCount.Store(0)
	r.warmCount.Store(0)
	return nil
}

// InvalidatePattern sums deletion counts across both tiers; a single tier's
// failure is counted but not fatal.
func (r *Router) InvalidatePattern(ctx context.Context, pattern string) int {
	total := r.local.InvalidatePattern(pattern)
	if r.remote != nil {
		n, err := r.remote.InvalidatePattern(ctx, pattern)
		if err != nil {
			r.fallbackCount.Add(1)
		} else {
			total += n
		}
	}
	return total
}

// Warm sets every entry, logging (counting) failures per key without aborting the
// batch, per spec.md §4.4.
func (r *Router) Warm(ctx context.Context, entries map[keycatalog.Key][]byte) (warmed int, failed int) {
	for key, value := range entries {
		if err := r.Set(ctx, key, value, 0); err != nil {
			failed++
			continue
		}
		warmed++
		r.warmCount.Add(1)
	}
	return warmed, failed
}

// InvalidateUser invalidates every key scoped to a user id.
func (r *Router) InvalidateUser(ctx context.Context, userID string) int {
	return r.InvalidatePattern(ctx, fmt.Sprintf("*:%s*", userID))
}

// InvalidateService invalidates every key under a service's namespace.
func (r *Router) InvalidateService(ctx context.Context, service string) int {
	return r.InvalidatePattern(ctx, fmt.Sprintf("%s:*", service))
}

// HealthCheck aggregates tier liveness per spec.md §4.4:
// overall_healthy = local_healthy && (remote_healthy || remote_absent).
func (r *Router) HealthCheck(ctx context.Context) Health {
	h := Health{LocalHealthy: r.local.Healthy(), RemoteAbsent: r.remote == nil}
	if r.remote != nil {
		h.RemoteHealthy = r.remote.Healthy(ctx)
	}
	h.OverallHealthy = h.LocalHealthy && (h.RemoteHealthy || h.RemoteAbsent)
	if !h.OverallHealthy {
		h.ErrorMessage = "local tier unhealthy or remote tier present but unreachable"
	}
	return h
}

// Stats returns a merged snapshot across both tiers along with fallback/warm counts.
func (r *Router) Stats() (merged Snapshot, fallbacks int64, warmed int64) {
	local := r.local.Stats()
	if r.remote == nil {
		return local, r.fallbackCount.Load(), r.warmCount.Load()
	}
	return MergeStats(local, r.remote.Stats()), r.fallbackCount.Load(), r.warmCount.Load()
}

// CleanupExpired runs the LocalTier's periodic TTL sweep. cache-manager's Service
// owns the ticker that drives this per spec.md §9's "event loop ownership" note —
// Router itself starts no goroutines.
func (r *Router) CleanupExpired() int {
	return r.local.CleanupExpired()
}

// EntryMeta reports a key's age and access count as tracked by LocalTier, for
// InvalidationEngine's Conditional strategies. RemoteTier does not track per-entry
// metadata (spec.md §4.3's contract exposes no such hook), so this is Local-only;
// a key never observed locally reports found=false even if it is live on Remote.
func (r *Router) EntryMeta(key keycatalog.Key) (createdAt time.Time, accessCount int64, found bool) {
	return r.local.EntryMeta(key.CanonicalString())
}
