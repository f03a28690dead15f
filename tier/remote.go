package tier

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"encore.app/pkg/utils"
)

// compressionThreshold is the payload size above which compression is attempted,
// per spec.md §4.3 and the Configuration table's enable_compression option.
const compressionThreshold = 1024

const (
	tagRaw  byte = 0x00
	tagGzip byte = 0x01
)

// RemoteStore is the minimal contract a pooled external key-value store must satisfy:
// get/set-with-TTL/delete/exists/flush/keys-by-glob. The original Rust source backs
// this with Redis (deadpool_redis); no Redis client is present in this module's
// dependency pack, so RemoteTier is built against this interface with an in-memory
// reference implementation (InMemoryRemoteStore) satisfying it — a real client is a
// drop-in replacement (see DESIGN.md).
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Flush(ctx context.Context) error
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// ErrRemoteMiss is returned by a RemoteStore.Get when the key is absent. It is never
// surfaced to callers of RemoteTier.Get — it is translated to (nil, false).
var ErrRemoteMiss = errors.New("tier: remote miss")

// InMemoryRemoteStore is a process-local stand-in for an external KV store, used as
// the default RemoteStore and by tests. It implements TTL expiry and glob-by-scan,
// the same contract a real remote store exposes.
type InMemoryRemoteStore struct {
	mu      sync.RWMutex
	entries map[string]remoteRecord
}

type remoteRecord struct {
	value     []byte
	expiresAt time.Time
}

func NewInMemoryRemoteStore() *InMemoryRemoteStore {
	return &InMemoryRemoteStore{entries: make(map[string]remoteRecord)}
}

func (s *InMemoryRemoteStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRemoteMiss
	}
	if time.Now().After(rec.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrRemoteMiss
	}
	return rec.value, nil
}

func (s *InMemoryRemoteStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = remoteRecord{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryRemoteStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *InMemoryRemoteStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	return !time.Now().After(rec.expiresAt), nil
}

func (s *InMemoryRemoteStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]remoteRecord)
	return nil
}

func (s *InMemoryRemoteStore) KeysMatching(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return utils.FilterKeys(pattern, keys)
}

func (s *InMemoryRemoteStore) Ping(_ context.Context) error { return nil }

// RemoteTier wraps a RemoteStore with the pool/timeout/compression/sharding behavior
// spec.md §4.3 requires. Connection acquisition is modeled as a bounded semaphore
// (remote_pool_size). With Shards > 1, Get resolves each key's logical shard on a
// consistent-hash ring (see shardFor); all shards share the one underlying store and
// semaphore, so the shard does not change where a key is stored.
type RemoteTier struct {
	store       RemoteStore
	pool        chan struct{}
	timeout     time.Duration
	compress    bool
	ring        *utils.HashRing
	shardPrefix map[string]struct{} // registered shard ids, for membership checks
	stats       Statistics
}

// RemoteConfig configures a RemoteTier.
type RemoteConfig struct {
	PoolSize          int
	TimeoutPerOp      time.Duration
	EnableCompression bool
	Shards            int // logical shards for consistent-hash routing; 0 disables sharding
}

// NewRemoteTier constructs a RemoteTier backed by store, performing a liveness probe.
// A failed probe returns an error; per spec.md §4.3 the caller (TierRouter) treats
// this as "no remote tier" and continues without one.
func NewRemoteTier(ctx context.Context, store RemoteStore, cfg RemoteConfig) (*RemoteTier, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.TimeoutPerOp <= 0 {
		cfg.TimeoutPerOp = 500 * time.Millisecond
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.TimeoutPerOp)
	defer cancel()
	if err := store.Ping(probeCtx); err != nil {
		return nil, fmt.Errorf("tier: remote liveness probe failed: %w", ErrCacheConnection)
	}

	rt := &RemoteTier{
		store:       store,
		pool:        make(chan struct{}, cfg.PoolSize),
		timeout:     cfg.TimeoutPerOp,
		compress:    cfg.EnableCompression,
		shardPrefix: make(map[string]struct{}),
	}

	if cfg.Shards > 1 {
		ring := utils.NewHashRing(0)
		for i := 0; i < cfg.Shards; i++ {
			shard := "shard-" + strconv.Itoa(i)
			_ = ring.AddNode(shard, 1)
			rt.shardPrefix[shard] = struct{}{}
		}
		rt.ring = ring
	}

	return rt, nil
}

// shardFor resolves the logical shard a key is routed to. With no sharding
// configured, every key routes to the same (single) shard, which is a no-op since
// the underlying store is shared regardless — the ring exists to make sharding a
// routing decision rather than a storage-layer rewrite, should the deployment add
// physically separate stores per shard.
func (r *RemoteTier) shardFor(key string) string {
	if r.ring == nil {
		return ""
	}
	return r.ring.GetNode(key)
}

func (r *RemoteTier) acquire(ctx context.Context) error {
	select {
	case r.pool <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tier: pool acquisition: %w", ErrCacheTimeout)
	}
}

func (r *RemoteTier) release() { <-r.pool }

// Get returns the payload on a hit, (nil,false) on a miss, distinguishing miss from
// error: a real remote error is returned to the caller so the router can count it
// as a fallback without mistaking it for a legitimate miss.
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer r.release()

	_ = r.shardFor(key)

	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRemoteMiss) {
			r.stats.RecordMiss()
			return nil, false, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("tier: remote get: %w", ErrCacheTimeout)
		}
		return nil, false, fmt.Errorf("tier: remote get: %w", ErrCacheRemote)
	}

	value, decErr := decompress(raw)
	if decErr != nil {
		return nil, false, fmt.Errorf("tier: remote get: %w", ErrCacheSerialization)
	}

	r.stats.RecordHit()
	return value, true, nil
}

// Set stores value under key with ttl (defaulting is the caller's responsibility —
// per spec.md §6, ttl defaults to key.DefaultTTL() at the router). Payloads over
// compressionThreshold are gzip-compressed and tagged so Get can self-identify and
// reverse it, per spec.md §9's note that a real codec should replace the stub.
func (r *RemoteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration, maxValueSize int) error {
	if maxValueSize > 0 && len(value) > maxValueSize {
		return ErrCacheSize
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	payload, err := compress(value, r.compress)
	if err != nil {
		return fmt.Errorf("tier: remote set: %w", ErrCacheSerialization)
	}

	if err := r.store.Set(ctx, key, payload, ttl); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("tier: remote set: %w", ErrCacheTimeout)
		}
		return fmt.Errorf("tier: remote set: %w", ErrCacheRemote)
	}
	r.stats.RecordSet()
	return nil
}

// Delete is idempotent: deleting an absent key is not an error.
func (r *RemoteTier) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("tier: remote delete: %w", ErrCacheRemote)
	}
	r.stats.RecordDelete()
	return nil
}

func (r *RemoteTier) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.acquire(ctx); err != nil {
		return false, err
	}
	defer r.release()

	ok, err := r.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("tier: remote exists: %w", ErrCacheRemote)
	}
	return ok, nil
}

// Clear flushes the logical namespace this cache uses and resets statistics.
func (r *RemoteTier) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Flush(ctx); err != nil {
		return fmt.Errorf("tier: remote clear: %w", ErrCacheRemote)
	}
	r.stats.Reset()
	return nil
}

// InvalidatePattern resolves pattern via the remote's scan/glob facility and deletes
// each matching key, returning the count deleted. A scan error is surfaced, per
// spec.md §4.3.
func (r *RemoteTier) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := r.store.KeysMatching(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("tier: remote scan: %w", ErrCacheRemote)
	}

	count := 0
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err == nil {
			count++
		}
	}
	if count > 0 {
		r.stats.RecordDelete()
	}
	return count, nil
}

func (r *RemoteTier) Stats() Snapshot { return r.stats.Snapshot() }

// Healthy performs a liveness probe with the tier's configured timeout.
func (r *RemoteTier) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.Ping(ctx) == nil
}

func compress(value []byte, enabled bool) ([]byte, error) {
	if !enabled || len(value) <= compressionThreshold {
		return append([]byte{tagRaw}, value...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(tagGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	tag, body := payload[0], payload[1:]
	switch tag {
	case tagRaw:
		return body, nil
	case tagGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("tier: unrecognized payload tag %d", tag)
	}
}
