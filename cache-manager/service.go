// Package cachemanager is the public HTTP gateway onto the tier/keycatalog/invalidation
// subsystem: a thin Encore service whose Get/Set/Invalidate endpoints translate opaque
// string keys into keycatalog.Key values and delegate every storage decision to a
// private tier.Router. It owns no cache state of its own — LRU, TTL, request
// coalescing, and tier-preference routing all live in tier.LocalTier/RemoteTier/Router;
// this package's only job is the wire-format boundary and the background cleanup loop
// spec.md §9 requires a caller to drive.
//
// Design Choices:
//   - No second cache engine: earlier revisions of this service carried their own
//     L1Cache/RequestCoalescer/eviction-policy stack in parallel with tier.Router's.
//     That duplicated exactly the LRU+TTL+singleflight machinery tier/local.go and
//     tier/router.go already implement for the whole subsystem, so it was removed
//     rather than kept as a second, divergent cache (see DESIGN.md).
//   - Values cross the HTTP boundary as arbitrary JSON (interface{}) but are stored as
//     the tiers' native []byte, mirroring how RemoteTier already serializes before
//     handing bytes to its pool.
//   - Request correlation uses pkg/middleware's request-ID helpers, the same
//     "stash it in ctx, log it at the boundary" idiom pkg/middleware/logging.go
//     documents for the rest of this codebase's HTTP surface.
package cachemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/keycatalog"
	"encore.app/pkg/middleware"
	"encore.app/tier"
)

// Service is the cache-manager gateway: a private tier.Router plus the counters and
// background cleanup loop spec.md §9 assigns to "the caller", not to Router itself.
//encore:service
type Service struct {
	router   *tier.Router
	metrics  *Metrics
	config   Config
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Config holds runtime configuration for the cache manager's background loop.
type Config struct {
	CleanupInterval time.Duration // how often CleanupExpired sweeps the local tier
}

// Metrics tracks cache performance counters at the gateway boundary. These mirror
// tier.Statistics' shape but are scoped to requests that actually passed through this
// service's HTTP API, independent of internal Router traffic (e.g. from invalidation's
// private router) that never touches this counter set.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Evictions atomic.Int64
}

// Request and response types for API endpoints.

type GetResponse struct {
	Value interface{} `json:"value"`
	Hit   bool        `json:"hit"`
}

type SetRequest struct {
	Value interface{} `json:"value"`
	TTL   int         `json:"ttl"` // seconds, 0 means the key's category default
}

type SetResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
}

type InvalidateRequest struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"` // e.g., "price:*"
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

type MetricsResponse struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Sets       int64   `json:"sets"`
	Deletes    int64   `json:"deletes"`
	Evictions  int64   `json:"evictions"`
	EntryCount int64   `json:"entry_count"`
}

var (
	svc  *Service
	once sync.Once
)

// initService initializes the cache manager service with default configuration.
// Called automatically by Encore at startup.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		config := Config{CleanupInterval: 1 * time.Minute}

		svc = &Service{
			router:   tier.NewRouter(tier.DefaultConfig(), nil),
			metrics:  &Metrics{},
			config:   config,
			stopChan: make(chan struct{}),
		}

		svc.wg.Add(1)
		go svc.runTTLCleanup()
	})

	return svc, err
}

// Get retrieves a value, delegating tier selection, fallback, and coalescing to Router.
//encore:api public method=GET path=/api/cache/:key
func Get(ctx context.Context, key string) (*GetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Get(ctx, key)
}

func (s *Service) Get(ctx context.Context, key string) (*GetResponse, error) {
	parsed, ok := keycatalog.ParseKey(key)
	if !ok {
		return nil, fmt.Errorf("%q is not a recognized <category_tag>:<id> key", key)
	}

	raw, hit, err := s.router.Get(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if !hit {
		s.metrics.Misses.Add(1)
		middleware.LogWithRequestID(ctx, "cache miss", map[string]interface{}{"key": key})
		return &GetResponse{Hit: false}, nil
	}

	s.metrics.Hits.Add(1)
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("stored value for %q is not valid JSON: %w", key, err)
	}
	return &GetResponse{Value: value, Hit: true}, nil
}

// Set stores a value, write-through to every tier the key's category prefers.
//encore:api public method=PUT path=/api/cache/:key
func Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Set(ctx, key, req)
}

func (s *Service) Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	parsed, ok := keycatalog.ParseKey(key)
	if !ok {
		return nil, fmt.Errorf("%q is not a recognized <category_tag>:<id> key", key)
	}
	if req.Value == nil {
		return nil, errors.New("value cannot be nil")
	}

	raw, err := json.Marshal(req.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	ttl := time.Duration(req.TTL) * time.Second
	if err := s.router.Set(ctx, parsed, raw, ttl); err != nil {
		return nil, err
	}
	s.metrics.Sets.Add(1)

	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = parsed.DefaultTTL()
	}
	return &SetResponse{Success: true, ExpiresAt: time.Now().Add(effectiveTTL)}, nil
}

// Invalidate removes keys from cache and publishes an invalidation event so other
// cache-manager instances converge (see subscriptions.go for the receiving side).
//encore:api public method=POST path=/api/cache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	count := 0

	for _, key := range req.Keys {
		parsed, ok := keycatalog.ParseKey(key)
		if !ok {
			continue
		}
		if err := s.router.Delete(ctx, parsed); err == nil {
			count++
			s.metrics.Deletes.Add(1)
		}
	}

	if req.Pattern != "" {
		deleted := s.router.InvalidatePattern(ctx, req.Pattern)
		count += deleted
		s.metrics.Deletes.Add(int64(deleted))
	}

	if count > 0 {
		_ = s.PublishInvalidation(ctx, req.Keys, req.Pattern)
	}

	return &InvalidateResponse{Invalidated: count, Success: true}, nil
}

// GetMetrics returns current cache performance metrics.
//encore:api public method=GET path=/api/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits := s.metrics.Hits.Load()
	misses := s.metrics.Misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	snapshot, _, _ := s.router.Stats()

	return &MetricsResponse{
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
		Sets:       s.metrics.Sets.Load(),
		Deletes:    s.metrics.Deletes.Load(),
		Evictions:  s.metrics.Evictions.Load(),
		EntryCount: snapshot.EntryCount,
	}, nil
}

// runTTLCleanup periodically sweeps expired entries from the local tier. Router itself
// starts no goroutines (see tier/router.go's CleanupExpired doc); this loop is the
// "caller" spec.md §9 assigns that ownership to.
func (s *Service) runTTLCleanup() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			evicted := s.router.CleanupExpired()
			s.metrics.Evictions.Add(int64(evicted))
		}
	}
}

// Shutdown gracefully stops the service.
func (s *Service) Shutdown() {
	close(s.stopChan)
	s.wg.Wait()
}
