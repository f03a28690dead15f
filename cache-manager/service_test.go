package cachemanager

import (
	"context"
	"testing"
	"time"

	"encore.app/invalidation"
	"encore.app/tier"
)

// newTestService builds a Service with a fresh private router, independent of the
// package-level singleton initService() installs, so tests don't interfere with each
// other's counters.
func newTestService() *Service {
	return &Service{
		router:   tier.NewRouter(tier.DefaultConfig(), nil),
		metrics:  &Metrics{},
		config:   Config{CleanupInterval: time.Minute},
		stopChan: make(chan struct{}),
	}
}

func TestSetThenGetRoundTripsValue(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, err := s.Set(ctx, "price:BTC", &SetRequest{Value: 65000.5}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	resp, err := s.Get(ctx, "price:BTC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !resp.Hit {
		t.Fatal("expected hit after Set")
	}
	if got, ok := resp.Value.(float64); !ok || got != 65000.5 {
		t.Fatalf("Value = %v, want 65000.5", resp.Value)
	}
}

func TestGetOnMissingKeyReportsMiss(t *testing.T) {
	s := newTestService()
	resp, err := s.Get(context.Background(), "price:ETH")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.Hit {
		t.Fatal("expected miss for a key never set")
	}
	if s.metrics.Misses.Load() != 1 {
		t.Fatalf("Misses = %d, want 1", s.metrics.Misses.Load())
	}
}

func TestGetRejectsUnrecognizedKeyFormat(t *testing.T) {
	s := newTestService()
	if _, err := s.Get(context.Background(), "not-a-valid-key"); err == nil {
		t.Fatal("expected an error for a key with no recognized category tag")
	}
}

func TestSetRejectsNilValue(t *testing.T) {
	s := newTestService()
	if _, err := s.Set(context.Background(), "price:BTC", &SetRequest{Value: nil}); err == nil {
		t.Fatal("expected an error for a nil value")
	}
}

func TestInvalidateByExactKeysRemovesThem(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, _ = s.Set(ctx, "price:BTC", &SetRequest{Value: 1})
	_, _ = s.Set(ctx, "price:ETH", &SetRequest{Value: 2})

	resp, err := s.Invalidate(ctx, &InvalidateRequest{Keys: []string{"price:BTC", "price:ETH"}})
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if resp.Invalidated != 2 {
		t.Fatalf("Invalidated = %d, want 2", resp.Invalidated)
	}

	got, _ := s.Get(ctx, "price:BTC")
	if got.Hit {
		t.Fatal("expected price:BTC to be gone after invalidation")
	}
}

func TestInvalidateByPatternRemovesAllMatching(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, _ = s.Set(ctx, "price:BTC", &SetRequest{Value: 1})
	_, _ = s.Set(ctx, "price:ETH", &SetRequest{Value: 2})
	_, _ = s.Set(ctx, "market_data:BTC", &SetRequest{Value: 3})

	resp, err := s.Invalidate(ctx, &InvalidateRequest{Pattern: "price:*"})
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if resp.Invalidated != 2 {
		t.Fatalf("Invalidated = %d, want 2", resp.Invalidated)
	}

	got, _ := s.Get(ctx, "market_data:BTC")
	if !got.Hit {
		t.Fatal("market_data:BTC should survive a price:* invalidation")
	}
}

func TestGetMetricsReflectsHitsMissesAndEntryCount(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	_, _ = s.Set(ctx, "price:BTC", &SetRequest{Value: 1})
	_, _ = s.Get(ctx, "price:BTC") // hit
	_, _ = s.Get(ctx, "price:XRP") // miss

	resp, err := s.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if resp.Hits != 1 || resp.Misses != 1 {
		t.Fatalf("Hits=%d Misses=%d, want 1 and 1", resp.Hits, resp.Misses)
	}
	if resp.HitRate != 0.5 {
		t.Fatalf("HitRate = %v, want 0.5", resp.HitRate)
	}
	if resp.EntryCount < 1 {
		t.Fatalf("EntryCount = %d, want at least 1", resp.EntryCount)
	}
}

func TestHandleInvalidateEventDeletesMatchedKeys(t *testing.T) {
	s := newTestService()
	prevSvc := svc
	svc = s
	defer func() { svc = prevSvc }()

	ctx := context.Background()
	_, _ = s.Set(ctx, "price:BTC", &SetRequest{Value: 1})

	event := &invalidation.InvalidationEvent{MatchedKeys: []string{"price:BTC"}}
	if err := HandleInvalidateEvent(ctx, event); err != nil {
		t.Fatalf("HandleInvalidateEvent failed: %v", err)
	}

	got, _ := s.Get(ctx, "price:BTC")
	if got.Hit {
		t.Fatal("expected price:BTC to be removed by the invalidation event handler")
	}
}
