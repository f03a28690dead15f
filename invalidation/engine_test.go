package invalidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"encore.app/keycatalog"
	"encore.app/tier"
)

func newTestEngine() (*Engine, *tier.Router) {
	router := tier.NewRouter(tier.DefaultConfig(), nil)
	return NewEngine(router), router
}

func TestHandleImmediateStrategyInvalidatesNow(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: UserUpdated, UserID: "u1"})[0]
	if err := router.Set(ctx, key, []byte("v"), time.Hour); err != nil {
		t.Fatalf("seed Set failed: %v", err)
	}

	if err := engine.Handle(ctx, Event{Type: UserUpdated, UserID: "u1"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if _, ok, _ := router.Get(ctx, key); ok {
		t.Fatal("expected immediate strategy to invalidate the key synchronously")
	}
	stats := engine.GetStats()
	if stats.ImmediateInvalidations != 1 {
		t.Fatalf("expected 1 immediate invalidation, got %d", stats.ImmediateInvalidations)
	}
}

func TestHandleDelayedStrategyQueuesUntilDrained(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: TransactionCompleted, UserID: "u1"})[0]
	_ = router.Set(ctx, key, []byte("v"), time.Hour)

	if err := engine.Handle(ctx, Event{Type: TransactionCompleted, UserID: "u1"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if _, ok, _ := router.Get(ctx, key); !ok {
		t.Fatal("a delayed strategy must not invalidate before its delay elapses")
	}
	stats := engine.GetStats()
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending entry, got %d", stats.PendingCount)
	}

	// Force the pending entry's schedule into the past and drain.
	engine.pendingMu.Lock()
	engine.pending[0].ScheduledAt = time.Now().Add(-time.Second)
	engine.pendingMu.Unlock()

	drained := engine.ProcessPending(ctx)
	if drained != 1 {
		t.Fatalf("expected 1 drained entry, got %d", drained)
	}
	if _, ok, _ := router.Get(ctx, key); ok {
		t.Fatal("expected key to be invalidated after drain")
	}
}

func TestHandleConditionalAgeThresholdNotYetSatisfied(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: AssetPriceUpdated, Symbol: "BTC"})[0]
	_ = router.Set(ctx, key, []byte("50000"), time.Hour)

	engine.AddRule("asset_price", Strategy{Kind: Conditional, Condition: Condition{Kind: AgeThreshold, Age: time.Hour}})

	if err := engine.Handle(ctx, Event{Type: AssetPriceUpdated, Symbol: "BTC"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, ok, _ := router.Get(ctx, key); !ok {
		t.Fatal("condition not yet satisfied; key must remain cached")
	}
}

func TestHandleConditionalAgeThresholdSatisfied(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: AssetPriceUpdated, Symbol: "ETH"})[0]
	_ = router.Set(ctx, key, []byte("3000"), time.Hour)

	engine.AddRule("asset_price", Strategy{Kind: Conditional, Condition: Condition{Kind: AgeThreshold, Age: 0}})

	if err := engine.Handle(ctx, Event{Type: AssetPriceUpdated, Symbol: "ETH"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, ok, _ := router.Get(ctx, key); ok {
		t.Fatal("zero-duration age threshold must always be satisfied")
	}
}

func TestHandleConditionalCustomPredicate(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: MarketDataUpdated, Symbol: "SOL"})[0]
	_ = router.Set(ctx, key, []byte("v"), time.Hour)

	engine.AddRule("market_data", Strategy{Kind: Conditional, Condition: Condition{Kind: Custom, Name: "always-true"}})
	engine.RegisterCustomPredicate("always-true", func(ctx context.Context, event Event) bool { return true })

	if err := engine.Handle(ctx, Event{Type: MarketDataUpdated, Symbol: "SOL"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, ok, _ := router.Get(ctx, key); ok {
		t.Fatal("expected custom predicate to trigger invalidation")
	}
}

func TestHandleConditionalUnregisteredCustomPredicateErrors(t *testing.T) {
	engine, _ := newTestEngine()
	engine.AddRule("market_data", Strategy{Kind: Conditional, Condition: Condition{Kind: Custom, Name: "missing"}})

	err := engine.Handle(context.Background(), Event{Type: MarketDataUpdated, Symbol: "SOL"})
	if err == nil {
		t.Fatal("expected an error for an unregistered custom predicate")
	}
}

func TestHandleNoOpStrategyLeavesKeyUntouched(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: SystemConfigChanged, Config: "rate-limit"})[0]
	_ = router.Set(ctx, key, []byte("v"), time.Hour)

	if err := engine.Handle(ctx, Event{Type: SystemConfigChanged, Config: "rate-limit"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, ok, _ := router.Get(ctx, key); !ok {
		t.Fatal("NoOp strategy must never invalidate")
	}
	if engine.GetStats().NoopInvalidations != 1 {
		t.Fatal("expected NoopInvalidations counter to increment")
	}
}

func TestBulkUserUpdateAboveThresholdProducesPattern(t *testing.T) {
	ids := make([]string, 11)
	for i := range ids {
		ids[i] = "u"
	}
	pattern, ok := patternForEvent(Event{Type: BulkUserUpdate, UserIDs: ids})
	if !ok || pattern != "session:*" {
		t.Fatalf("expected session:* pattern, got %q ok=%v", pattern, ok)
	}
}

func TestBulkUserUpdateAtThresholdProducesNoPattern(t *testing.T) {
	ids := make([]string, 10)
	_, ok := patternForEvent(Event{Type: BulkUserUpdate, UserIDs: ids})
	if ok {
		t.Fatal("exactly 10 users must not cross the >10 threshold")
	}
}

func TestBulkPriceUpdateInvalidatesAllMatchingKeysOnRouter(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%d", i)
		key := keycatalog.New(keycatalog.AssetPrice, symbols[i])
		if err := router.Set(ctx, key, []byte("v"), time.Hour); err != nil {
			t.Fatalf("seed Set failed: %v", err)
		}
	}
	// A key outside the bulk pattern's prefix must survive.
	unrelated := keycatalog.New(keycatalog.MarketData, "BTC")
	_ = router.Set(ctx, unrelated, []byte("v"), time.Hour)

	if err := engine.Handle(ctx, Event{Type: BulkPriceUpdate, Symbols: symbols}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	for _, sym := range symbols {
		key := keycatalog.New(keycatalog.AssetPrice, sym)
		if _, ok, _ := router.Get(ctx, key); ok {
			t.Fatalf("expected %s to be invalidated by the price:* bulk pattern", key.CanonicalString())
		}
	}
	if _, ok, _ := router.Get(ctx, unrelated); !ok {
		t.Fatal("expected a key outside the price:* pattern to survive")
	}
	if stats := engine.GetStats(); stats.CacheEntriesInvalidated < 10 {
		t.Fatalf("expected at least 10 entries invalidated, got %d", stats.CacheEntriesInvalidated)
	}
}

func TestBulkUserUpdateInvalidatesAllMatchingKeysOnRouter(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%d", i)
		key := keycatalog.New(keycatalog.UserSession, ids[i])
		if err := router.Set(ctx, key, []byte("v"), time.Hour); err != nil {
			t.Fatalf("seed Set failed: %v", err)
		}
	}

	if err := engine.Handle(ctx, Event{Type: BulkUserUpdate, UserIDs: ids}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	for _, id := range ids {
		key := keycatalog.New(keycatalog.UserSession, id)
		if _, ok, _ := router.Get(ctx, key); ok {
			t.Fatalf("expected %s to be invalidated by the session:* bulk pattern", key.CanonicalString())
		}
	}
}

func TestSystemMaintenanceAlwaysProducesWildcard(t *testing.T) {
	pattern, ok := patternForEvent(Event{Type: SystemMaintenance})
	if !ok || pattern != "*" {
		t.Fatalf("expected wildcard pattern, got %q ok=%v", pattern, ok)
	}
}

func TestRemoveRuleFallsBackToImmediate(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()

	key := keysForEvent(Event{Type: AssetPriceUpdated, Symbol: "BTC"})[0]
	_ = router.Set(ctx, key, []byte("v"), time.Hour)

	engine.RemoveRule("asset_price")
	if err := engine.Handle(ctx, Event{Type: AssetPriceUpdated, Symbol: "BTC"}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if _, ok, _ := router.Get(ctx, key); ok {
		t.Fatal("expected the default-immediate fallback to invalidate the key")
	}
}

func TestClearDiscardsPendingBacklog(t *testing.T) {
	engine, router := newTestEngine()
	ctx := context.Background()
	_ = router.Set(ctx, keysForEvent(Event{Type: TransactionCompleted, UserID: "u1"})[0], []byte("v"), time.Hour)
	_ = engine.Handle(ctx, Event{Type: TransactionCompleted, UserID: "u1"})

	if engine.GetStats().PendingCount != 1 {
		t.Fatal("expected a pending entry before Clear")
	}
	engine.Clear()
	if engine.GetStats().PendingCount != 0 {
		t.Fatal("expected Clear to discard the pending backlog")
	}
}

func TestEventTypeRoundTripsThroughWireName(t *testing.T) {
	for et := range eventTypeNames {
		name := et.String()
		parsed, err := parseEventType(name)
		if err != nil {
			t.Fatalf("parseEventType(%q) failed: %v", name, err)
		}
		if parsed != et {
			t.Fatalf("round trip mismatch for %q: got %v, want %v", name, parsed, et)
		}
	}
}

func TestParseEventTypeRejectsUnknownName(t *testing.T) {
	if _, err := parseEventType("not-a-real-event"); err == nil {
		t.Fatal("expected an error for an unrecognized event type name")
	}
}
