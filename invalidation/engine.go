package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"encore.app/keycatalog"
	"encore.app/monitoring"
	"encore.app/tier"
)

// EventType enumerates the business events InvalidationEngine understands, per
// spec.md §4.5's taxonomy, grounded 1:1 on the original Rust
// cache/invalidation.rs InvalidationEvent enum.
type EventType int

const (
	UserCreated EventType = iota
	UserUpdated
	UserDeleted
	SessionExpired
	PermissionsChanged
	WalletBalanceChanged
	TransactionCompleted
	TransactionFailed
	KycStatusChanged
	ComplianceCheckUpdated
	CardIssued
	CardLimitsChanged
	CardStatusChanged
	AssetPriceUpdated
	MarketDataUpdated
	DefiRateChanged
	PoolDataUpdated
	FeatureFlagChanged
	SystemConfigChanged
	ServiceHealthChanged
	BulkUserUpdate
	BulkPriceUpdate
	SystemMaintenance
)

// Event carries an EventType plus whatever identifiers that event needs to
// resolve to cache keys. Only the fields relevant to the event's Type are set;
// this mirrors the original's per-variant payload without Go's lack of sum types.
type Event struct {
	Type EventType

	UserID   string // Uuid-carrying events
	Symbol   string // AssetPriceUpdated, MarketDataUpdated
	Protocol string // DefiRateChanged
	Pool     string // PoolDataUpdated
	Flag     string // FeatureFlagChanged
	Config   string // SystemConfigChanged
	Service  string // ServiceHealthChanged

	UserIDs []string // BulkUserUpdate
	Symbols []string // BulkPriceUpdate
}

// StrategyKind selects how Engine.Handle dispatches an event, per spec.md §4.5.
type StrategyKind int

const (
	Immediate StrategyKind = iota
	Delayed
	Conditional
	NoOp
)

// ConditionKind selects the predicate a Conditional strategy evaluates.
type ConditionKind int

const (
	AgeThreshold ConditionKind = iota
	AccessThreshold
	Custom
)

// Condition parameterizes a Conditional strategy. Exactly one of Age/Count/Name
// is meaningful, selected by Kind.
type Condition struct {
	Kind ConditionKind
	Age  time.Duration // AgeThreshold
	Count int64         // AccessThreshold
	Name string         // Custom — looked up in Engine's registered predicates
}

// Strategy is the resolved action for a rule key, per spec.md §4.5.
type Strategy struct {
	Kind      StrategyKind
	Delay     time.Duration // meaningful when Kind == Delayed
	Condition Condition     // meaningful when Kind == Conditional
}

// PendingInvalidation is a delayed-strategy entry awaiting drain, per spec.md §3's
// "Pending invalidation" lifecycle.
type PendingInvalidation struct {
	Event       Event
	ScheduledAt time.Time
	Strategy    Strategy
}

// EngineStats mirrors spec.md §3's per-tier Statistics shape for the engine: a
// single reader-writer lock, short critical sections, read-locked snapshots.
type EngineStats struct {
	mu                      sync.RWMutex
	totalEvents             int64
	immediateInvalidations  int64
	delayedInvalidations    int64
	conditionalInvalidations int64
	noopInvalidations       int64
	failedInvalidations     int64
	cacheEntriesInvalidated int64
}

// EngineStatsSnapshot is a read-only copy of EngineStats taken under a read lock.
type EngineStatsSnapshot struct {
	TotalEvents              int64
	ImmediateInvalidations   int64
	DelayedInvalidations     int64
	ConditionalInvalidations int64
	NoopInvalidations        int64
	FailedInvalidations      int64
	CacheEntriesInvalidated  int64
	PendingCount             int
}

// CustomPredicate evaluates a named Custom condition against an event. Engines
// register these explicitly; an event whose rule names an unregistered
// predicate makes Handle return an error.
type CustomPredicate func(ctx context.Context, event Event) bool

// Engine is the InvalidationEngine of spec.md §4.5: it maps business events to
// key sets and patterns, resolves a strategy per event, and either executes
// immediately or enqueues a delayed entry drained by ProcessPending. It is new
// in this port, grounded on the original Rust cache/invalidation.rs
// CacheInvalidationManager, rebuilt against tier.Router instead of the original's
// Cache trait object.
type Engine struct {
	router *tier.Router

	rulesMu sync.RWMutex
	rules   map[string]Strategy

	pendingMu sync.Mutex
	pending   []PendingInvalidation

	predicatesMu sync.RWMutex
	predicates   map[string]CustomPredicate

	stats EngineStats
}

// NewEngine constructs an Engine wired to router, pre-populated with spec.md
// §4.5's default rule table.
func NewEngine(router *tier.Router) *Engine {
	e := &Engine{
		router:     router,
		rules:      defaultRules(),
		predicates: make(map[string]CustomPredicate),
	}
	return e
}

// defaultRules returns spec.md §4.5's default rule assignments, verified against
// the original's setup_default_rules.
func defaultRules() map[string]Strategy {
	return map[string]Strategy{
		"user_session":     {Kind: Immediate},
		"user_permissions": {Kind: Immediate},
		"wallet_balance":   {Kind: Immediate},
		"card_limits":      {Kind: Immediate},
		"kyc_status":       {Kind: Immediate},

		"transaction_history": {Kind: Delayed, Delay: 30 * time.Second},
		"spending_insights":   {Kind: Delayed, Delay: 60 * time.Second},
		"user_analytics":      {Kind: Delayed, Delay: 120 * time.Second},

		"asset_price": {Kind: Conditional, Condition: Condition{Kind: AgeThreshold, Age: 60 * time.Second}},
		"market_data": {Kind: Conditional, Condition: Condition{Kind: AgeThreshold, Age: 300 * time.Second}},

		"system_config": {Kind: NoOp},
		"feature_flags": {Kind: NoOp},
	}
}

// ruleKeyFor resolves an event to the rule key spec.md §4.5's table indexes by.
func ruleKeyFor(event Event) string {
	switch event.Type {
	case UserCreated, UserUpdated, UserDeleted, SessionExpired:
		return "user_session"
	case PermissionsChanged:
		return "user_permissions"
	case WalletBalanceChanged:
		return "wallet_balance"
	case TransactionCompleted, TransactionFailed:
		return "transaction_history"
	case KycStatusChanged, ComplianceCheckUpdated:
		return "kyc_status"
	case CardLimitsChanged, CardIssued, CardStatusChanged:
		return "card_limits"
	case AssetPriceUpdated:
		return "asset_price"
	case MarketDataUpdated, DefiRateChanged, PoolDataUpdated:
		return "market_data"
	case FeatureFlagChanged:
		return "feature_flags"
	case SystemConfigChanged:
		return "system_config"
	default:
		return "default"
	}
}

// keysForEvent maps an event to the concrete keys it invalidates, per spec.md
// §4.5's "Event -> keys" table and the original's get_cache_keys_for_event.
func keysForEvent(event Event) []keycatalog.Key {
	switch event.Type {
	case UserCreated, UserUpdated, UserDeleted, SessionExpired:
		return []keycatalog.Key{
			keycatalog.New(keycatalog.UserSession, event.UserID),
			keycatalog.New(keycatalog.UserPermissions, event.UserID),
			keycatalog.New(keycatalog.UserAnalytics, event.UserID),
		}
	case PermissionsChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.UserPermissions, event.UserID)}
	case WalletBalanceChanged:
		return []keycatalog.Key{
			keycatalog.New(keycatalog.WalletBalance, event.UserID),
			keycatalog.New(keycatalog.PendingTransactions, event.UserID),
		}
	case TransactionCompleted, TransactionFailed:
		return []keycatalog.Key{
			keycatalog.New(keycatalog.TransactionHistory, event.UserID),
			keycatalog.New(keycatalog.WalletBalance, event.UserID),
			keycatalog.New(keycatalog.SpendingInsights, event.UserID),
		}
	case KycStatusChanged, ComplianceCheckUpdated:
		return []keycatalog.Key{
			keycatalog.New(keycatalog.KycStatus, event.UserID),
			keycatalog.New(keycatalog.ComplianceCheck, event.UserID),
		}
	case CardIssued, CardLimitsChanged, CardStatusChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.CardLimits, event.UserID)}
	case AssetPriceUpdated:
		return []keycatalog.Key{
			keycatalog.New(keycatalog.AssetPrice, event.Symbol),
			keycatalog.New(keycatalog.MarketData, event.Symbol),
		}
	case MarketDataUpdated:
		return []keycatalog.Key{keycatalog.New(keycatalog.MarketData, event.Symbol)}
	case DefiRateChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.DefiRate, event.Protocol)}
	case PoolDataUpdated:
		return []keycatalog.Key{keycatalog.New(keycatalog.PoolData, event.Pool)}
	case FeatureFlagChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.FeatureFlags, event.Flag)}
	case SystemConfigChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.SystemConfig, event.Config)}
	case ServiceHealthChanged:
		return []keycatalog.Key{keycatalog.New(keycatalog.ServiceHealth, event.Service)}
	default:
		return nil
	}
}

// ResolveKeys exposes keysForEvent for callers (the Service's API layer) that
// need to build the wire InvalidationEvent's MatchedKeys independently of
// Handle's own execution.
func ResolveKeys(event Event) []keycatalog.Key {
	return keysForEvent(event)
}

// ResolvePattern exposes patternForEvent for the same reason as ResolveKeys.
func ResolvePattern(event Event) (string, bool) {
	return patternForEvent(event)
}

// patternForEvent returns the bulk invalidation pattern a bulk-shaped event
// contributes, per spec.md §4.5's thresholds (>10 users, >5 symbols, or any
// system-maintenance event).
func patternForEvent(event Event) (string, bool) {
	switch event.Type {
	case BulkUserUpdate:
		if len(event.UserIDs) > 10 {
			return "session:*", true
		}
	case BulkPriceUpdate:
		if len(event.Symbols) > 5 {
			return "price:*", true
		}
	case SystemMaintenance:
		return "*", true
	}
	return "", false
}

// strategyFor resolves an event's rule key to a Strategy, defaulting to
// Immediate when no rule matches, per spec.md §4.5.
func (e *Engine) strategyFor(event Event) Strategy {
	key := ruleKeyFor(event)
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	if s, ok := e.rules[key]; ok {
		return s
	}
	return Strategy{Kind: Immediate}
}

// Handle resolves event's strategy and dispatches it, per spec.md §4.5's
// "execution" algorithm. It returns an error only if dispatch itself fails
// (e.g. an unrecognized Custom condition); partial tier failures are counted,
// not propagated, matching spec.md §7's degrade-gracefully policy.
func (e *Engine) Handle(ctx context.Context, event Event) error {
	e.stats.mu.Lock()
	e.stats.totalEvents++
	e.stats.mu.Unlock()

	strategy := e.strategyFor(event)

	switch strategy.Kind {
	case Immediate:
		invalidated := e.executeInvalidation(ctx, event)
		e.stats.mu.Lock()
		e.stats.immediateInvalidations++
		e.stats.cacheEntriesInvalidated += int64(invalidated)
		e.stats.mu.Unlock()
		return nil

	case Delayed:
		e.pendingMu.Lock()
		e.pending = append(e.pending, PendingInvalidation{
			Event:       event,
			ScheduledAt: time.Now().Add(strategy.Delay),
			Strategy:    strategy,
		})
		e.pendingMu.Unlock()
		e.stats.mu.Lock()
		e.stats.delayedInvalidations++
		e.stats.mu.Unlock()
		return nil

	case Conditional:
		satisfied, err := e.evaluateCondition(ctx, event, strategy.Condition)
		if err != nil {
			return fmt.Errorf("invalidation: evaluating condition: %w", err)
		}
		e.stats.mu.Lock()
		e.stats.conditionalInvalidations++
		e.stats.mu.Unlock()
		if !satisfied {
			return nil
		}
		invalidated := e.executeInvalidation(ctx, event)
		e.stats.mu.Lock()
		e.stats.cacheEntriesInvalidated += int64(invalidated)
		e.stats.mu.Unlock()
		return nil

	default: // NoOp
		e.stats.mu.Lock()
		e.stats.noopInvalidations++
		e.stats.mu.Unlock()
		return nil
	}
}

// evaluateCondition resolves spec.md §9's "Resolved Open Question": conditions
// are honored for real rather than always executing immediate invalidation.
// AgeThreshold and AccessThreshold read per-key metadata from the router's
// LocalTier (the only tier that tracks it); an event naming no single key (bulk
// or system events routed through Conditional, which the default table never
// does) is treated as satisfied, matching the original's behavior for unmatched
// variants.
func (e *Engine) evaluateCondition(ctx context.Context, event Event, cond Condition) (bool, error) {
	switch cond.Kind {
	case AgeThreshold:
		keys := keysForEvent(event)
		if len(keys) == 0 {
			return true, nil
		}
		createdAt, _, found := e.router.EntryMeta(keys[0])
		if !found {
			return true, nil // nothing cached to protect; treat as satisfied
		}
		return time.Since(createdAt) >= cond.Age, nil

	case AccessThreshold:
		keys := keysForEvent(event)
		if len(keys) == 0 {
			return true, nil
		}
		_, accessCount, found := e.router.EntryMeta(keys[0])
		if !found {
			return true, nil
		}
		return accessCount >= cond.Count, nil

	case Custom:
		e.predicatesMu.RLock()
		pred, ok := e.predicates[cond.Name]
		e.predicatesMu.RUnlock()
		if !ok {
			return false, fmt.Errorf("invalidation: no custom predicate registered for %q", cond.Name)
		}
		return pred(ctx, event), nil

	default:
		return true, nil
	}
}

// RegisterCustomPredicate associates a named predicate with Custom conditional
// strategies. Call before Handle dispatches an event naming it.
func (e *Engine) RegisterCustomPredicate(name string, pred CustomPredicate) {
	e.predicatesMu.Lock()
	defer e.predicatesMu.Unlock()
	e.predicates[name] = pred
}

// executeInvalidation deletes every key keysForEvent names and runs a bulk
// pattern delete if the event contributes one, per spec.md §4.5's execution
// step. It returns the total number of cache entries invalidated across both.
func (e *Engine) executeInvalidation(ctx context.Context, event Event) int {
	started := time.Now()
	total := 0
	pattern := ""
	for _, key := range keysForEvent(event) {
		if err := e.router.Delete(ctx, key); err != nil {
			e.stats.mu.Lock()
			e.stats.failedInvalidations++
			e.stats.mu.Unlock()
			continue
		}
		total++
	}
	if p, ok := patternForEvent(event); ok {
		pattern = p
		total += e.router.InvalidatePattern(ctx, pattern)
	}

	_, _ = monitoring.InvalidationMetricsTopic.Publish(ctx, &monitoring.InvalidationMetricEvent{
		Pattern:     pattern,
		KeysCount:   total,
		DurationMs:  time.Since(started).Milliseconds(),
		TriggeredBy: event.Type.String(),
		Timestamp:   time.Now(),
	})
	return total
}

// ProcessPending drains every delayed entry whose scheduled time has elapsed,
// per spec.md §4.5's "Drain" algorithm: qualifying entries are extracted under
// a short lock, then executed without the lock held. It is idempotent against
// an empty backlog and returns the number of entries drained.
func (e *Engine) ProcessPending(ctx context.Context) int {
	now := time.Now()

	e.pendingMu.Lock()
	var ready []PendingInvalidation
	remaining := e.pending[:0]
	for _, p := range e.pending {
		if !p.ScheduledAt.After(now) {
			ready = append(ready, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.pending = remaining
	e.pendingMu.Unlock()

	for _, p := range ready {
		invalidated := e.executeInvalidation(ctx, p.Event)
		e.stats.mu.Lock()
		e.stats.cacheEntriesInvalidated += int64(invalidated)
		e.stats.mu.Unlock()
	}
	return len(ready)
}

// AddRule installs or overwrites a rule for ruleKey.
func (e *Engine) AddRule(ruleKey string, strategy Strategy) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.rules[ruleKey] = strategy
}

// RemoveRule deletes a rule, causing that rule key to fall back to the
// Immediate default.
func (e *Engine) RemoveRule(ruleKey string) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	delete(e.rules, ruleKey)
}

// GetStats returns a consistent snapshot of the engine's counters and current
// pending backlog size.
func (e *Engine) GetStats() EngineStatsSnapshot {
	e.stats.mu.RLock()
	snap := EngineStatsSnapshot{
		TotalEvents:              e.stats.totalEvents,
		ImmediateInvalidations:   e.stats.immediateInvalidations,
		DelayedInvalidations:     e.stats.delayedInvalidations,
		ConditionalInvalidations: e.stats.conditionalInvalidations,
		NoopInvalidations:        e.stats.noopInvalidations,
		FailedInvalidations:      e.stats.failedInvalidations,
		CacheEntriesInvalidated:  e.stats.cacheEntriesInvalidated,
	}
	e.stats.mu.RUnlock()

	e.pendingMu.Lock()
	snap.PendingCount = len(e.pending)
	e.pendingMu.Unlock()
	return snap
}

// Clear discards the pending backlog, per spec.md §5's "delayed invalidations
// are canceled implicitly by clear() on the engine."
func (e *Engine) Clear() {
	e.pendingMu.Lock()
	e.pending = nil
	e.pendingMu.Unlock()
}
