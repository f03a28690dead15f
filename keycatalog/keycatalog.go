// Package keycatalog enumerates the categories of data this system caches and fixes,
// for each, a canonical textual key form, a stable metrics label, and a default TTL.
//
// The catalog is pure: no I/O, no locks, no mutable state. Every tier and the router
// consult it only to turn a typed Key into the string both tiers actually store.
package keycatalog

import (
	"fmt"
	"strings"
	"time"
)

// Category identifies a class of cacheable data. Each category has a fixed TTL tier
// and canonical tag; see the default_ttl/category_tag table below.
type Category int

const (
	UserSession Category = iota
	UserPermissions
	UserAnalytics
	WalletBalance
	PendingTransactions
	TransactionHistory
	SpendingInsights
	KycStatus
	ComplianceCheck
	CardLimits
	AssetPrice
	MarketData
	DefiRate
	PoolData
	FeatureFlags
	SystemConfig
	ServiceHealth
)

// tags fixes each category's canonical prefix. UserSession and AssetPrice use the
// short forms "session" and "price" rather than "user_session"/"asset_price" to
// match spec.md §4.5's literal bulk-invalidation patterns ("session:*", "price:*")
// and the original Rust source's to_redis_key prefixes
// (original_source/fo3-wallet-api/src/cache/mod.rs) — a category tag that diverges
// from those fixed pattern strings would make Router.InvalidatePattern("price:*")
// match zero stored keys.
var tags = map[Category]string{
	UserSession:         "session",
	UserPermissions:     "user_permissions",
	UserAnalytics:       "user_analytics",
	WalletBalance:       "wallet_balance",
	PendingTransactions: "pending_transactions",
	TransactionHistory:  "transaction_history",
	SpendingInsights:    "spending_insights",
	KycStatus:           "kyc_status",
	ComplianceCheck:     "compliance_check",
	CardLimits:          "card_limits",
	AssetPrice:          "price",
	MarketData:          "market_data",
	DefiRate:            "defi_rate",
	PoolData:            "pool_data",
	FeatureFlags:        "feature_flags",
	SystemConfig:        "system_config",
	ServiceHealth:       "service_health",
}

// defaultTTLs assigns each category to one of the tiers fixed by the data model:
// very volatile (60s), volatile (5m), short (15-30m), medium (1h), long (2-4h),
// session-style (30m-1h).
var defaultTTLs = map[Category]time.Duration{
	AssetPrice:          60 * time.Second,
	ServiceHealth:       60 * time.Second,
	PendingTransactions: 60 * time.Second,

	WalletBalance: 5 * time.Minute,
	MarketData:    5 * time.Minute,
	DefiRate:      5 * time.Minute,
	PoolData:      5 * time.Minute,

	TransactionHistory: 30 * time.Minute,

	UserPermissions:  1 * time.Hour,
	CardLimits:       1 * time.Hour,
	SpendingInsights:  1 * time.Hour,
	ComplianceCheck:  1 * time.Hour,

	SystemConfig:  4 * time.Hour,
	FeatureFlags:  2 * time.Hour,
	UserAnalytics: 2 * time.Hour,

	UserSession: 1 * time.Hour,
	KycStatus:   1 * time.Hour,
}

// Key is a concrete cacheable value: a category plus an identifier. Identifier is
// a UUID string, a symbol/pair, or a free-form name depending on the category.
type Key struct {
	Category Category
	ID       string
}

// New builds a Key for a category and identifier.
func New(category Category, id string) Key {
	return Key{Category: category, ID: id}
}

// CanonicalString returns the deterministic "<category>:<id>" form used by both
// tiers as the opaque storage key and as the pattern-match subject.
func (k Key) CanonicalString() string {
	return fmt.Sprintf("%s:%s", k.CategoryTag(), k.ID)
}

// CategoryTag returns the stable lowercase label used for metrics and invalidation
// rule keys.
func (k Key) CategoryTag() string {
	if tag, ok := tags[k.Category]; ok {
		return tag
	}
	return "unknown"
}

// DefaultTTL returns the category's default time-to-live.
func (k Key) DefaultTTL() time.Duration {
	if ttl, ok := defaultTTLs[k.Category]; ok {
		return ttl
	}
	return 15 * time.Minute
}

// TagDefaultTTL returns the default TTL for a raw category tag, used where only the
// string label is available (e.g. when resolving an invalidation rule key).
func TagDefaultTTL(tag string) time.Duration {
	for cat, t := range tags {
		if t == tag {
			return defaultTTLs[cat]
		}
	}
	return 15 * time.Minute
}

// categoryForTag is the reverse of tags, built once at init for ParseKey.
var categoryForTag = func() map[string]Category {
	m := make(map[string]Category, len(tags))
	for cat, tag := range tags {
		m[tag] = cat
	}
	return m
}()

// ParseKey recovers a Key from the canonical "<category_tag>:<id>" form CanonicalString
// produces. It is the inverse used at HTTP boundaries (cache-manager's gateway API),
// where callers address entries by their opaque string form rather than a typed Key.
// Returns ok=false if the tag prefix doesn't match any known category.
func ParseKey(canonical string) (Key, bool) {
	idx := strings.IndexByte(canonical, ':')
	if idx < 0 {
		return Key{}, false
	}
	tag, id := canonical[:idx], canonical[idx+1:]
	cat, ok := categoryForTag[tag]
	if !ok {
		return Key{}, false
	}
	return Key{Category: cat, ID: id}, true
}
