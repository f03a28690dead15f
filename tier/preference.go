package tier

import "encore.app/keycatalog"

// Preference is the static per-category tier routing decision spec.md §4.4 fixes.
type Preference int

const (
	PreferLocal Preference = iota
	PreferRemote
	PreferBoth
)

// preferences maps each category to its tier preference. Small, high-frequency,
// session-like, health-like categories prefer Local; large or lower-frequency
// categories (documents, history, analytics, insights) prefer Remote; everything
// else reads Remote-first with Local fallback and writes to both.
var preferences = map[keycatalog.Category]Preference{
	keycatalog.UserSession:         PreferLocal,
	keycatalog.ServiceHealth:       PreferLocal,
	keycatalog.PendingTransactions: PreferLocal,

	keycatalog.TransactionHistory: PreferRemote,
	keycatalog.UserAnalytics:      PreferRemote,
	keycatalog.SpendingInsights:   PreferRemote,
	keycatalog.ComplianceCheck:    PreferRemote,
}

// PreferenceFor returns the tier preference for a category, defaulting to Both.
func PreferenceFor(category keycatalog.Category) Preference {
	if p, ok := preferences[category]; ok {
		return p
	}
	return PreferBoth
}
