package invalidation

import "fmt"

// eventTypeNames is the wire vocabulary for EventType, used by HandleEvent's
// request/response JSON and by AddRule/RemoveRule's public API.
var eventTypeNames = map[EventType]string{
	UserCreated:            "user_created",
	UserUpdated:            "user_updated",
	UserDeleted:            "user_deleted",
	SessionExpired:         "session_expired",
	PermissionsChanged:     "permissions_changed",
	WalletBalanceChanged:   "wallet_balance_changed",
	TransactionCompleted:   "transaction_completed",
	TransactionFailed:      "transaction_failed",
	KycStatusChanged:       "kyc_status_changed",
	ComplianceCheckUpdated: "compliance_check_updated",
	CardIssued:             "card_issued",
	CardLimitsChanged:      "card_limits_changed",
	CardStatusChanged:      "card_status_changed",
	AssetPriceUpdated:      "asset_price_updated",
	MarketDataUpdated:      "market_data_updated",
	DefiRateChanged:        "defi_rate_changed",
	PoolDataUpdated:        "pool_data_updated",
	FeatureFlagChanged:     "feature_flag_changed",
	SystemConfigChanged:    "system_config_changed",
	ServiceHealthChanged:   "service_health_changed",
	BulkUserUpdate:         "bulk_user_update",
	BulkPriceUpdate:        "bulk_price_update",
	SystemMaintenance:      "system_maintenance",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// parseEventType resolves the wire name back to an EventType.
func parseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("invalidation: unrecognized event type %q", name)
}
