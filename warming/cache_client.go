package warming

import (
	"context"
	"encoding/json"
	"time"

	cachemanager "encore.app/cache-manager"
)

// gatewayCacheClient adapts cache-manager's public Set endpoint to the CacheClient
// interface ExecuteWarmTask writes through. Warming never touches tier.Router
// directly: routing a warmed value through the same gateway normal traffic uses
// keeps cache-manager's hit/miss/set counters and invalidation broadcast wiring
// (cache-manager/subscriptions.go) accurate for warmed entries too.
type gatewayCacheClient struct{}

func (gatewayCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var decoded interface{}
	if err := json.Unmarshal(value, &decoded); err != nil {
		// Origin fetchers that don't return JSON still get stored, just opaque to
		// cache-manager's JSON-typed GetResponse.Value; fall back to a string.
		decoded = string(value)
	}
	_, err := cachemanager.Set(ctx, key, &cachemanager.SetRequest{
		Value: decoded,
		TTL:   int(ttl.Seconds()),
	})
	return err
}
