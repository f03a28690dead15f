package cachemanager

import (
	"context"
	"encoding/json"
	"time"

	"encore.dev/pubsub"

	"encore.app/invalidation"
	"encore.app/keycatalog"
)

// RefreshEvent represents a cache refresh command broadcast to all instances.
type RefreshEvent struct {
	Key       string          `json:"key"`       // Key to refresh, "<category_tag>:<id>"
	Value     json.RawMessage `json:"value"`     // New value to cache (JSON)
	TTL       int             `json:"ttl"`       // TTL in seconds
	Timestamp time.Time       `json:"timestamp"` // When refresh was triggered
	Priority  string          `json:"priority"`  // "critical", "high", "normal"
}

// Pub/Sub topic definitions for cache coordination.
var CacheRefreshTopic = pubsub.NewTopic[*RefreshEvent](
	"cache-refresh",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to cache invalidation events from other instances.
// This ensures eventual consistency across all cache-manager instances.
var _ = pubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent processes invalidation events from other cache instances.
// This handler is triggered when any instance publishes an invalidation event,
// including invalidation.Service's own broadcasts from HandleEvent.
func HandleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}

	for _, key := range event.MatchedKeys {
		parsed, ok := keycatalog.ParseKey(key)
		if !ok {
			continue
		}
		if err := svc.router.Delete(ctx, parsed); err == nil {
			svc.metrics.Deletes.Add(1)
		}
	}

	if event.Pattern != "" {
		deleted := svc.router.InvalidatePattern(ctx, event.Pattern)
		svc.metrics.Deletes.Add(int64(deleted))
	}

	return nil
}

// Subscribe to cache refresh events from the warming service.
var _ = pubsub.NewSubscription(
	CacheRefreshTopic,
	"cache-manager-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: HandleRefreshEvent,
	},
)

// HandleRefreshEvent processes cache refresh events from the warming service,
// proactively populating the local/remote tiers with freshly warmed data.
func HandleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil {
		return nil
	}

	parsed, ok := keycatalog.ParseKey(event.Key)
	if !ok {
		return nil
	}

	ttl := time.Duration(event.TTL) * time.Second
	if err := svc.router.Set(ctx, parsed, event.Value, ttl); err != nil {
		return err
	}
	svc.metrics.Sets.Add(1)
	return nil
}

// PublishInvalidation publishes an invalidation event to all instances.
// This is called internally after local invalidation to coordinate with other nodes.
func (s *Service) PublishInvalidation(ctx context.Context, keys []string, pattern string) error {
	event := &invalidation.InvalidationEvent{
		Pattern:     pattern,
		MatchedKeys: keys,
		TriggeredBy: "cache_manager",
		Timestamp:   time.Now(),
	}
	_, err := invalidation.CacheInvalidateTopic.Publish(ctx, event)
	return err
}

// PublishRefresh publishes a refresh event for key to all instances.
func (s *Service) PublishRefresh(ctx context.Context, key string, value json.RawMessage, ttl int) error {
	event := &RefreshEvent{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		Timestamp: time.Now(),
		Priority:  "normal",
	}
	_, err := CacheRefreshTopic.Publish(ctx, event)
	return err
}
