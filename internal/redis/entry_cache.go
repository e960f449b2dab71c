package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

const defaultEntryTTL = time.Hour

func entryKey(targetID, sourceID string) string {
	return "enrichment:entry:" + sourceID + ":" + targetID
}

// storedEntry keeps the payload as base64 bytes so non-JSON payloads round-trip.
type storedEntry struct {
	TargetID             string     `json:"target_id"`
	SourceID             string     `json:"source_id"`
	Payload              []byte     `json:"payload"`
	ContentFingerprint   string     `json:"content_fingerprint"`
	FetchedAt            time.Time  `json:"fetched_at"`
	ValidUntil           time.Time  `json:"valid_until"`
	LastValidatedOnUseAt *time.Time `json:"last_validated_on_use_at,omitempty"`
}

// EntryCache is a short-lived hot copy of cache entries in front of Postgres.
type EntryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEntryCache creates a Redis-backed hot layer. ttl <= 0 uses one hour.
func NewEntryCache(client *redis.Client, ttl time.Duration) *EntryCache {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &EntryCache{client: client, ttl: ttl}
}

func (c *EntryCache) Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error) {
	data, err := c.client.Get(ctx, entryKey(targetID, sourceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
		}
		return nil, fmt.Errorf("redis get entry %s/%s: %w", sourceID, targetID, err)
	}
	var s storedEntry
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &domain.CacheEntry{
		TargetID:             s.TargetID,
		SourceID:             s.SourceID,
		Payload:              domain.Payload(s.Payload),
		ContentFingerprint:   s.ContentFingerprint,
		FetchedAt:            s.FetchedAt,
		ValidUntil:           s.ValidUntil,
		LastValidatedOnUseAt: s.LastValidatedOnUseAt,
	}, nil
}

func (c *EntryCache) Set(ctx context.Context, e *domain.CacheEntry) error {
	data, err := json.Marshal(storedEntry{
		TargetID:             e.TargetID,
		SourceID:             e.SourceID,
		Payload:              []byte(e.Payload),
		ContentFingerprint:   e.ContentFingerprint,
		FetchedAt:            e.FetchedAt,
		ValidUntil:           e.ValidUntil,
		LastValidatedOnUseAt: e.LastValidatedOnUseAt,
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := c.client.Set(ctx, entryKey(e.TargetID, e.SourceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set entry %s/%s: %w", e.SourceID, e.TargetID, err)
	}
	return nil
}

func (c *EntryCache) Invalidate(ctx context.Context, targetID, sourceID string) error {
	if err := c.client.Del(ctx, entryKey(targetID, sourceID)).Err(); err != nil {
		return fmt.Errorf("redis del entry %s/%s: %w", sourceID, targetID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *EntryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
