package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Cache is the durable cache_entries table.
type Cache struct {
	pool *pgxpool.Pool
}

var _ cache.Store = (*Cache)(nil)

func NewCache(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

func (c *Cache) Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error) {
	var (
		e       domain.CacheEntry
		payload []byte
	)
	err := c.pool.QueryRow(ctx, `
		SELECT target_id, source_id, payload, content_fingerprint, fetched_at, valid_until, last_validated_on_use_at
		FROM cache_entries
		WHERE target_id = $1 AND source_id = $2
	`, targetID, sourceID).Scan(
		&e.TargetID, &e.SourceID, &payload, &e.ContentFingerprint,
		&e.FetchedAt, &e.ValidUntil, &e.LastValidatedOnUseAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
		}
		return nil, fmt.Errorf("get cache entry %s/%s: %w", sourceID, targetID, err)
	}
	e.Payload = domain.Payload(payload)
	return &e, nil
}

func (c *Cache) Put(ctx context.Context, e *domain.CacheEntry) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO cache_entries
			(target_id, source_id, payload, content_fingerprint, fetched_at, valid_until, last_validated_on_use_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id, source_id) DO UPDATE SET
			payload                  = EXCLUDED.payload,
			content_fingerprint      = EXCLUDED.content_fingerprint,
			fetched_at               = EXCLUDED.fetched_at,
			valid_until              = EXCLUDED.valid_until,
			last_validated_on_use_at = COALESCE(EXCLUDED.last_validated_on_use_at, cache_entries.last_validated_on_use_at)
	`,
		e.TargetID, e.SourceID, []byte(e.Payload), e.ContentFingerprint,
		e.FetchedAt.UTC(), e.ValidUntil.UTC(), e.LastValidatedOnUseAt,
	)
	if err != nil {
		return fmt.Errorf("put cache entry %s/%s: %w", e.SourceID, e.TargetID, err)
	}
	return nil
}

func (c *Cache) Touch(ctx context.Context, targetID, sourceID string, fetchedAt, validUntil time.Time) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE cache_entries SET fetched_at = $3, valid_until = $4
		WHERE target_id = $1 AND source_id = $2
	`, targetID, sourceID, fetchedAt.UTC(), validUntil.UTC())
	if err != nil {
		return fmt.Errorf("touch cache entry %s/%s: %w", sourceID, targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
	}
	return nil
}

func (c *Cache) MarkValidatedOnUse(ctx context.Context, targetID, sourceID string, at time.Time) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE cache_entries SET last_validated_on_use_at = $3
		WHERE target_id = $1 AND source_id = $2
	`, targetID, sourceID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark cache entry %s/%s validated: %w", sourceID, targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
	}
	return nil
}
