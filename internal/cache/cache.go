// Package cache defines the enrichment cache contract and the read-through
// composition used by readers.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Store is the durable (target, source) → entry map. Put replaces any prior
// entry for the same key.
type Store interface {
	Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	Touch(ctx context.Context, targetID, sourceID string, fetchedAt, validUntil time.Time) error
	MarkValidatedOnUse(ctx context.Context, targetID, sourceID string, at time.Time) error
}

// HotCache is a lossy copy of entries used only to speed up reads.
type HotCache interface {
	Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error)
	Set(ctx context.Context, entry *domain.CacheEntry) error
	Invalidate(ctx context.Context, targetID, sourceID string) error
}

// IsValid reports whether entry is still inside its validity window.
// Validity only steers background refresh; readers are always served.
func IsValid(entry *domain.CacheEntry, now time.Time) bool {
	return entry != nil && now.Before(entry.ValidUntil)
}

// IsMiss reports whether err means no entry exists.
func IsMiss(err error) bool {
	var miss *domain.CacheMissError
	return errors.As(err, &miss)
}

// NewEntry builds the entry for a successful fetch at fetchedAt.
func NewEntry(targetID, sourceID string, payload []byte, fp string, fetchedAt time.Time, ttl time.Duration) *domain.CacheEntry {
	return &domain.CacheEntry{
		TargetID:           targetID,
		SourceID:           sourceID,
		Payload:            domain.Payload(payload),
		ContentFingerprint: fp,
		FetchedAt:          fetchedAt,
		ValidUntil:         fetchedAt.Add(ttl),
	}
}

type readThrough struct {
	durable Store
	hot     HotCache
	logger  *slog.Logger
}

// ReadThrough serves reads from hot first and falls back to durable. Writes go
// to durable and then drop the hot copy. Hot-layer errors never fail a call.
func ReadThrough(durable Store, hot HotCache, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &readThrough{durable: durable, hot: hot, logger: logger}
}

func (r *readThrough) Get(ctx context.Context, targetID, sourceID string) (*domain.CacheEntry, error) {
	if e, err := r.hot.Get(ctx, targetID, sourceID); err == nil {
		return e, nil
	} else if !IsMiss(err) {
		r.logger.Warn("hot cache read failed", slog.String("target_id", targetID),
			slog.String("source_id", sourceID), slog.String("error", err.Error()))
	}

	e, err := r.durable.Get(ctx, targetID, sourceID)
	if err != nil {
		return nil, err
	}
	if err := r.hot.Set(ctx, e); err != nil {
		r.logger.Warn("hot cache fill failed", slog.String("target_id", targetID),
			slog.String("source_id", sourceID), slog.String("error", err.Error()))
	}
	return e, nil
}

func (r *readThrough) Put(ctx context.Context, entry *domain.CacheEntry) error {
	if err := r.durable.Put(ctx, entry); err != nil {
		return err
	}
	r.invalidate(ctx, entry.TargetID, entry.SourceID)
	return nil
}

func (r *readThrough) Touch(ctx context.Context, targetID, sourceID string, fetchedAt, validUntil time.Time) error {
	if err := r.durable.Touch(ctx, targetID, sourceID, fetchedAt, validUntil); err != nil {
		return err
	}
	r.invalidate(ctx, targetID, sourceID)
	return nil
}

func (r *readThrough) MarkValidatedOnUse(ctx context.Context, targetID, sourceID string, at time.Time) error {
	if err := r.durable.MarkValidatedOnUse(ctx, targetID, sourceID, at); err != nil {
		return err
	}
	r.invalidate(ctx, targetID, sourceID)
	return nil
}

func (r *readThrough) invalidate(ctx context.Context, targetID, sourceID string) {
	if err := r.hot.Invalidate(ctx, targetID, sourceID); err != nil {
		r.logger.Warn("hot cache invalidate failed", slog.String("target_id", targetID),
			slog.String("source_id", sourceID), slog.String("error", err.Error()))
	}
}
