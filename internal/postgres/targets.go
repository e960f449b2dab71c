package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
)

const targetColumns = `t.id, t.kind, t.created_at, t.last_used_at, t.refresh_requested_at, t.last_attempted_at`

// eligibleWhere selects targets needing a fetch from $1. Parameters:
// $1 source, $2 kind ('' for any), $3 active-since (NULL for any),
// $4 explicit ids (NULL for any), $5 now.
const eligibleWhere = `
	FROM targets t
	LEFT JOIN cache_entries c ON c.target_id = t.id AND c.source_id = $1
	WHERE ($2::text = '' OR t.kind = $2)
	  AND ($3::timestamptz IS NULL OR t.last_used_at >= $3)
	  AND ($4::text[] IS NULL OR t.id = ANY($4))
	  AND NOT EXISTS (
		SELECT 1 FROM ingestion_tasks q
		WHERE q.target_id = t.id
		  AND q.source_ids[1] = $1
		  AND q.status IN ('pending', 'in_progress')
	  )
	  AND (c.target_id IS NULL
	       OR c.valid_until <= $5
	       OR t.refresh_requested_at > c.fetched_at)`

// Targets is the targets table plus the eligibility query.
type Targets struct {
	pool *pgxpool.Pool
}

var _ queue.Targets = (*Targets)(nil)

func NewTargets(pool *pgxpool.Pool) *Targets {
	return &Targets{pool: pool}
}

func (r *Targets) EnsureTarget(ctx context.Context, targetID, kind string, at time.Time) (*domain.Target, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO targets (id, kind, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, targetID, kind, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure target %s: %w", targetID, err)
	}
	return r.Target(ctx, targetID)
}

func (r *Targets) Target(ctx context.Context, targetID string) (*domain.Target, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets t WHERE t.id = $1`, targetID)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TargetNotFoundError{TargetID: targetID}
		}
		return nil, fmt.Errorf("get target %s: %w", targetID, err)
	}
	return t, nil
}

func (r *Targets) MarkUsed(ctx context.Context, targetID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE targets SET last_used_at = $2, refresh_requested_at = $2 WHERE id = $1
	`, targetID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark target %s used: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TargetNotFoundError{TargetID: targetID}
	}
	return nil
}

func (r *Targets) RecordTargetAttempt(ctx context.Context, targetID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE targets SET last_attempted_at = $2 WHERE id = $1`, targetID, at.UTC())
	if err != nil {
		return fmt.Errorf("record attempt for target %s: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.TargetNotFoundError{TargetID: targetID}
	}
	return nil
}

func (r *Targets) Eligible(ctx context.Context, q queue.EligibilityQuery) ([]domain.Target, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	args := append(eligibleArgs(q), limit)
	rows, err := r.pool.Query(ctx, `
		SELECT `+targetColumns+eligibleWhere+`
		ORDER BY (t.refresh_requested_at IS NOT NULL AND
		          (t.last_attempted_at IS NULL OR t.refresh_requested_at > t.last_attempted_at)) DESC,
		         t.last_attempted_at ASC NULLS FIRST,
		         t.created_at DESC,
		         t.id
		LIMIT $6
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("eligible targets for %s: %w", q.SourceID, err)
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *Targets) CountEligible(ctx context.Context, q queue.EligibilityQuery) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*)`+eligibleWhere, eligibleArgs(q)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count eligible targets for %s: %w", q.SourceID, err)
	}
	return n, nil
}

func eligibleArgs(q queue.EligibilityQuery) []any {
	var since, ids any
	if q.ActiveSince != nil {
		since = q.ActiveSince.UTC()
	}
	if len(q.TargetIDs) > 0 {
		ids = q.TargetIDs
	}
	return []any{q.SourceID, q.TargetKind, since, ids, q.Now.UTC()}
}

func scanTarget(row interface {
	Scan(...any) error
}) (*domain.Target, error) {
	var t domain.Target
	if err := row.Scan(&t.ID, &t.Kind, &t.CreatedAt, &t.LastUsedAt, &t.RefreshRequestedAt, &t.LastAttemptedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
