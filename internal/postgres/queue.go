package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
)

const taskColumns = `id::text, seq, target_id, target_kind, source_ids, source_index, priority,
	reason, force, status, outcome, attempt_count, max_attempts, last_error, last_error_kind,
	created_at, updated_at, scheduled_at, completed_at`

// Queue is the ingestion_tasks table. Claims use FOR UPDATE SKIP LOCKED so
// concurrent workers and processes never receive the same task.
type Queue struct {
	pool *pgxpool.Pool
}

var _ queue.Queue = (*Queue)(nil)

func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) (bool, error) {
	var seq int64
	err := q.pool.QueryRow(ctx, `
		INSERT INTO ingestion_tasks
			(id, target_id, target_kind, source_ids, source_index, priority, reason, force,
			 status, max_attempts, created_at, updated_at, scheduled_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
		RETURNING seq
	`,
		task.ID, task.TargetID, task.TargetKind, task.SourceIDs, task.SourceIndex,
		task.Priority, string(task.Reason), task.Force, task.MaxAttempts,
		task.CreatedAt, task.UpdatedAt, task.ScheduledAt,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	task.Seq = seq
	task.Status = domain.StatusPending
	return true, nil
}

func (q *Queue) Claim(ctx context.Context, now time.Time, _ string) (*domain.Task, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE ingestion_tasks
		SET status = 'in_progress', updated_at = $1
		WHERE id = (
			SELECT id FROM ingestion_tasks
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, now.UTC())

	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

func (q *Queue) Defer(ctx context.Context, taskID string, r queue.Reschedule) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_tasks
		SET status = 'pending',
		    seq = nextval(pg_get_serial_sequence('ingestion_tasks', 'seq')),
		    scheduled_at = $2,
		    source_index = $3,
		    attempt_count = GREATEST(attempt_count, $4),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`, taskID, r.Until.UTC(), r.SourceIndex, r.AttemptCount)
	if err != nil {
		return fmt.Errorf("defer task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return q.transitionError(ctx, taskID, domain.StatusPending)
	}
	return nil
}

func (q *Queue) Retry(ctx context.Context, taskID string, r queue.Reschedule) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_tasks
		SET status = 'pending',
		    seq = nextval(pg_get_serial_sequence('ingestion_tasks', 'seq')),
		    scheduled_at = $2,
		    source_index = $3,
		    attempt_count = GREATEST(attempt_count, $4),
		    last_error_kind = $5,
		    last_error = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`, taskID, r.Until.UTC(), r.SourceIndex, r.AttemptCount, string(r.ErrKind), r.Err)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return q.transitionError(ctx, taskID, domain.StatusPending)
	}
	return nil
}

func (q *Queue) Finish(ctx context.Context, taskID string, f queue.Finish) error {
	if !f.Status.IsTerminal() {
		return &domain.InvalidTransitionError{TaskID: taskID, From: domain.StatusInProgress, To: f.Status}
	}
	at := f.At.UTC()
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_tasks
		SET status = $2,
		    outcome = $3,
		    attempt_count = GREATEST(attempt_count, $4),
		    last_error_kind = CASE WHEN $5::text = '' AND $6::text = '' THEN last_error_kind ELSE $5 END,
		    last_error = CASE WHEN $5::text = '' AND $6::text = '' THEN last_error ELSE $6 END,
		    updated_at = $7,
		    completed_at = $7
		WHERE id = $1 AND status = 'in_progress'
	`, taskID, string(f.Status), string(f.Outcome), f.AttemptCount, string(f.ErrKind), f.Err, at)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return q.transitionError(ctx, taskID, f.Status)
	}
	return nil
}

// transitionError explains why a guarded update touched no row.
func (q *Queue) transitionError(ctx context.Context, taskID string, to domain.Status) error {
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM ingestion_tasks WHERE id = $1`, taskID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.TaskNotFoundError{TaskID: taskID}
		}
		return fmt.Errorf("read task %s status: %w", taskID, err)
	}
	from := domain.Status(status)
	if from.IsTerminal() {
		return &domain.TerminalStateError{TaskID: taskID, Status: from}
	}
	return &domain.InvalidTransitionError{TaskID: taskID, From: from, To: to}
}

func (q *Queue) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	err := q.pool.QueryRow(ctx, `
		SELECT MIN(scheduled_at) FROM ingestion_tasks WHERE status = 'pending'
	`).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due task: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func (q *Queue) Counts(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM ingestion_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

func (q *Queue) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	row := q.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM ingestion_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, err
	}
	return task, nil
}

func (q *Queue) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM ingestion_tasks
		WHERE status = $1
		ORDER BY priority, seq
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *Queue) RecordAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO task_attempts
			(id, task_id, worker_id, attempt, source_id, outcome, error_kind, error, duration_ms, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID, a.TaskID, a.WorkerID, a.Attempt, a.SourceID, a.Outcome,
		string(a.ErrorKind), a.Error, a.DurationMs, a.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for task %s: %w", a.TaskID, err)
	}
	return nil
}

func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE ingestion_tasks
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'in_progress' AND updated_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task                                    domain.Task
		reason, status, outcome, lastErrorKind string
	)
	err := row.Scan(
		&task.ID, &task.Seq, &task.TargetID, &task.TargetKind, &task.SourceIDs, &task.SourceIndex,
		&task.Priority, &reason, &task.Force, &status, &outcome, &task.AttemptCount,
		&task.MaxAttempts, &task.LastError, &lastErrorKind,
		&task.CreatedAt, &task.UpdatedAt, &task.ScheduledAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Reason = domain.Reason(reason)
	task.Status = domain.Status(status)
	task.Outcome = domain.Outcome(outcome)
	task.LastErrorKind = domain.ErrorKind(lastErrorKind)
	return &task, nil
}
