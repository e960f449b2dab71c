// Package queue defines the ingestion task backlog and target catalog contracts.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Queue is a priority-ordered, FIFO-within-tier task backlog with atomic claim.
//
// Defer, Retry and Finish are only legal on in_progress tasks. Finish on a
// terminal task returns *domain.TerminalStateError.
type Queue interface {
	// Enqueue adds task unless an open task already exists for the same
	// target and primary source. Reports whether a task was created.
	Enqueue(ctx context.Context, task *domain.Task) (bool, error)
	// Claim moves the most urgent pending task due at or before now to
	// in_progress. Returns nil, nil when nothing is due.
	Claim(ctx context.Context, now time.Time, workerID string) (*domain.Task, error)
	// Defer returns a task to the back of its tier without counting an attempt.
	Defer(ctx context.Context, taskID string, r Reschedule) error
	// Retry returns a failed attempt to the back of its tier.
	Retry(ctx context.Context, taskID string, r Reschedule) error
	Finish(ctx context.Context, taskID string, f Finish) error
	// NextDue returns the earliest scheduled time among pending tasks.
	NextDue(ctx context.Context) (time.Time, bool, error)
	Counts(ctx context.Context) (map[domain.Status]int, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
	RecordAttempt(ctx context.Context, attempt *domain.TaskAttempt) error
	// ReleaseStale returns in_progress tasks not updated since olderThan to
	// pending. Used on startup after a crash.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Reschedule carries the state a task keeps when it goes back to pending.
type Reschedule struct {
	Until        time.Time
	SourceIndex  int
	AttemptCount int
	ErrKind      domain.ErrorKind
	Err          string
}

// Finish carries the terminal state of a task.
type Finish struct {
	Status       domain.Status
	Outcome      domain.Outcome
	AttemptCount int
	ErrKind      domain.ErrorKind
	Err          string
	At           time.Time
}

// NewTaskParams describes a task to create.
type NewTaskParams struct {
	TargetID    string
	TargetKind  string
	SourceIDs   []string
	Priority    int
	Reason      domain.Reason
	Force       bool
	MaxAttempts int
	At          time.Time
}

// NewTask builds a pending task due at p.At.
func NewTask(p NewTaskParams) *domain.Task {
	at := p.At.UTC()
	return &domain.Task{
		ID:          uuid.New().String(),
		TargetID:    p.TargetID,
		TargetKind:  p.TargetKind,
		SourceIDs:   append([]string(nil), p.SourceIDs...),
		Priority:    p.Priority,
		Reason:      p.Reason,
		Force:       p.Force,
		Status:      domain.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   at,
		UpdatedAt:   at,
		ScheduledAt: at,
	}
}

// EligibilityQuery selects targets that need a fetch from SourceID.
type EligibilityQuery struct {
	SourceID   string
	TargetKind string
	Now        time.Time
	// ActiveSince restricts to targets used at or after this instant.
	ActiveSince *time.Time
	// TargetIDs restricts to an explicit list.
	TargetIDs []string
	Limit     int
}

// Targets is the catalog of enrichment targets and the eligibility query.
//
// A target is eligible for a source when no open task exists for it and the
// source, and its cache entry is missing, expired, or older than its last
// refresh request. Results are ordered refresh-requested first, then least
// recently attempted (never attempted first), then newest.
type Targets interface {
	EnsureTarget(ctx context.Context, targetID, kind string, at time.Time) (*domain.Target, error)
	Target(ctx context.Context, targetID string) (*domain.Target, error)
	MarkUsed(ctx context.Context, targetID string, at time.Time) error
	// RecordTargetAttempt stamps the target's last attempt time.
	RecordTargetAttempt(ctx context.Context, targetID string, at time.Time) error
	Eligible(ctx context.Context, q EligibilityQuery) ([]domain.Target, error)
	CountEligible(ctx context.Context, q EligibilityQuery) (int, error)
}
