package domain

import "time"

// Status represents the states an ingestion task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Outcome refines a terminal status with the reason the task ended there.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeFetched   Outcome = "fetched"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFresh     Outcome = "fresh"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeParse     Outcome = "parse_error"
	OutcomeExhausted Outcome = "exhausted"
)

// Reason records why a task was created.
type Reason string

const (
	ReasonScheduled Reason = "scheduled"
	ReasonOnDemand  Reason = "on_demand"
	ReasonRefresh   Reason = "refresh"
)

// RefreshPriorityOffset pushes usage-triggered refreshes behind scheduled work
// for the same source.
const RefreshPriorityOffset = 100

// Task is one unit of enrichment work: fetch TargetID from SourceIDs[SourceIndex].
type Task struct {
	ID            string     `json:"id"`
	TargetID      string     `json:"target_id"`
	TargetKind    string     `json:"target_kind"`
	SourceIDs     []string   `json:"source_ids"`
	SourceIndex   int        `json:"source_index"`
	Priority      int        `json:"priority"`
	Reason        Reason     `json:"reason"`
	Force         bool       `json:"force,omitempty"`
	Status        Status     `json:"status"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorKind ErrorKind  `json:"last_error_kind,omitempty"`
	Seq           int64      `json:"seq"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// PrimarySource is the first source in the fallback list.
func (t *Task) PrimarySource() string {
	if len(t.SourceIDs) == 0 {
		return ""
	}
	return t.SourceIDs[0]
}

// CurrentSource is the source the next attempt will use.
func (t *Task) CurrentSource() string {
	if t.SourceIndex < 0 || t.SourceIndex >= len(t.SourceIDs) {
		return t.PrimarySource()
	}
	return t.SourceIDs[t.SourceIndex]
}

// HasFallback reports whether another source remains after the current one.
func (t *Task) HasFallback() bool {
	return t.SourceIndex+1 < len(t.SourceIDs)
}

// TaskAttempt records a single execution attempt of a task.
type TaskAttempt struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	SourceID   string    `json:"source_id"`
	Outcome    string    `json:"outcome"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	ExecutedAt time.Time `json:"executed_at"`
}
