// Package memory is an in-process backend for the task queue, target catalog
// and enrichment cache. It backs `enricher run --store memory` and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
)

type entryKey struct{ target, source string }

// Store holds all state behind one mutex, which makes every claim and
// status transition atomic.
type Store struct {
	mu       sync.Mutex
	seq      int64
	tasks    map[string]*domain.Task
	targets  map[string]*domain.Target
	entries  map[entryKey]*domain.CacheEntry
	attempts []domain.TaskAttempt
}

var (
	_ queue.Queue   = (*Store)(nil)
	_ queue.Targets = (*Store)(nil)
	_ cache.Store   = cacheView{}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:   make(map[string]*domain.Task),
		targets: make(map[string]*domain.Target),
		entries: make(map[entryKey]*domain.CacheEntry),
	}
}

// ── queue ─────────────────────────────────────────────────────────────────────

func (s *Store) Enqueue(_ context.Context, task *domain.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openTaskLocked(task.TargetID, task.PrimarySource()) != nil {
		return false, nil
	}
	s.seq++
	t := cloneTask(task)
	t.Seq = s.seq
	t.Status = domain.StatusPending
	s.tasks[t.ID] = t
	task.Seq = t.Seq
	return true, nil
}

func (s *Store) Claim(_ context.Context, now time.Time, _ string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.StatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if best == nil || t.Priority < best.Priority || (t.Priority == best.Priority && t.Seq < best.Seq) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = domain.StatusInProgress
	best.UpdatedAt = now.UTC()
	return cloneTask(best), nil
}

func (s *Store) Defer(_ context.Context, taskID string, r queue.Reschedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.inProgressLocked(taskID, domain.StatusPending)
	if err != nil {
		return err
	}
	s.rescheduleLocked(t, r)
	return nil
}

func (s *Store) Retry(_ context.Context, taskID string, r queue.Reschedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.inProgressLocked(taskID, domain.StatusPending)
	if err != nil {
		return err
	}
	s.rescheduleLocked(t, r)
	t.LastErrorKind = r.ErrKind
	t.LastError = r.Err
	return nil
}

func (s *Store) Finish(_ context.Context, taskID string, f queue.Finish) error {
	if !f.Status.IsTerminal() {
		return &domain.InvalidTransitionError{TaskID: taskID, From: domain.StatusInProgress, To: f.Status}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.inProgressLocked(taskID, f.Status)
	if err != nil {
		return err
	}
	at := f.At.UTC()
	t.Status = f.Status
	t.Outcome = f.Outcome
	t.AttemptCount = max(t.AttemptCount, f.AttemptCount)
	if f.ErrKind != "" || f.Err != "" {
		t.LastErrorKind = f.ErrKind
		t.LastError = f.Err
	}
	t.UpdatedAt = at
	t.CompletedAt = &at
	return nil
}

func (s *Store) NextDue(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, t := range s.tasks {
		if t.Status != domain.StatusPending {
			continue
		}
		if !found || t.ScheduledAt.Before(next) {
			next = t.ScheduledAt
			found = true
		}
	}
	return next, found, nil
}

func (s *Store) Counts(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.Status]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return cloneTask(t), nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordAttempt(_ context.Context, a *domain.TaskAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.attempts = append(s.attempts, *a)
	s.mu.Unlock()
	return nil
}

// Attempts returns the recorded attempts for a task in execution order.
func (s *Store) Attempts(taskID string) []domain.TaskAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TaskAttempt
	for _, a := range s.attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ReleaseStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status == domain.StatusInProgress && t.UpdatedAt.Before(olderThan) {
			t.Status = domain.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *Store) openTaskLocked(targetID, primary string) *domain.Task {
	for _, t := range s.tasks {
		if t.TargetID == targetID && t.PrimarySource() == primary && !t.Status.IsTerminal() {
			return t
		}
	}
	return nil
}

func (s *Store) inProgressLocked(taskID string, to domain.Status) (*domain.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status.IsTerminal() {
		return nil, &domain.TerminalStateError{TaskID: taskID, Status: t.Status}
	}
	if t.Status != domain.StatusInProgress {
		return nil, &domain.InvalidTransitionError{TaskID: taskID, From: t.Status, To: to}
	}
	return t, nil
}

func (s *Store) rescheduleLocked(t *domain.Task, r queue.Reschedule) {
	s.seq++
	t.Seq = s.seq
	t.Status = domain.StatusPending
	t.ScheduledAt = r.Until.UTC()
	t.UpdatedAt = time.Now().UTC()
	t.SourceIndex = r.SourceIndex
	t.AttemptCount = max(t.AttemptCount, r.AttemptCount)
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.SourceIDs = slices.Clone(t.SourceIDs)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// ── targets ───────────────────────────────────────────────────────────────────

func (s *Store) EnsureTarget(_ context.Context, targetID, kind string, at time.Time) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.targets[targetID]; ok {
		c := *t
		return &c, nil
	}
	t := &domain.Target{ID: targetID, Kind: kind, CreatedAt: at.UTC()}
	s.targets[targetID] = t
	c := *t
	return &c, nil
}

func (s *Store) Target(_ context.Context, targetID string) (*domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[targetID]
	if !ok {
		return nil, &domain.TargetNotFoundError{TargetID: targetID}
	}
	c := *t
	return &c, nil
}

func (s *Store) MarkUsed(_ context.Context, targetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[targetID]
	if !ok {
		return &domain.TargetNotFoundError{TargetID: targetID}
	}
	used := at.UTC()
	t.LastUsedAt = &used
	requested := used
	t.RefreshRequestedAt = &requested
	return nil
}

func (s *Store) RecordTargetAttempt(_ context.Context, targetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[targetID]
	if !ok {
		return &domain.TargetNotFoundError{TargetID: targetID}
	}
	a := at.UTC()
	t.LastAttemptedAt = &a
	return nil
}

func (s *Store) Eligible(_ context.Context, q queue.EligibilityQuery) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.eligibleLocked(q)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountEligible(_ context.Context, q queue.EligibilityQuery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.eligibleLocked(q)), nil
}

func (s *Store) eligibleLocked(q queue.EligibilityQuery) []domain.Target {
	var out []domain.Target
	for _, t := range s.targets {
		if q.TargetKind != "" && t.Kind != q.TargetKind {
			continue
		}
		if len(q.TargetIDs) > 0 && !slices.Contains(q.TargetIDs, t.ID) {
			continue
		}
		if q.ActiveSince != nil && (t.LastUsedAt == nil || t.LastUsedAt.Before(*q.ActiveSince)) {
			continue
		}
		if s.openTaskLocked(t.ID, q.SourceID) != nil {
			continue
		}
		e := s.entries[entryKey{t.ID, q.SourceID}]
		if !needsFetch(t, e, q.Now) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return eligibleBefore(out[i], out[j]) })
	return out
}

func needsFetch(t *domain.Target, e *domain.CacheEntry, now time.Time) bool {
	if e == nil || !cache.IsValid(e, now) {
		return true
	}
	return t.RefreshRequestedAt != nil && t.RefreshRequestedAt.After(e.FetchedAt)
}

func eligibleBefore(a, b domain.Target) bool {
	ar, br := refreshPending(a), refreshPending(b)
	if ar != br {
		return ar
	}
	switch {
	case a.LastAttemptedAt == nil && b.LastAttemptedAt != nil:
		return true
	case a.LastAttemptedAt != nil && b.LastAttemptedAt == nil:
		return false
	case a.LastAttemptedAt != nil && !a.LastAttemptedAt.Equal(*b.LastAttemptedAt):
		return a.LastAttemptedAt.Before(*b.LastAttemptedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// refreshPending reports a refresh request that no attempt has answered yet.
// A refresh that was attempted and failed falls back to attempt recency.
func refreshPending(t domain.Target) bool {
	if t.RefreshRequestedAt == nil {
		return false
	}
	return t.LastAttemptedAt == nil || t.RefreshRequestedAt.After(*t.LastAttemptedAt)
}

// ── cache ─────────────────────────────────────────────────────────────────────

// CacheStore exposes the cache half of Store. Its Get reads cache entries,
// which Store.Get (tasks) cannot.
func (s *Store) CacheStore() cache.Store { return cacheView{s} }

type cacheView struct{ s *Store }

func (v cacheView) Get(_ context.Context, targetID, sourceID string) (*domain.CacheEntry, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	e, ok := v.s.entries[entryKey{targetID, sourceID}]
	if !ok {
		return nil, &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
	}
	return cloneEntry(e), nil
}

func (v cacheView) Put(_ context.Context, e *domain.CacheEntry) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	key := entryKey{e.TargetID, e.SourceID}
	next := cloneEntry(e)
	if prev, ok := v.s.entries[key]; ok && next.LastValidatedOnUseAt == nil && prev.LastValidatedOnUseAt != nil {
		ts := *prev.LastValidatedOnUseAt
		next.LastValidatedOnUseAt = &ts
	}
	v.s.entries[key] = next
	return nil
}

func (v cacheView) Touch(_ context.Context, targetID, sourceID string, fetchedAt, validUntil time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	e, ok := v.s.entries[entryKey{targetID, sourceID}]
	if !ok {
		return &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
	}
	e.FetchedAt = fetchedAt.UTC()
	e.ValidUntil = validUntil.UTC()
	return nil
}

func (v cacheView) MarkValidatedOnUse(_ context.Context, targetID, sourceID string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	e, ok := v.s.entries[entryKey{targetID, sourceID}]
	if !ok {
		return &domain.CacheMissError{TargetID: targetID, SourceID: sourceID}
	}
	ts := at.UTC()
	e.LastValidatedOnUseAt = &ts
	return nil
}

func cloneEntry(e *domain.CacheEntry) *domain.CacheEntry {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	if e.LastValidatedOnUseAt != nil {
		at := *e.LastValidatedOnUseAt
		c.LastValidatedOnUseAt = &at
	}
	return &c
}
