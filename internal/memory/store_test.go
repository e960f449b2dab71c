package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(target string, priority int, sources ...string) *domain.Task {
	return queue.NewTask(queue.NewTaskParams{
		TargetID:    target,
		TargetKind:  "company",
		SourceIDs:   sources,
		Priority:    priority,
		Reason:      domain.ReasonScheduled,
		MaxAttempts: 3,
		At:          t0,
	})
}

func mustEnqueue(t *testing.T, s *Store, task *domain.Task) {
	t.Helper()
	created, err := s.Enqueue(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)
}

// ── queue ─────────────────────────────────────────────────────────────────────

func TestQueue_ClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	mustEnqueue(t, s, newTask("b", 5, "src"))
	mustEnqueue(t, s, newTask("c", 10, "src"))
	mustEnqueue(t, s, newTask("d", 5, "src"))

	var order []string
	for {
		task, err := s.Claim(ctx, t0, "w1")
		require.NoError(t, err)
		if task == nil {
			break
		}
		assert.Equal(t, domain.StatusInProgress, task.Status)
		order = append(order, task.TargetID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, order)
}

func TestQueue_EnqueueDedupesOpenTask(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	created, err := s.Enqueue(ctx, newTask("a", 1, "src"))
	require.NoError(t, err)
	assert.False(t, created, "second open task for same target and source must be rejected")

	created, err = s.Enqueue(ctx, newTask("a", 1, "other"))
	require.NoError(t, err)
	assert.True(t, created, "different primary source is a different key")
}

func TestQueue_EnqueueAllowedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	task, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, task.ID, queue.Finish{
		Status: domain.StatusCompleted, Outcome: domain.OutcomeFetched, AttemptCount: 1, At: t0,
	}))

	created, err := s.Enqueue(ctx, newTask("a", 10, "src"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestQueue_ClaimSkipsFutureTasks(t *testing.T) {
	ctx := context.Background()
	s := New()

	task := newTask("a", 10, "src")
	task.ScheduledAt = t0.Add(time.Minute)
	mustEnqueue(t, s, task)

	got, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	next, ok, err := s.NextDue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), next)

	got, err = s.Claim(ctx, t0.Add(time.Minute), "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestQueue_DeferMovesToBackOfTier(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	mustEnqueue(t, s, newTask("b", 10, "src"))

	first, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.Equal(t, "a", first.TargetID)

	require.NoError(t, s.Defer(ctx, first.ID, queue.Reschedule{Until: t0}))

	next, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	assert.Equal(t, "b", next.TargetID)

	deferred, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, deferred.Status)
	assert.Zero(t, deferred.AttemptCount, "defer is not an attempt")
}

func TestQueue_RetryKeepsAttemptAndError(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src", "fallback"))
	task, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)

	require.NoError(t, s.Retry(ctx, task.ID, queue.Reschedule{
		Until:        t0.Add(time.Second),
		SourceIndex:  1,
		AttemptCount: 1,
		ErrKind:      domain.KindTransport,
		Err:          "connection reset",
	}))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 1, got.SourceIndex)
	assert.Equal(t, "fallback", got.CurrentSource())
	assert.Equal(t, domain.KindTransport, got.LastErrorKind)
	assert.Equal(t, t0.Add(time.Second), got.ScheduledAt)
}

func TestQueue_FinishTerminalRejected(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	task, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, task.ID, queue.Finish{
		Status: domain.StatusFailed, Outcome: domain.OutcomeNotFound, AttemptCount: 1, At: t0,
	}))

	err = s.Finish(ctx, task.ID, queue.Finish{Status: domain.StatusCompleted, At: t0})
	var terminal *domain.TerminalStateError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, domain.StatusFailed, terminal.Status)

	err = s.Retry(ctx, task.ID, queue.Reschedule{Until: t0})
	require.ErrorAs(t, err, &terminal)
}

func TestQueue_FinishRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	task, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)

	err = s.Finish(ctx, task.ID, queue.Finish{Status: domain.StatusPending, At: t0})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestQueue_DeferRequiresInProgress(t *testing.T) {
	ctx := context.Background()
	s := New()

	task := newTask("a", 10, "src")
	mustEnqueue(t, s, task)

	err := s.Defer(ctx, task.ID, queue.Reschedule{Until: t0})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusPending, invalid.From)
}

func TestQueue_GetUnknownTask(t *testing.T) {
	_, err := New().Get(context.Background(), "nope")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 50; i++ {
		mustEnqueue(t, s, newTask(string(rune('A'+i)), 10, "src"))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.Claim(ctx, t0, "w")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}

func TestQueue_ReleaseStale(t *testing.T) {
	ctx := context.Background()
	s := New()

	mustEnqueue(t, s, newTask("a", 10, "src"))
	_, err := s.Claim(ctx, t0, "w1")
	require.NoError(t, err)

	n, err := s.ReleaseStale(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusPending])
}

// ── targets ───────────────────────────────────────────────────────────────────

func TestTargets_EligibleMissingExpiredAndRefreshRequested(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := s.CacheStore()

	for _, id := range []string{"missing", "expired", "fresh", "requested"} {
		_, err := s.EnsureTarget(ctx, id, "company", t0)
		require.NoError(t, err)
	}
	now := t0.Add(48 * time.Hour)

	require.NoError(t, c.Put(ctx, cache.NewEntry("expired", "src", []byte(`{}`), "fp", t0, time.Hour)))
	require.NoError(t, c.Put(ctx, cache.NewEntry("fresh", "src", []byte(`{}`), "fp", t0, 365*24*time.Hour)))
	require.NoError(t, c.Put(ctx, cache.NewEntry("requested", "src", []byte(`{}`), "fp", t0, 365*24*time.Hour)))
	require.NoError(t, s.MarkUsed(ctx, "requested", t0.Add(time.Hour)))

	got, err := s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: now})
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, tg := range got {
		ids = append(ids, tg.ID)
	}
	require.Len(t, ids, 3)
	assert.Equal(t, "requested", ids[0], "refresh-requested targets come first")
	assert.ElementsMatch(t, []string{"requested", "missing", "expired"}, ids)

	n, err := s.CountEligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: now})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTargets_EligibleOrdersByLastAttempt(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.EnsureTarget(ctx, "old-attempt", "company", t0)
	_, _ = s.EnsureTarget(ctx, "recent-attempt", "company", t0)
	_, _ = s.EnsureTarget(ctx, "never-older", "company", t0)
	_, _ = s.EnsureTarget(ctx, "never-newer", "company", t0.Add(time.Minute))

	require.NoError(t, s.RecordTargetAttempt(ctx, "old-attempt", t0.Add(time.Hour)))
	require.NoError(t, s.RecordTargetAttempt(ctx, "recent-attempt", t0.Add(2*time.Hour)))

	got, err := s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: t0})
	require.NoError(t, err)

	var ids []string
	for _, tg := range got {
		ids = append(ids, tg.ID)
	}
	assert.Equal(t, []string{"never-newer", "never-older", "old-attempt", "recent-attempt"}, ids)
}

func TestTargets_EligibleAnsweredRefreshLosesPrecedence(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.EnsureTarget(ctx, "old", "company", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkUsed(ctx, "old", t0.Add(time.Hour)))
	// The refresh ran and failed: no entry, but the request was answered.
	require.NoError(t, s.RecordTargetAttempt(ctx, "old", t0.Add(48*time.Hour)))

	_, err = s.EnsureTarget(ctx, "new", "company", t0.Add(47*time.Hour))
	require.NoError(t, err)

	got, err := s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: t0.Add(49 * time.Hour), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID, "never-attempted targets go ahead of a failed refresh")

	// A fresh mark after the failed attempt ranks first again.
	require.NoError(t, s.MarkUsed(ctx, "old", t0.Add(50*time.Hour)))
	got, err = s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: t0.Add(51 * time.Hour), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestTargets_EligibleExcludesOpenTasksAndFilters(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _ = s.EnsureTarget(ctx, "queued", "company", t0)
	_, _ = s.EnsureTarget(ctx, "idle", "company", t0)
	_, _ = s.EnsureTarget(ctx, "person", "person", t0)
	_, _ = s.EnsureTarget(ctx, "active", "company", t0)
	require.NoError(t, s.MarkUsed(ctx, "active", t0))

	mustEnqueue(t, s, newTask("queued", 10, "src"))

	got, err := s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", TargetKind: "company", Now: t0})
	require.NoError(t, err)
	var ids []string
	for _, tg := range got {
		ids = append(ids, tg.ID)
	}
	assert.ElementsMatch(t, []string{"idle", "active"}, ids)

	since := t0.Add(-time.Hour)
	got, err = s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: t0, ActiveSince: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].ID)

	got, err = s.Eligible(ctx, queue.EligibilityQuery{SourceID: "src", Now: t0, TargetIDs: []string{"idle", "queued"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0].ID)
}

func TestTargets_MarkUsedUnknown(t *testing.T) {
	err := New().MarkUsed(context.Background(), "ghost", t0)
	var nf *domain.TargetNotFoundError
	require.ErrorAs(t, err, &nf)
}

// ── cache ─────────────────────────────────────────────────────────────────────

func TestCache_PutReplacesAndTouchKeepsPayload(t *testing.T) {
	ctx := context.Background()
	c := New().CacheStore()

	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{"v":1}`), "fp1", t0, time.Hour)))
	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{"v":2}`), "fp2", t0, time.Hour)))

	later := t0.Add(time.Hour)
	require.NoError(t, c.Touch(ctx, "a", "src", later, later.Add(time.Hour)))

	e, err := c.Get(ctx, "a", "src")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(e.Payload))
	assert.Equal(t, "fp2", e.ContentFingerprint)
	assert.Equal(t, later, e.FetchedAt)
	assert.Equal(t, later.Add(time.Hour), e.ValidUntil)
}

func TestCache_MissAndValidatedOnUse(t *testing.T) {
	ctx := context.Background()
	c := New().CacheStore()

	_, err := c.Get(ctx, "a", "src")
	assert.True(t, cache.IsMiss(err))
	assert.True(t, cache.IsMiss(c.Touch(ctx, "a", "src", t0, t0)))

	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{}`), "fp", t0, time.Hour)))
	require.NoError(t, c.MarkValidatedOnUse(ctx, "a", "src", t0.Add(time.Minute)))

	e, err := c.Get(ctx, "a", "src")
	require.NoError(t, err)
	require.NotNil(t, e.LastValidatedOnUseAt)
	assert.Equal(t, t0.Add(time.Minute), *e.LastValidatedOnUseAt)
}

func TestCache_PutKeepsValidatedOnUse(t *testing.T) {
	ctx := context.Background()
	c := New().CacheStore()

	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{"v":1}`), "fp1", t0, time.Hour)))
	require.NoError(t, c.MarkValidatedOnUse(ctx, "a", "src", t0.Add(time.Minute)))
	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{"v":2}`), "fp2", t0.Add(time.Hour), time.Hour)))

	e, err := c.Get(ctx, "a", "src")
	require.NoError(t, err)
	assert.Equal(t, "fp2", e.ContentFingerprint)
	require.NotNil(t, e.LastValidatedOnUseAt, "a replace without a stamp keeps the previous one")
	assert.Equal(t, t0.Add(time.Minute), *e.LastValidatedOnUseAt)

	stamped := cache.NewEntry("a", "src", []byte(`{"v":3}`), "fp3", t0.Add(2*time.Hour), time.Hour)
	at := t0.Add(2 * time.Hour)
	stamped.LastValidatedOnUseAt = &at
	require.NoError(t, c.Put(ctx, stamped))

	e, err = c.Get(ctx, "a", "src")
	require.NoError(t, err)
	require.NotNil(t, e.LastValidatedOnUseAt)
	assert.Equal(t, at, *e.LastValidatedOnUseAt)
}

func TestCache_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New().CacheStore()
	require.NoError(t, c.Put(ctx, cache.NewEntry("a", "src", []byte(`{"v":1}`), "fp", t0, time.Hour)))

	e, err := c.Get(ctx, "a", "src")
	require.NoError(t, err)
	e.Payload[0] = 'X'

	again, err := c.Get(ctx, "a", "src")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(again.Payload))
}

// BenchmarkStore_EnqueueClaimFinish measures one full pass of the claim loop
// against a queue holding 1000 pending tasks.
func BenchmarkStore_EnqueueClaimFinish(b *testing.B) {
	ctx := context.Background()
	s := New()
	for i := range 1000 {
		if _, err := s.Enqueue(ctx, newTask(fmt.Sprintf("seed-%d", i), i%3, "registry")); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Enqueue(ctx, newTask(fmt.Sprintf("bench-%d", i), 0, "registry")); err != nil {
			b.Fatal(err)
		}
		task, err := s.Claim(ctx, t0, "bench")
		if err != nil || task == nil {
			b.Fatalf("claim: %v", err)
		}
		err = s.Finish(ctx, task.ID, queue.Finish{
			Status: domain.StatusCompleted, Outcome: domain.OutcomeFetched, AttemptCount: 1, At: t0,
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
