package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/kafka"
	"github.com/ramiqadoumi/go-enrich-flow/internal/memory"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
	"github.com/ramiqadoumi/go-enrich-flow/internal/source"
	"github.com/ramiqadoumi/go-enrich-flow/services/orchestrator"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeDrainer struct {
	calls atomic.Int64
	stats orchestrator.DrainStats
	err   error
}

func (d *fakeDrainer) Drain(context.Context) (orchestrator.DrainStats, error) {
	d.calls.Add(1)
	return d.stats, d.err
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []domain.BatchRunReport
}

func (r *fakeReporter) RunReported(_ context.Context, rep domain.BatchRunReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	return nil
}

type fakeLeader struct {
	leading  bool
	released atomic.Bool
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.leading, nil }
func (l *fakeLeader) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

// slowAdapter holds every fetch for delay and signals the first one.
type slowAdapter struct {
	id      string
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (a *slowAdapter) SourceID() string { return a.id }

func (a *slowAdapter) Fetch(ctx context.Context, targetID string) ([]byte, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(fmt.Sprintf(`{"id":%q}`, targetID)), nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

var registry = domain.SourceDescriptor{ID: "registry", TargetKind: "vessel", Priority: 10, VolatileFields: []string{"scrapedAt"}}

func seedTargets(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.EnsureTarget(context.Background(), fmt.Sprintf("imo-%d", i), "vessel", t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
}

func newScheduler(t *testing.T, store *memory.Store, d Drainer, policies []Policy, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{WithLogger(discardLogger), WithClock(func() time.Time { return t0 })}
	s, err := New(store, store, d, []domain.SourceDescriptor{registry}, policies, append(base, opts...)...)
	require.NoError(t, err)
	return s
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestMarkUsed_EnqueuesOneRefreshAndLeavesEntry(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.EnsureTarget(ctx, "imo-1", "vessel", t0)
	require.NoError(t, err)

	entry := cache.NewEntry("imo-1", "registry", []byte(`{"owner":"Acme"}`), "sha256:abc", t0.Add(-time.Hour), domain.DefaultTTL)
	require.NoError(t, store.CacheStore().Put(ctx, entry))

	s := newScheduler(t, store, &fakeDrainer{}, nil)

	created, err := s.MarkUsed(ctx, "imo-1", "registry")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.MarkUsed(ctx, "imo-1", "registry")
	require.NoError(t, err)
	assert.False(t, created, "an open refresh absorbs further marks")

	pending, err := store.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ReasonRefresh, pending[0].Reason)
	assert.Equal(t, registry.Priority+domain.RefreshPriorityOffset, pending[0].Priority)

	got, err := store.CacheStore().Get(ctx, "imo-1", "registry")
	require.NoError(t, err)
	assert.Equal(t, entry, got, "mark-used must not touch the cache entry")

	target, err := store.Target(ctx, "imo-1")
	require.NoError(t, err)
	require.NotNil(t, target.LastUsedAt)
	assert.Equal(t, t0, *target.LastUsedAt)
}

func TestMarkUsed_UnknownSource(t *testing.T) {
	s := newScheduler(t, memory.New(), &fakeDrainer{}, nil)
	_, err := s.MarkUsed(context.Background(), "imo-1", "ghost")
	var unknown *domain.UnknownSourceError
	assert.ErrorAs(t, err, &unknown)
}

func TestRunPolicy_EnqueuesBatchAndReportsETA(t *testing.T) {
	store := memory.New()
	seedTargets(t, store, 5)

	reg := source.NewRegistry()
	reg.Register(source.NewMockAdapter("registry", 0))
	descs := []domain.SourceDescriptor{registry}
	orch := orchestrator.New(store, store, store.CacheStore(), reg, quota.NewLocal(quota.LimitsFrom(descs)), descs,
		orchestrator.WithLogger(discardLogger),
		orchestrator.WithClock(func() time.Time { return t0 }),
		orchestrator.WithDeferHorizon(0),
	)

	reporter := &fakeReporter{}
	policy := Policy{Name: "active", Cron: "0 * * * *", BatchSize: 2, Sources: []string{"registry"}}
	s := newScheduler(t, store, orch, []Policy{policy}, WithReporter(reporter))

	report, err := s.RunPolicy(context.Background(), policy, TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.FetchedItems)
	assert.Equal(t, 3, report.RemainingBacklog)
	assert.Equal(t, 24.0, report.RunsPerDay)
	assert.Equal(t, 2.0, report.ThroughputPerRun)
	require.NotNil(t, report.EstimatedDaysRemaining)
	assert.InDelta(t, 3.0/48.0, *report.EstimatedDaysRemaining, 1e-9)

	// Newest targets go first.
	_, err = store.CacheStore().Get(context.Background(), "imo-4", "registry")
	assert.NoError(t, err)
	_, err = store.CacheStore().Get(context.Background(), "imo-0", "registry")
	assert.True(t, cache.IsMiss(err))

	require.Len(t, reporter.reports, 1)
	latest, ok := s.LatestReport("active")
	require.True(t, ok)
	assert.Equal(t, report.RunID, latest.RunID)
}

func TestRunPolicy_BackgroundDrainDoesNotStealBatchTasks(t *testing.T) {
	store := memory.New()
	seedTargets(t, store, 6)
	ctx := context.Background()

	// A refresh queued outside the run keeps the background drain busy.
	_, err := store.EnsureTarget(ctx, "imo-used", "vessel", t0.Add(-24*time.Hour))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, queue.NewTask(queue.NewTaskParams{
		TargetID:    "imo-used",
		TargetKind:  "vessel",
		SourceIDs:   []string{"registry"},
		Priority:    registry.Priority + domain.RefreshPriorityOffset,
		Reason:      domain.ReasonRefresh,
		MaxAttempts: 3,
		At:          t0,
	}))
	require.NoError(t, err)

	adapter := &slowAdapter{id: "registry", delay: 30 * time.Millisecond, started: make(chan struct{})}
	reg := source.NewRegistry()
	reg.Register(adapter)
	descs := []domain.SourceDescriptor{registry}
	orch := orchestrator.New(store, store, store.CacheStore(), reg, quota.NewLocal(quota.LimitsFrom(descs)), descs,
		orchestrator.WithLogger(discardLogger),
		orchestrator.WithClock(func() time.Time { return t0 }),
		orchestrator.WithDeferHorizon(0),
		orchestrator.WithConcurrency(2),
	)
	policy := Policy{Name: "active", Cron: "0 * * * *", BatchSize: 10, Sources: []string{"registry"}}
	s := newScheduler(t, store, orch, []Policy{policy})

	bgCtx, stop := context.WithCancel(ctx)
	var (
		wg          sync.WaitGroup
		bgProcessed atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for bgCtx.Err() == nil {
			if stats, err := s.DrainBacklog(bgCtx); err == nil {
				bgProcessed.Add(int64(stats.Processed))
			}
			time.Sleep(time.Millisecond)
		}
	}()
	<-adapter.started

	report, err := s.RunPolicy(ctx, policy, TriggerSchedule)
	stop()
	wg.Wait()
	require.NoError(t, err)

	assert.Equal(t, 6, report.Enqueued)
	assert.Equal(t, report.Enqueued, report.Processed, "the run counts every task it enqueued")
	assert.Equal(t, 6, report.Succeeded)
	assert.Equal(t, 6, report.FetchedItems)
	assert.Equal(t, int64(1), bgProcessed.Load(), "the background drain only ran the refresh")

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, counts[domain.StatusCompleted])
}

func TestRunPolicy_ActiveWithinFiltersTargets(t *testing.T) {
	store := memory.New()
	seedTargets(t, store, 3)
	ctx := context.Background()
	require.NoError(t, store.MarkUsed(ctx, "imo-1", t0.Add(-time.Hour)))
	require.NoError(t, store.MarkUsed(ctx, "imo-2", t0.Add(-100*time.Hour)))

	policy := Policy{Name: "active", Cron: "0 * * * *", BatchSize: 10, Sources: []string{"registry"}, ActiveWithin: 72 * time.Hour}
	s := newScheduler(t, store, &fakeDrainer{}, []Policy{policy})

	report, err := s.RunPolicy(ctx, policy, TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	pending, err := store.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "imo-1", pending[0].TargetID)
	assert.Equal(t, domain.ReasonScheduled, pending[0].Reason)
}

func TestRunPolicy_AppendsDescriptorFallbacks(t *testing.T) {
	store := memory.New()
	seedTargets(t, store, 1)
	descs := []domain.SourceDescriptor{
		{ID: "registry", Fallbacks: []string{"mirror"}},
		{ID: "mirror"},
	}
	policy := Policy{Name: "daily", Cron: "0 3 * * *", BatchSize: 5, Sources: []string{"registry"}}
	s, err := New(store, store, &fakeDrainer{}, descs, []Policy{policy}, WithLogger(discardLogger))
	require.NoError(t, err)

	_, err = s.RunPolicy(context.Background(), policy, TriggerSchedule)
	require.NoError(t, err)

	pending, err := store.ListByStatus(context.Background(), domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"registry", "mirror"}, pending[0].SourceIDs)
}

func TestRunPolicy_DrainErrorStillReports(t *testing.T) {
	store := memory.New()
	policy := Policy{Name: "daily", Cron: "0 3 * * *", BatchSize: 5, Sources: []string{"registry"}}
	s := newScheduler(t, store, &fakeDrainer{err: errors.New("store down")}, []Policy{policy})

	report, err := s.RunPolicy(context.Background(), policy, TriggerSchedule)
	require.Error(t, err)
	assert.NotEmpty(t, report.RunID)
}

func TestRunOnDemand_ExplicitTargets(t *testing.T) {
	store := memory.New()
	drainer := &fakeDrainer{stats: orchestrator.DrainStats{Processed: 2, Succeeded: 2, FetchedItems: 2}}
	s := newScheduler(t, store, drainer, nil)
	ctx := context.Background()

	report, err := s.RunOnDemand(ctx, OnDemandRequest{
		TargetIDs: []string{"imo-a", "imo-b", "imo-c"},
		SourceID:  "registry",
		Limit:     2,
		Force:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), drainer.calls.Load())
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, TriggerOnDemand, report.Trigger)
	assert.Equal(t, 1.0, report.RunsPerDay)

	pending, err := store.ListByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, task := range pending {
		assert.Equal(t, domain.ReasonOnDemand, task.Reason)
		assert.True(t, task.Force)
	}
	_, err = store.Target(ctx, "imo-a")
	assert.NoError(t, err, "targets are created on first reference")
	_, err = store.Target(ctx, "imo-c")
	var nf *domain.TargetNotFoundError
	assert.ErrorAs(t, err, &nf, "targets beyond the limit are not touched")
}

func TestRunOnDemand_WithoutTargetsIsBounded(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedTargets(t, store, defaultOnDemandLimit+5)
	s := newScheduler(t, store, &fakeDrainer{}, nil)

	report, err := s.RunOnDemand(ctx, OnDemandRequest{SourceID: "registry"})
	require.NoError(t, err)
	assert.Equal(t, defaultOnDemandLimit, report.Enqueued)

	capped := domain.SourceDescriptor{ID: "capped", TargetKind: "vessel", DailyCap: 3}
	store = memory.New()
	seedTargets(t, store, 10)
	s, err = New(store, store, &fakeDrainer{}, []domain.SourceDescriptor{capped}, nil, WithLogger(discardLogger))
	require.NoError(t, err)

	report, err = s.RunOnDemand(ctx, OnDemandRequest{SourceID: "capped"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Enqueued, "the daily cap bounds an open-ended request")

	report, err = s.RunOnDemand(ctx, OnDemandRequest{SourceID: "capped", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Enqueued, "an explicit limit wins over the cap")
}

func TestRunOnDemand_UnknownSource(t *testing.T) {
	drainer := &fakeDrainer{}
	s := newScheduler(t, memory.New(), drainer, nil)
	_, err := s.RunOnDemand(context.Background(), OnDemandRequest{SourceID: "ghost"})
	var unknown *domain.UnknownSourceError
	require.ErrorAs(t, err, &unknown)
	assert.Zero(t, drainer.calls.Load())
}

func TestHandleRequest(t *testing.T) {
	drainer := &fakeDrainer{}
	s := newScheduler(t, memory.New(), drainer, nil)
	ctx := context.Background()

	require.NoError(t, s.HandleRequest(ctx, kafka.Message{Value: []byte("not-json")}))
	require.NoError(t, s.HandleRequest(ctx, kafka.Message{Value: []byte(`{"source_id":"ghost"}`)}))
	assert.Zero(t, drainer.calls.Load(), "invalid requests are discarded")

	require.NoError(t, s.HandleRequest(ctx, kafka.Message{Value: []byte(`{"source_id":"registry","target_ids":["imo-1"]}`)}))
	assert.Equal(t, int64(1), drainer.calls.Load())
}

func TestReports_KeepsLastSeven(t *testing.T) {
	store := memory.New()
	drainer := &fakeDrainer{}
	policy := Policy{Name: "daily", Cron: "0 3 * * *", BatchSize: 1, Sources: []string{"registry"}}
	s := newScheduler(t, store, drainer, []Policy{policy})

	for i := 0; i < 9; i++ {
		drainer.stats = orchestrator.DrainStats{FetchedItems: i}
		_, err := s.RunPolicy(context.Background(), policy, TriggerSchedule)
		require.NoError(t, err)
	}

	reports := s.Reports("daily")
	require.Len(t, reports, 7)
	assert.Equal(t, 2, reports[0].FetchedItems)
	assert.InDelta(t, 5.0, reports[6].ThroughputPerRun, 1e-9, "mean of 2..8")
}

func TestNew_Validation(t *testing.T) {
	descs := []domain.SourceDescriptor{registry}
	tests := []struct {
		name     string
		policies []Policy
	}{
		{"unnamed", []Policy{{Cron: "0 * * * *", BatchSize: 1, Sources: []string{"registry"}}}},
		{"duplicate", []Policy{
			{Name: "a", Cron: "0 * * * *", BatchSize: 1, Sources: []string{"registry"}},
			{Name: "a", Cron: "0 3 * * *", BatchSize: 1, Sources: []string{"registry"}},
		}},
		{"no sources", []Policy{{Name: "a", Cron: "0 * * * *", BatchSize: 1}}},
		{"zero batch size", []Policy{{Name: "a", Cron: "0 * * * *", Sources: []string{"registry"}}}},
		{"unknown source", []Policy{{Name: "a", Cron: "0 * * * *", BatchSize: 1, Sources: []string{"ghost"}}}},
		{"bad cron", []Policy{{Name: "a", Cron: "every hour", BatchSize: 1, Sources: []string{"registry"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			_, err := New(store, store, &fakeDrainer{}, descs, tt.policies)
			assert.Error(t, err)
		})
	}
}

func TestRunsPerDay(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"0 * * * *", 24},
		{"0 3 * * *", 1},
		{"*/15 * * * *", 96},
		{"0 0 * * *", 1},
		{"@hourly", 24},
	}
	for _, tt := range tests {
		got, err := RunsPerDay(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}

	weekly, err := RunsPerDay("0 0 * * 1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/7, weekly, 0.01)
}

func TestEstimateDays(t *testing.T) {
	assert.Nil(t, EstimateDays(10, 0, 24), "no throughput, no estimate")
	zero := EstimateDays(0, 0, 24)
	require.NotNil(t, zero)
	assert.Zero(t, *zero)
	days := EstimateDays(100, 5, 2)
	require.NotNil(t, days)
	assert.Equal(t, 10.0, *days)
}

func TestStart_OnlyLeaderFires(t *testing.T) {
	for _, leading := range []bool{true, false} {
		t.Run(fmt.Sprintf("leading=%v", leading), func(t *testing.T) {
			drainer := &fakeDrainer{}
			leader := &fakeLeader{leading: leading}
			policy := Policy{Name: "fast", Cron: "@every 1s", BatchSize: 1, Sources: []string{"registry"}}
			s := newScheduler(t, memory.New(), drainer, []Policy{policy}, WithLeader(leader))

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Start(ctx) }()

			time.Sleep(1500 * time.Millisecond)
			cancel()
			require.NoError(t, <-done)

			if leading {
				assert.Positive(t, drainer.calls.Load())
			} else {
				assert.Zero(t, drainer.calls.Load())
			}
			assert.True(t, leader.released.Load())
		})
	}
}
