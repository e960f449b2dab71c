// Package scheduler turns cron policies, on-demand requests and usage marks
// into ingestion tasks, drains them through the orchestrator and reports the
// remaining backlog.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/kafka"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-enrich-flow/services/orchestrator"
)

const (
	TriggerSchedule = "schedule"
	TriggerOnDemand = "on_demand"

	// historySize is how many past runs feed the throughput average.
	historySize   = 7
	leaderRenewal = 10 * time.Second

	// defaultOnDemandLimit bounds an on-demand run without a target list
	// when neither the request nor the source's daily cap sets one.
	defaultOnDemandLimit = 100
)

// Policy is one independent batch schedule.
type Policy struct {
	Name      string `mapstructure:"name" json:"name"`
	Cron      string `mapstructure:"cron" json:"cron"`
	BatchSize int    `mapstructure:"batch_size" json:"batch_size"`
	// Sources lists the primary first. The primary's configured fallbacks
	// are appended when missing.
	Sources    []string `mapstructure:"sources" json:"sources"`
	TargetKind string   `mapstructure:"target_kind" json:"target_kind,omitempty"`
	// ActiveWithin restricts the pass to targets used this recently. Zero
	// means every target.
	ActiveWithin time.Duration `mapstructure:"active_within" json:"active_within,omitempty"`
}

// OnDemandRequest asks for an immediate batch. Without TargetIDs the
// eligible targets of the source are used.
type OnDemandRequest struct {
	TargetIDs  []string `json:"target_ids,omitempty"`
	TargetKind string   `json:"target_kind,omitempty"`
	SourceID   string   `json:"source_id"`
	Limit      int      `json:"limit,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

// Drainer executes queued tasks until the queue is idle.
type Drainer interface {
	Drain(ctx context.Context) (orchestrator.DrainStats, error)
}

// Reporter publishes finished run reports.
type Reporter interface {
	RunReported(ctx context.Context, r domain.BatchRunReport) error
}

// Leader gates scheduled runs to one process per deployment.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Scheduler owns batch runs. Runs and background drains are serialized on
// one lock, so a run's report only counts work its own drain claimed.
type Scheduler struct {
	queue    queue.Queue
	targets  queue.Targets
	drainer  Drainer
	reporter Reporter
	leader   Leader

	sources     map[string]domain.SourceDescriptor
	policies    []Policy
	runsPerDay  map[string]float64
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time

	runMu   sync.Mutex
	leading atomic.Bool

	histMu  sync.Mutex
	history map[string][]domain.BatchRunReport
	latest  *domain.BatchRunReport
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithReporter(r Reporter) Option        { return func(s *Scheduler) { s.reporter = r } }
func WithLeader(l Leader) Option            { return func(s *Scheduler) { s.leader = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithMaxAttempts(n int) Option          { return func(s *Scheduler) { s.maxAttempts = n } }

// New validates policies against the configured sources.
func New(
	q queue.Queue,
	targets queue.Targets,
	drainer Drainer,
	descriptors []domain.SourceDescriptor,
	policies []Policy,
	opts ...Option,
) (*Scheduler, error) {
	s := &Scheduler{
		queue:       q,
		targets:     targets,
		drainer:     drainer,
		reporter:    nopReporter{},
		sources:     make(map[string]domain.SourceDescriptor, len(descriptors)),
		runsPerDay:  make(map[string]float64, len(policies)),
		maxAttempts: 3,
		logger:      slog.Default(),
		now:         time.Now,
		history:     make(map[string][]domain.BatchRunReport),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, d := range descriptors {
		s.sources[d.ID] = d
	}

	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if p.Name == "" {
			return nil, errors.New("schedule policy without a name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate schedule policy %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Sources) == 0 {
			return nil, fmt.Errorf("policy %q: no sources", p.Name)
		}
		if p.BatchSize <= 0 {
			return nil, fmt.Errorf("policy %q: batch_size must be positive", p.Name)
		}
		for _, id := range p.Sources {
			if _, ok := s.sources[id]; !ok {
				return nil, fmt.Errorf("policy %q: %w", p.Name, &domain.UnknownSourceError{SourceID: id})
			}
		}
		rpd, err := RunsPerDay(p.Cron)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		s.runsPerDay[p.Name] = rpd
		s.policies = append(s.policies, p)
	}
	return s, nil
}

// Policies returns the configured policies.
func (s *Scheduler) Policies() []Policy { return slices.Clone(s.policies) }

// Source returns the descriptor for a configured source.
func (s *Scheduler) Source(id string) (domain.SourceDescriptor, bool) {
	d, ok := s.sources[id]
	return d, ok
}

// Policy looks up a policy by name.
func (s *Scheduler) Policy(name string) (Policy, bool) {
	for _, p := range s.policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// RunPolicy enqueues one batch of eligible targets for p, drains the queue
// and reports the outcome.
func (s *Scheduler) RunPolicy(ctx context.Context, p Policy, trigger string) (domain.BatchRunReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := s.now().UTC()
	chain := s.chain(p.Sources)
	desc := s.sources[chain[0]]

	query := queue.EligibilityQuery{
		SourceID:   chain[0],
		TargetKind: p.TargetKind,
		Now:        started,
		Limit:      p.BatchSize,
	}
	if p.ActiveWithin > 0 {
		since := started.Add(-p.ActiveWithin)
		query.ActiveSince = &since
	}

	eligible, err := s.targets.Eligible(ctx, query)
	if err != nil {
		return domain.BatchRunReport{}, fmt.Errorf("policy %s: eligible targets: %w", p.Name, err)
	}

	enqueued := 0
	for _, t := range eligible {
		created, err := s.queue.Enqueue(ctx, queue.NewTask(queue.NewTaskParams{
			TargetID:    t.ID,
			TargetKind:  t.Kind,
			SourceIDs:   chain,
			Priority:    desc.Priority,
			Reason:      domain.ReasonScheduled,
			MaxAttempts: s.maxAttempts,
			At:          started,
		}))
		if err != nil {
			return domain.BatchRunReport{}, fmt.Errorf("policy %s: enqueue %s: %w", p.Name, t.ID, err)
		}
		if created {
			enqueued++
		}
	}
	s.logger.Info("batch enqueued",
		slog.String("policy", p.Name),
		slog.String("trigger", trigger),
		slog.Int("eligible", len(eligible)),
		slog.Int("enqueued", enqueued),
	)

	stats, drainErr := s.drainer.Drain(ctx)
	query.Limit = 0
	query.Now = s.now().UTC()
	report, err := s.report(ctx, p.Name, trigger, s.runsPerDay[p.Name], query, started, enqueued, stats)
	if err != nil {
		return report, err
	}
	if drainErr != nil {
		return report, fmt.Errorf("policy %s: drain: %w", p.Name, drainErr)
	}
	return report, nil
}

// RunOnDemand runs an immediate batch for an explicit target list, or for
// the eligible targets of req.SourceID when the list is empty. Without a
// list the batch is bounded by req.Limit, else the source's daily cap,
// else defaultOnDemandLimit.
func (s *Scheduler) RunOnDemand(ctx context.Context, req OnDemandRequest) (domain.BatchRunReport, error) {
	desc, ok := s.sources[req.SourceID]
	if !ok {
		return domain.BatchRunReport{}, &domain.UnknownSourceError{SourceID: req.SourceID}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := s.now().UTC()
	kind := req.TargetKind
	if kind == "" {
		kind = desc.TargetKind
	}
	query := queue.EligibilityQuery{SourceID: desc.ID, TargetKind: kind, Now: started}

	ids := req.TargetIDs
	if len(ids) == 0 {
		query.Limit = onDemandLimit(req.Limit, desc)
		eligible, err := s.targets.Eligible(ctx, query)
		if err != nil {
			return domain.BatchRunReport{}, fmt.Errorf("on-demand %s: eligible targets: %w", desc.ID, err)
		}
		for _, t := range eligible {
			ids = append(ids, t.ID)
		}
	}
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
	}

	chain := desc.Chain()
	enqueued := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := s.targets.EnsureTarget(ctx, id, kind, started); err != nil {
			return domain.BatchRunReport{}, fmt.Errorf("on-demand %s: ensure target %s: %w", desc.ID, id, err)
		}
		created, err := s.queue.Enqueue(ctx, queue.NewTask(queue.NewTaskParams{
			TargetID:    id,
			TargetKind:  kind,
			SourceIDs:   chain,
			Priority:    desc.Priority,
			Reason:      domain.ReasonOnDemand,
			Force:       req.Force,
			MaxAttempts: s.maxAttempts,
			At:          started,
		}))
		if err != nil {
			return domain.BatchRunReport{}, fmt.Errorf("on-demand %s: enqueue %s: %w", desc.ID, id, err)
		}
		if created {
			enqueued++
		}
	}

	stats, drainErr := s.drainer.Drain(ctx)
	query.Limit = 0
	query.TargetIDs = nil
	query.Now = s.now().UTC()
	report, err := s.report(ctx, TriggerOnDemand+":"+desc.ID, TriggerOnDemand, 1, query, started, enqueued, stats)
	if err != nil {
		return report, err
	}
	if drainErr != nil {
		return report, fmt.Errorf("on-demand %s: drain: %w", desc.ID, drainErr)
	}
	return report, nil
}

// DrainBacklog drains tasks queued outside batch runs, such as mark-used
// refreshes and deferred tasks that became due. It waits for a running
// batch to finish and holds later batches off until it returns.
func (s *Scheduler) DrainBacklog(ctx context.Context) (orchestrator.DrainStats, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.drainer.Drain(ctx)
}

func onDemandLimit(requested int, desc domain.SourceDescriptor) int {
	switch {
	case requested > 0:
		return requested
	case desc.DailyCap > 0:
		return desc.DailyCap
	default:
		return defaultOnDemandLimit
	}
}

// MarkUsed records that a consumer used the target's data from sourceID and
// enqueues one low-priority refresh. The cache entry is never touched here;
// readers keep getting the current value until the refresh lands.
// It reports whether a new refresh task was created.
func (s *Scheduler) MarkUsed(ctx context.Context, targetID, sourceID string) (bool, error) {
	desc, ok := s.sources[sourceID]
	if !ok {
		return false, &domain.UnknownSourceError{SourceID: sourceID}
	}
	now := s.now().UTC()

	if _, err := s.targets.EnsureTarget(ctx, targetID, desc.TargetKind, now); err != nil {
		return false, fmt.Errorf("mark used %s: %w", targetID, err)
	}
	if err := s.targets.MarkUsed(ctx, targetID, now); err != nil {
		return false, fmt.Errorf("mark used %s: %w", targetID, err)
	}

	created, err := s.queue.Enqueue(ctx, queue.NewTask(queue.NewTaskParams{
		TargetID:    targetID,
		TargetKind:  desc.TargetKind,
		SourceIDs:   desc.Chain(),
		Priority:    desc.Priority + domain.RefreshPriorityOffset,
		Reason:      domain.ReasonRefresh,
		MaxAttempts: s.maxAttempts,
		At:          now,
	}))
	if err != nil {
		return false, fmt.Errorf("enqueue refresh for %s: %w", targetID, err)
	}
	s.logger.Info("target marked used",
		slog.String("target_id", targetID),
		slog.String("source_id", sourceID),
		slog.Bool("refresh_enqueued", created),
	)
	return created, nil
}

// HandleRequest is the Kafka handler for on-demand requests. Malformed
// requests and unknown sources are dropped. Any other error is returned, so
// the consumer stops on the request without committing it.
func (s *Scheduler) HandleRequest(ctx context.Context, msg kafka.Message) error {
	var req OnDemandRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		s.logger.Warn("malformed on-demand request, discarding",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return nil
	}

	_, err := s.RunOnDemand(ctx, req)
	var unknown *domain.UnknownSourceError
	if errors.As(err, &unknown) {
		s.logger.Warn("on-demand request for unknown source, discarding", slog.String("source_id", req.SourceID))
		return nil
	}
	return err
}

// Start fires every policy on its cron schedule (UTC) until ctx is
// cancelled, then waits for a running batch to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	for _, p := range s.policies {
		if _, err := c.AddFunc(p.Cron, func() { s.fire(ctx, p) }); err != nil {
			return fmt.Errorf("register policy %s: %w", p.Name, err)
		}
	}

	if s.leader != nil {
		s.renewLeadership(ctx)
		go s.holdLeadership(ctx)
	}

	c.Start()
	s.logger.Info("scheduler started", slog.Int("policies", len(s.policies)))
	<-ctx.Done()

	<-c.Stop().Done()
	if s.leader != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.leader.Release(releaseCtx); err != nil {
			s.logger.Warn("release leadership", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context, p Policy) {
	if ctx.Err() != nil {
		return
	}
	if s.leader != nil && !s.leading.Load() {
		s.logger.Debug("not leader, skipping scheduled run", slog.String("policy", p.Name))
		return
	}
	if _, err := s.RunPolicy(ctx, p, TriggerSchedule); err != nil {
		s.logger.Error("scheduled run failed", slog.String("policy", p.Name), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) holdLeadership(ctx context.Context) {
	ticker := time.NewTicker(leaderRenewal)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewLeadership(ctx)
		}
	}
}

func (s *Scheduler) renewLeadership(ctx context.Context) {
	ok, err := s.leader.Acquire(ctx)
	if err != nil {
		s.logger.Error("leader election", slog.String("error", err.Error()))
		ok = false
	}
	if was := s.leading.Swap(ok); was != ok {
		s.logger.Info("scheduler leadership changed", slog.Bool("leader", ok))
	}
}

// report builds, records and publishes the summary of one run.
func (s *Scheduler) report(
	ctx context.Context,
	policy, trigger string,
	runsPerDay float64,
	backlogQuery queue.EligibilityQuery,
	started time.Time,
	enqueued int,
	stats orchestrator.DrainStats,
) (domain.BatchRunReport, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return domain.BatchRunReport{}, fmt.Errorf("report %s: count tasks: %w", policy, err)
	}
	stillEligible, err := s.targets.CountEligible(ctx, backlogQuery)
	if err != nil {
		return domain.BatchRunReport{}, fmt.Errorf("report %s: count eligible: %w", policy, err)
	}

	r := domain.BatchRunReport{
		RunID:            uuid.New().String(),
		Policy:           policy,
		Trigger:          trigger,
		StartedAt:        started,
		FinishedAt:       s.now().UTC(),
		Enqueued:         enqueued,
		Processed:        stats.Processed,
		Succeeded:        stats.Succeeded,
		Failed:           stats.Failed,
		Skipped:          stats.Skipped,
		SkippedDuplicate: stats.SkippedDuplicate,
		Deferred:         stats.Deferred,
		Retried:          stats.Retried,
		FetchedItems:     stats.FetchedItems,
		RemainingBacklog: counts[domain.StatusPending] + stillEligible,
		RunsPerDay:       runsPerDay,
	}

	s.histMu.Lock()
	h := append(s.history[policy], r)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	s.history[policy] = h
	r.ThroughputPerRun = meanFetched(h)
	r.EstimatedDaysRemaining = EstimateDays(r.RemainingBacklog, r.ThroughputPerRun, runsPerDay)
	h[len(h)-1] = r
	latest := r
	s.latest = &latest
	s.histMu.Unlock()

	telemetry.BatchRuns.WithLabelValues(policy, trigger).Inc()
	telemetry.BatchBacklog.WithLabelValues(policy).Set(float64(r.RemainingBacklog))
	if r.EstimatedDaysRemaining != nil {
		telemetry.BatchETADays.WithLabelValues(policy).Set(*r.EstimatedDaysRemaining)
	}

	attrs := []any{
		slog.String("run_id", r.RunID),
		slog.String("policy", policy),
		slog.String("trigger", trigger),
		slog.Int("enqueued", r.Enqueued),
		slog.Int("processed", r.Processed),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
		slog.Int("skipped", r.Skipped),
		slog.Int("skipped_duplicate", r.SkippedDuplicate),
		slog.Int("deferred", r.Deferred),
		slog.Int("fetched_items", r.FetchedItems),
		slog.Int("remaining_backlog", r.RemainingBacklog),
		slog.Float64("throughput_per_run", r.ThroughputPerRun),
	}
	if r.EstimatedDaysRemaining != nil {
		attrs = append(attrs, slog.Float64("estimated_days_remaining", *r.EstimatedDaysRemaining))
	}
	s.logger.Info("batch run report", attrs...)

	if err := s.reporter.RunReported(ctx, r); err != nil {
		s.logger.Error("publish run report", slog.String("policy", policy), slog.String("error", err.Error()))
	}
	return r, nil
}

// LatestReport returns the most recent report for policy, or across all
// policies when policy is empty.
func (s *Scheduler) LatestReport(policy string) (domain.BatchRunReport, bool) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if policy == "" {
		if s.latest == nil {
			return domain.BatchRunReport{}, false
		}
		return *s.latest, true
	}
	h := s.history[policy]
	if len(h) == 0 {
		return domain.BatchRunReport{}, false
	}
	return h[len(h)-1], true
}

// Reports returns up to the last seven reports for policy, oldest first.
func (s *Scheduler) Reports(policy string) []domain.BatchRunReport {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return slices.Clone(s.history[policy])
}

func (s *Scheduler) chain(sources []string) []string {
	out := slices.Clone(sources)
	for _, fb := range s.sources[sources[0]].Fallbacks {
		if fb != "" && !slices.Contains(out, fb) {
			out = append(out, fb)
		}
	}
	return out
}

func meanFetched(h []domain.BatchRunReport) float64 {
	if len(h) == 0 {
		return 0
	}
	total := 0
	for _, r := range h {
		total += r.FetchedItems
	}
	return float64(total) / float64(len(h))
}

// EstimateDays projects how many days the backlog needs at the observed
// throughput. It returns nil when nothing is being fetched.
func EstimateDays(backlog int, throughputPerRun, runsPerDay float64) *float64 {
	if backlog <= 0 {
		zero := 0.0
		return &zero
	}
	perDay := throughputPerRun * runsPerDay
	if perDay <= 0 {
		return nil
	}
	days := float64(backlog) / perDay
	return &days
}

// RunsPerDay counts how often a cron expression fires over one UTC day.
func RunsPerDay(expr string) (float64, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	// Start one nanosecond early so a fire exactly at midnight counts.
	n := 0
	for t := sched.Next(start.Add(-time.Nanosecond)); !t.IsZero() && t.Before(end); t = sched.Next(t) {
		n++
		if n >= 86400 {
			break
		}
	}
	if n == 0 {
		// Weekly or rarer schedules: average over a year.
		yearEnd := start.AddDate(1, 0, 0)
		for t := sched.Next(start); !t.IsZero() && t.Before(yearEnd); t = sched.Next(t) {
			n++
		}
		return float64(n) / 365, nil
	}
	return float64(n), nil
}

type nopReporter struct{}

func (nopReporter) RunReported(context.Context, domain.BatchRunReport) error { return nil }
