// Package orchestrator claims ingestion tasks and runs them against their
// sources under a bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-enrich-flow/internal/cache"
	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/fingerprint"
	"github.com/ramiqadoumi/go-enrich-flow/internal/kafka"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
	"github.com/ramiqadoumi/go-enrich-flow/internal/source"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/retry"
	"github.com/ramiqadoumi/go-enrich-flow/pkg/telemetry"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxAttempts  = 3
	// idleWait bounds a sleep when nothing is pending but work is in flight.
	idleWait = time.Second
)

// Adapters resolves a source ID to its adapter.
type Adapters interface {
	Get(sourceID string) (source.Adapter, error)
}

// Notifier receives alarms for failed tasks and notices for changed entries.
type Notifier interface {
	TaskFailed(ctx context.Context, ev kafka.AlarmEvent) error
	EntryChanged(ctx context.Context, ev kafka.ChangeEvent) error
}

// DrainStats summarizes one Drain call.
type DrainStats struct {
	Processed        int `json:"processed"`
	Succeeded        int `json:"succeeded"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Deferred         int `json:"deferred"`
	Retried          int `json:"retried"`
	FetchedItems     int `json:"fetched_items"`
}

type statsCounter struct {
	mu sync.Mutex
	s  DrainStats
}

func (c *statsCounter) add(fn func(*DrainStats)) {
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

func (c *statsCounter) snapshot() DrainStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Orchestrator executes queued tasks. All Drain calls share one pool of
// maxConcurrent slots.
type Orchestrator struct {
	queue    queue.Queue
	targets  queue.Targets
	cache    cache.Store
	adapters Adapters
	quota    quota.Tracker
	notifier Notifier

	descriptors map[string]domain.SourceDescriptor
	detectors   map[string]*fingerprint.Detector
	gates       map[string]*rate.Limiter

	workerID     string
	sem          chan struct{}
	deferHorizon time.Duration
	backoff      retry.Policy
	storeRetries int
	logger       *slog.Logger
	now          func() time.Time

	inFlight atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option        { return func(o *Orchestrator) { o.logger = l } }
func WithWorkerID(id string) Option           { return func(o *Orchestrator) { o.workerID = id } }
func WithNotifier(n Notifier) Option          { return func(o *Orchestrator) { o.notifier = n } }
func WithBackoff(p retry.Policy) Option       { return func(o *Orchestrator) { o.backoff = p } }
func WithClock(now func() time.Time) Option   { return func(o *Orchestrator) { o.now = now } }
func WithDeferHorizon(d time.Duration) Option { return func(o *Orchestrator) { o.deferHorizon = d } }

// WithConcurrency sets the pool size. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = make(chan struct{}, n)
		}
	}
}

// New builds an Orchestrator for the given sources.
func New(
	q queue.Queue,
	targets queue.Targets,
	store cache.Store,
	adapters Adapters,
	tracker quota.Tracker,
	descriptors []domain.SourceDescriptor,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		queue:        q,
		targets:      targets,
		cache:        store,
		adapters:     adapters,
		quota:        tracker,
		notifier:     nopNotifier{},
		descriptors:  make(map[string]domain.SourceDescriptor, len(descriptors)),
		detectors:    make(map[string]*fingerprint.Detector, len(descriptors)),
		gates:        make(map[string]*rate.Limiter, len(descriptors)),
		workerID:     "orchestrator",
		sem:          make(chan struct{}, 4),
		deferHorizon: time.Minute,
		backoff:      retry.Policy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour},
		storeRetries: 3,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, d := range descriptors {
		o.descriptors[d.ID] = d
		o.detectors[d.ID] = fingerprint.New(d.VolatileFields...)
		if d.InterTaskDelay > 0 {
			o.gates[d.ID] = rate.NewLimiter(rate.Every(d.InterTaskDelay), 1)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight returns the number of tasks currently executing.
func (o *Orchestrator) InFlight() int64 { return o.inFlight.Load() }

// Drain claims and executes due tasks until nothing is due within the defer
// horizon, or until ctx is cancelled. Cancellation stops new claims; tasks
// already claimed run to completion and pending tasks stay pending.
func (o *Orchestrator) Drain(ctx context.Context) (DrainStats, error) {
	var (
		stats   statsCounter
		wg      sync.WaitGroup
		local   atomic.Int64
		release = make(chan struct{}, 1)
		loopErr error
	)

loop:
	for ctx.Err() == nil {
		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		if ctx.Err() != nil {
			<-o.sem
			break
		}

		now := o.now().UTC()
		task, err := o.queue.Claim(ctx, now, o.workerID)
		if err != nil {
			<-o.sem
			if ctx.Err() == nil {
				loopErr = fmt.Errorf("claim task: %w", err)
			}
			break
		}

		if task == nil {
			<-o.sem
			wait, done, err := o.idle(ctx, now, local.Load())
			if err != nil {
				loopErr = err
				break
			}
			if done {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-release:
			case <-ctx.Done():
			}
			timer.Stop()
			continue
		}

		local.Add(1)
		wg.Add(1)
		go func(t *domain.Task) {
			defer func() {
				<-o.sem
				local.Add(-1)
				wg.Done()
				select {
				case release <- struct{}{}:
				default:
				}
			}()
			// In-flight work finishes even when the drain is cancelled.
			o.process(context.WithoutCancel(ctx), t, &stats)
		}(task)
	}

	wg.Wait()
	return stats.snapshot(), loopErr
}

// idle decides what Drain does when nothing is due: stop, or wait.
func (o *Orchestrator) idle(ctx context.Context, now time.Time, inFlight int64) (time.Duration, bool, error) {
	next, ok, err := o.queue.NextDue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, true, nil
		}
		return 0, true, fmt.Errorf("next due task: %w", err)
	}
	until := next.Sub(now)
	if inFlight == 0 && (!ok || until > o.deferHorizon) {
		return 0, true, nil
	}
	if !ok || until > idleWait && inFlight > 0 {
		return idleWait, false, nil
	}
	return max(until, time.Millisecond), false, nil
}

func (o *Orchestrator) process(ctx context.Context, task *domain.Task, stats *statsCounter) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "orchestrator.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("target.id", task.TargetID),
		attribute.String("task.reason", string(task.Reason)),
		attribute.String("worker.id", o.workerID),
	)

	o.inFlight.Add(1)
	telemetry.TasksInFlight.Inc()
	defer func() {
		telemetry.TasksInFlight.Dec()
		o.inFlight.Add(-1)
	}()

	log := o.logger.With(
		slog.String("task_id", task.ID),
		slog.String("target_id", task.TargetID),
		slog.String("worker_id", o.workerID),
	)

	if task.MaxAttempts <= 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if o.isFresh(ctx, task) {
		log.Info("cache entry still valid, skipping", slog.String("source_id", task.PrimarySource()))
		o.finish(ctx, log, task, task.PrimarySource(), domain.StatusSkipped, domain.OutcomeFresh, nil, stats)
		return
	}

	attempts := task.AttemptCount
	idx := task.SourceIndex
	if idx < 0 || idx >= len(task.SourceIDs) {
		idx = 0
	}

	for {
		sourceID := task.SourceIDs[idx]
		srcLog := log.With(slog.String("source_id", sourceID))
		now := o.now().UTC()

		if delay := o.gateDelay(sourceID, now); delay > 0 {
			telemetry.QuotaDenied.WithLabelValues(sourceID, "politeness").Inc()
			o.deferTask(ctx, srcLog, task, idx, attempts, now.Add(delay), "politeness", stats)
			return
		}

		dec, err := o.quota.TryAcquire(ctx, sourceID)
		if err != nil {
			o.failUnusable(ctx, srcLog, task, sourceID, attempts, err, stats)
			return
		}
		if !dec.Allowed {
			telemetry.QuotaDenied.WithLabelValues(sourceID, string(dec.Reason)).Inc()
			o.deferTask(ctx, srcLog, task, idx, attempts, now.Add(dec.RetryAfter), string(dec.Reason), stats)
			return
		}

		adapter, err := o.adapters.Get(sourceID)
		if err != nil {
			o.failUnusable(ctx, srcLog, task, sourceID, attempts, err, stats)
			return
		}

		attempts++
		payload, fetchErr := o.fetch(span, adapter, task, sourceID)
		fetchedAt := o.now().UTC()
		o.recordAttempt(ctx, srcLog, task, sourceID, attempts, fetchErr, fetchedAt.Sub(now))

		if fetchErr == nil {
			stats.add(func(s *DrainStats) { s.FetchedItems++ })
			fetchErr = o.persist(ctx, srcLog, task, sourceID, payload, fetchedAt, attempts, stats)
			if fetchErr == nil {
				return
			}
		}

		kind := domain.KindOf(fetchErr)
		telemetry.FetchErrors.WithLabelValues(sourceID, string(kind)).Inc()
		span.RecordError(fetchErr)

		if !kind.Retryable() {
			outcome := domain.OutcomeParse
			if kind == domain.KindNotFound {
				outcome = domain.OutcomeNotFound
			}
			srcLog.Warn("fetch failed permanently", slog.String("kind", string(kind)), slog.String("error", fetchErr.Error()))
			task.AttemptCount = attempts
			o.finish(ctx, srcLog, task, sourceID, domain.StatusFailed, outcome, fetchErr, stats)
			return
		}

		if attempts >= task.MaxAttempts {
			srcLog.Error("task exhausted all attempts",
				slog.Int("attempts", attempts),
				slog.String("kind", string(kind)),
				slog.String("error", fetchErr.Error()),
			)
			task.AttemptCount = attempts
			o.finish(ctx, srcLog, task, sourceID, domain.StatusFailed, domain.OutcomeExhausted, fetchErr, stats)
			return
		}

		if idx+1 < len(task.SourceIDs) {
			next := task.SourceIDs[idx+1]
			telemetry.FallbacksTotal.WithLabelValues(sourceID, next).Inc()
			srcLog.Warn("source failed, trying fallback",
				slog.String("fallback", next),
				slog.String("kind", string(kind)),
				slog.String("error", fetchErr.Error()),
			)
			idx++
			continue
		}

		delay := max(o.backoff.Backoff(attempts), domain.RetryAfterOf(fetchErr))
		o.retryTask(ctx, srcLog, task, attempts, o.now().UTC().Add(delay), kind, fetchErr, stats)
		return
	}
}

// isFresh reports whether a scheduled task can be skipped because its
// primary entry is valid and no refresh was requested since it was fetched.
func (o *Orchestrator) isFresh(ctx context.Context, task *domain.Task) bool {
	if task.Reason != domain.ReasonScheduled || task.Force {
		return false
	}
	entry, err := o.cache.Get(ctx, task.TargetID, task.PrimarySource())
	if err != nil || !cache.IsValid(entry, o.now()) {
		return false
	}
	target, err := o.targets.Target(ctx, task.TargetID)
	if err != nil {
		return true
	}
	return target.RefreshRequestedAt == nil || !target.RefreshRequestedAt.After(entry.FetchedAt)
}

// gateDelay takes a politeness token for sourceID without blocking. It
// returns how long the caller would have had to wait, or zero on success.
func (o *Orchestrator) gateDelay(sourceID string, now time.Time) time.Duration {
	lim, ok := o.gates[sourceID]
	if !ok {
		return 0
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return o.descriptors[sourceID].InterTaskDelay
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}

func (o *Orchestrator) fetch(span trace.Span, adapter source.Adapter, task *domain.Task, sourceID string) ([]byte, error) {
	timeout := o.descriptors[sourceID].Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	// A fresh context keeps the fetch deadline independent of shutdown while
	// keeping adapter spans under the task span.
	fetchCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), timeout)
	defer cancel()

	fetchCtx, fspan := otel.Tracer("orchestrator").Start(fetchCtx, "orchestrator.fetch")
	defer fspan.End()
	fspan.SetAttributes(attribute.String("source.id", sourceID))

	start := time.Now()
	payload, err := adapter.Fetch(fetchCtx, task.TargetID)
	telemetry.FetchDurationSeconds.WithLabelValues(sourceID).Observe(time.Since(start).Seconds())
	if err != nil {
		fspan.RecordError(err)
		fspan.SetStatus(codes.Error, string(domain.KindOf(err)))
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && domain.KindOf(err) != domain.KindTransport {
			return nil, &domain.FetchError{Kind: domain.KindTransport, SourceID: sourceID, TargetID: task.TargetID, Err: err}
		}
		return nil, err
	}
	return payload, nil
}

// persist stores a successful fetch. Unchanged content only refreshes the
// entry's timestamps. A returned error means the store could not be written.
func (o *Orchestrator) persist(
	ctx context.Context,
	log *slog.Logger,
	task *domain.Task,
	sourceID string,
	payload []byte,
	fetchedAt time.Time,
	attempts int,
	stats *statsCounter,
) error {
	prior := ""
	existing, err := o.cache.Get(ctx, task.TargetID, sourceID)
	switch {
	case err == nil:
		prior = existing.ContentFingerprint
	case !cache.IsMiss(err):
		log.Warn("read prior entry failed, treating as changed", slog.String("error", err.Error()))
	}

	det, ok := o.detectors[sourceID]
	if !ok {
		det = fingerprint.New()
	}
	fp, changed := det.ShouldPersist(payload, prior)
	ttl := o.descriptors[sourceID].EntryTTL()
	task.AttemptCount = attempts

	if changed {
		entry := cache.NewEntry(task.TargetID, sourceID, payload, fp, fetchedAt, ttl)
		if task.Reason == domain.ReasonRefresh {
			at := fetchedAt
			entry.LastValidatedOnUseAt = &at
		}
		if err := o.withStoreRetry(ctx, func() error { return o.cache.Put(ctx, entry) }); err != nil {
			return &domain.FetchError{Kind: domain.KindTransport, SourceID: sourceID, TargetID: task.TargetID, Err: fmt.Errorf("store entry: %w", err)}
		}
		log.Info("entry changed", slog.String("fingerprint", fp), slog.Int("attempts", attempts))
		o.finish(ctx, log, task, sourceID, domain.StatusCompleted, domain.OutcomeFetched, nil, stats)

		ev := kafka.ChangeEvent{TargetID: task.TargetID, SourceID: sourceID, ContentFingerprint: fp, FetchedAt: fetchedAt}
		if err := o.notifier.EntryChanged(ctx, ev); err != nil {
			log.Error("publish change notice failed", slog.String("error", err.Error()))
		}
		return nil
	}

	err = o.withStoreRetry(ctx, func() error {
		return o.cache.Touch(ctx, task.TargetID, sourceID, fetchedAt, fetchedAt.Add(ttl))
	})
	if err != nil {
		return &domain.FetchError{Kind: domain.KindTransport, SourceID: sourceID, TargetID: task.TargetID, Err: fmt.Errorf("touch entry: %w", err)}
	}
	if task.Reason == domain.ReasonRefresh {
		if err := o.cache.MarkValidatedOnUse(ctx, task.TargetID, sourceID, fetchedAt); err != nil {
			log.Warn("mark validated on use failed", slog.String("error", err.Error()))
		}
	}
	log.Info("content unchanged, entry revalidated", slog.String("fingerprint", fp))
	o.finish(ctx, log, task, sourceID, domain.StatusSkipped, domain.OutcomeDuplicate, nil, stats)
	return nil
}

func (o *Orchestrator) withStoreRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: o.storeRetries,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("cache write failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}, fn)
}

func (o *Orchestrator) deferTask(ctx context.Context, log *slog.Logger, task *domain.Task, idx, attempts int, until time.Time, reason string, stats *statsCounter) {
	err := o.queue.Defer(ctx, task.ID, queue.Reschedule{
		Until:        until,
		SourceIndex:  idx,
		AttemptCount: attempts,
	})
	if err != nil {
		log.Error("defer task failed", slog.String("error", err.Error()))
		return
	}
	log.Info("task deferred", slog.String("reason", reason), slog.Time("until", until))
	stats.add(func(s *DrainStats) { s.Deferred++ })
}

func (o *Orchestrator) retryTask(
	ctx context.Context,
	log *slog.Logger,
	task *domain.Task,
	attempts int,
	until time.Time,
	kind domain.ErrorKind,
	cause error,
	stats *statsCounter,
) {
	err := o.queue.Retry(ctx, task.ID, queue.Reschedule{
		Until:        until,
		SourceIndex:  0,
		AttemptCount: attempts,
		ErrKind:      kind,
		Err:          cause.Error(),
	})
	if err != nil {
		log.Error("requeue task failed", slog.String("error", err.Error()))
		return
	}
	telemetry.RetriesTotal.WithLabelValues(task.PrimarySource()).Inc()
	log.Warn("attempt failed, requeued",
		slog.Int("attempt", attempts),
		slog.String("kind", string(kind)),
		slog.Time("until", until),
		slog.String("error", cause.Error()),
	)
	stats.add(func(s *DrainStats) { s.Retried++ })
}

// failUnusable ends a task whose source cannot be used at all, such as one
// missing from configuration.
func (o *Orchestrator) failUnusable(ctx context.Context, log *slog.Logger, task *domain.Task, sourceID string, attempts int, err error, stats *statsCounter) {
	var unknown *domain.UnknownSourceError
	if !errors.As(err, &unknown) {
		// Quota backend errors defer without consuming an attempt.
		log.Error("quota check failed", slog.String("error", err.Error()))
		o.deferTask(ctx, log, task, 0, attempts, o.now().UTC().Add(o.backoff.Backoff(1)), "quota_error", stats)
		return
	}
	log.Error("source not configured", slog.String("error", err.Error()))
	task.AttemptCount = attempts
	o.finish(ctx, log, task, sourceID, domain.StatusFailed, domain.OutcomeExhausted, err, stats)
}

func (o *Orchestrator) finish(
	ctx context.Context,
	log *slog.Logger,
	task *domain.Task,
	sourceID string,
	status domain.Status,
	outcome domain.Outcome,
	cause error,
	stats *statsCounter,
) {
	now := o.now().UTC()
	f := queue.Finish{Status: status, Outcome: outcome, AttemptCount: task.AttemptCount, At: now}
	if cause != nil {
		f.ErrKind = domain.KindOf(cause)
		f.Err = cause.Error()
	}
	if err := o.queue.Finish(ctx, task.ID, f); err != nil {
		log.Error("finish task failed", slog.String("status", string(status)), slog.String("error", err.Error()))
		return
	}
	telemetry.TasksProcessed.WithLabelValues(sourceID, string(status), string(outcome)).Inc()

	stats.add(func(s *DrainStats) {
		s.Processed++
		switch status {
		case domain.StatusCompleted:
			s.Succeeded++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusSkipped:
			s.Skipped++
			if outcome == domain.OutcomeDuplicate {
				s.SkippedDuplicate++
			}
		}
	})

	if status != domain.StatusFailed {
		return
	}
	telemetry.AlarmsTotal.Inc()
	ev := kafka.AlarmEvent{
		TaskID:       task.ID,
		TargetID:     task.TargetID,
		SourceID:     sourceID,
		Outcome:      outcome,
		ErrorKind:    f.ErrKind,
		Error:        f.Err,
		AttemptCount: task.AttemptCount,
		At:           now,
	}
	if err := o.notifier.TaskFailed(ctx, ev); err != nil {
		log.Error("publish alarm failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) recordAttempt(
	ctx context.Context,
	log *slog.Logger,
	task *domain.Task,
	sourceID string,
	attempt int,
	fetchErr error,
	took time.Duration,
) {
	a := &domain.TaskAttempt{
		TaskID:     task.ID,
		WorkerID:   o.workerID,
		Attempt:    attempt,
		SourceID:   sourceID,
		Outcome:    "ok",
		DurationMs: took.Milliseconds(),
		ExecutedAt: o.now().UTC(),
	}
	if fetchErr != nil {
		a.ErrorKind = domain.KindOf(fetchErr)
		a.Outcome = string(a.ErrorKind)
		a.Error = fetchErr.Error()
	}
	if err := o.queue.RecordAttempt(ctx, a); err != nil {
		log.Error("record attempt failed", slog.String("error", err.Error()))
	}
	if err := o.targets.RecordTargetAttempt(ctx, task.TargetID, a.ExecutedAt); err != nil {
		log.Warn("stamp target attempt failed", slog.String("error", err.Error()))
	}
}

type nopNotifier struct{}

func (nopNotifier) TaskFailed(context.Context, kafka.AlarmEvent) error    { return nil }
func (nopNotifier) EntryChanged(context.Context, kafka.ChangeEvent) error { return nil }
