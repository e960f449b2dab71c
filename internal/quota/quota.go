// Package quota enforces per-source politeness intervals and daily caps.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Reason explains a denial.
type Reason string

const (
	ReasonInterval Reason = "interval"
	ReasonDailyCap Reason = "daily_cap"
)

// Decision is the result of TryAcquire. A denied decision had no side effects.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Err converts a denial into a QuotaExhaustedError. Returns nil when allowed.
func (d Decision) Err(sourceID string) error {
	if d.Allowed {
		return nil
	}
	return &domain.QuotaExhaustedError{SourceID: sourceID, Reason: string(d.Reason), RetryAfter: d.RetryAfter}
}

// Usage is a read-only snapshot of one source's window.
type Usage struct {
	SourceID       string    `json:"source_id"`
	WindowStart    time.Time `json:"window_start"`
	RequestsToday  int       `json:"requests_today"`
	RemainingToday int       `json:"remaining_today"`
	DailyCap       int       `json:"daily_cap"`
	MinInterval    string    `json:"min_interval"`
	LastRequestAt  time.Time `json:"last_request_at,omitzero"`
}

// Limits are the externally configured constraints for one source.
// DailyCap <= 0 disables the cap.
type Limits struct {
	MinInterval time.Duration
	DailyCap    int
}

// LimitsFrom extracts limits from source descriptors.
func LimitsFrom(descriptors []domain.SourceDescriptor) map[string]Limits {
	out := make(map[string]Limits, len(descriptors))
	for _, d := range descriptors {
		out[d.ID] = Limits{MinInterval: d.MinInterval, DailyCap: d.DailyCap}
	}
	return out
}

// Tracker grants or denies requests against a source.
type Tracker interface {
	TryAcquire(ctx context.Context, sourceID string) (Decision, error)
	Stats(ctx context.Context, sourceID string) (Usage, error)
}

// Evaluate applies both constraints to a window as of now. It does not mutate w.
func Evaluate(w domain.QuotaWindow, lim Limits, now time.Time) Decision {
	count := w.CountInWindow
	dayStart := domain.WindowStart(now)
	if !w.WindowStart.Equal(dayStart) {
		count = 0
	}
	if lim.DailyCap > 0 && count >= lim.DailyCap {
		return Decision{Reason: ReasonDailyCap, RetryAfter: dayStart.Add(24 * time.Hour).Sub(now)}
	}
	if !w.LastRequestAt.IsZero() && lim.MinInterval > 0 {
		if elapsed := now.Sub(w.LastRequestAt); elapsed < lim.MinInterval {
			return Decision{Reason: ReasonInterval, RetryAfter: lim.MinInterval - elapsed}
		}
	}
	return Decision{Allowed: true}
}

// Local is the in-process authority for quota state. All access is serialized
// by one mutex, so concurrent workers never both see spare capacity.
type Local struct {
	mu      sync.Mutex
	limits  map[string]Limits
	windows map[string]*domain.QuotaWindow
	now     func() time.Time
}

// Option configures a Local tracker.
type Option func(*Local)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option { return func(l *Local) { l.now = now } }

// NewLocal returns an in-memory Tracker for the given sources.
func NewLocal(limits map[string]Limits, opts ...Option) *Local {
	l := &Local{
		limits:  limits,
		windows: make(map[string]*domain.QuotaWindow, len(limits)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) TryAcquire(_ context.Context, sourceID string) (Decision, error) {
	lim, ok := l.limits[sourceID]
	if !ok {
		return Decision{}, &domain.UnknownSourceError{SourceID: sourceID}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	w, ok := l.windows[sourceID]
	if !ok {
		w = &domain.QuotaWindow{SourceID: sourceID}
		l.windows[sourceID] = w
	}

	dec := Evaluate(*w, lim, now)
	if !dec.Allowed {
		return dec, nil
	}

	dayStart := domain.WindowStart(now)
	if !w.WindowStart.Equal(dayStart) {
		w.WindowStart = dayStart
		w.CountInWindow = 0
	}
	w.CountInWindow++
	w.LastRequestAt = now
	return dec, nil
}

func (l *Local) Stats(_ context.Context, sourceID string) (Usage, error) {
	lim, ok := l.limits[sourceID]
	if !ok {
		return Usage{}, &domain.UnknownSourceError{SourceID: sourceID}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	u := Usage{
		SourceID:    sourceID,
		WindowStart: domain.WindowStart(now),
		DailyCap:    lim.DailyCap,
		MinInterval: lim.MinInterval.String(),
	}
	if w, ok := l.windows[sourceID]; ok {
		u.LastRequestAt = w.LastRequestAt
		if w.WindowStart.Equal(u.WindowStart) {
			u.RequestsToday = w.CountInWindow
		}
	}
	u.RemainingToday = Remaining(lim.DailyCap, u.RequestsToday)
	return u, nil
}

// Remaining returns how many grants are left today; -1 when uncapped.
func Remaining(dailyCap, used int) int {
	if dailyCap <= 0 {
		return -1
	}
	if used >= dailyCap {
		return 0
	}
	return dailyCap - used
}
