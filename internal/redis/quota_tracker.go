package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
)

func quotaKey(sourceID string) string { return "quota:" + sourceID }

// acquireScript checks and updates one source's window in a single step so
// that every process sharing the Redis instance sees one counter.
//
// KEYS[1] quota hash; ARGV: now_ms, day_start_ms, min_interval_ms, daily_cap, next_day_ms
// Returns {allowed, reason, retry_after_ms}.
var acquireScript = redis.NewScript(`
local day   = tonumber(redis.call("HGET", KEYS[1], "day") or "0")
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local last  = tonumber(redis.call("HGET", KEYS[1], "last") or "0")

local now      = tonumber(ARGV[1])
local dayStart = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local cap      = tonumber(ARGV[4])
local nextDay  = tonumber(ARGV[5])

if day ~= dayStart then
	count = 0
end
if cap > 0 and count >= cap then
	return {0, "daily_cap", nextDay - now}
end
if last > 0 and interval > 0 and now - last < interval then
	return {0, "interval", interval - (now - last)}
end

redis.call("HSET", KEYS[1], "day", ARGV[2], "count", count + 1, "last", ARGV[1])
redis.call("PEXPIRE", KEYS[1], (nextDay - now) + 86400000)
return {1, "", 0}
`)

// QuotaTracker is a quota.Tracker whose state lives in Redis.
type QuotaTracker struct {
	client *redis.Client
	limits map[string]quota.Limits
	now    func() time.Time
}

var _ quota.Tracker = (*QuotaTracker)(nil)

// TrackerOption configures a QuotaTracker.
type TrackerOption func(*QuotaTracker)

// WithTrackerClock overrides the time source used to compute windows.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(q *QuotaTracker) { q.now = now }
}

// NewQuotaTracker returns a Redis-backed tracker for the given sources.
func NewQuotaTracker(client *redis.Client, limits map[string]quota.Limits, opts ...TrackerOption) *QuotaTracker {
	q := &QuotaTracker{client: client, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *QuotaTracker) TryAcquire(ctx context.Context, sourceID string) (quota.Decision, error) {
	lim, ok := q.limits[sourceID]
	if !ok {
		return quota.Decision{}, &domain.UnknownSourceError{SourceID: sourceID}
	}

	now := q.now().UTC()
	dayStart := domain.WindowStart(now)
	res, err := acquireScript.Run(ctx, q.client, []string{quotaKey(sourceID)},
		now.UnixMilli(),
		dayStart.UnixMilli(),
		lim.MinInterval.Milliseconds(),
		lim.DailyCap,
		dayStart.Add(24*time.Hour).UnixMilli(),
	).Slice()
	if err != nil {
		return quota.Decision{}, fmt.Errorf("quota script for %q: %w", sourceID, err)
	}
	if len(res) != 3 {
		return quota.Decision{}, fmt.Errorf("quota script for %q: unexpected reply %v", sourceID, res)
	}

	allowed, _ := res[0].(int64)
	reason, _ := res[1].(string)
	retryMs, _ := res[2].(int64)
	return quota.Decision{
		Allowed:    allowed == 1,
		Reason:     quota.Reason(reason),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func (q *QuotaTracker) Stats(ctx context.Context, sourceID string) (quota.Usage, error) {
	lim, ok := q.limits[sourceID]
	if !ok {
		return quota.Usage{}, &domain.UnknownSourceError{SourceID: sourceID}
	}

	vals, err := q.client.HMGet(ctx, quotaKey(sourceID), "day", "count", "last").Result()
	if err != nil {
		return quota.Usage{}, fmt.Errorf("redis quota stats for %q: %w", sourceID, err)
	}

	now := q.now().UTC()
	u := quota.Usage{
		SourceID:    sourceID,
		WindowStart: domain.WindowStart(now),
		DailyCap:    lim.DailyCap,
		MinInterval: lim.MinInterval.String(),
	}
	day := parseInt(vals[0])
	if day == u.WindowStart.UnixMilli() {
		u.RequestsToday = int(parseInt(vals[1]))
	}
	if last := parseInt(vals[2]); last > 0 {
		u.LastRequestAt = time.UnixMilli(last).UTC()
	}
	u.RemainingToday = quota.Remaining(lim.DailyCap, u.RequestsToday)
	return u, nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
