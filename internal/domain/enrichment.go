package domain

import (
	"encoding/json"
	"time"
)

// DefaultTTL is the lifetime of a cache entry. Entries are revalidated on use
// long before they expire.
const DefaultTTL = 7 * 365 * 24 * time.Hour

// Target is the real-world entity being enriched.
type Target struct {
	ID                 string     `json:"target_id"`
	Kind               string     `json:"target_kind"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	RefreshRequestedAt *time.Time `json:"refresh_requested_at,omitempty"`
	LastAttemptedAt    *time.Time `json:"last_attempted_at,omitempty"`
}

// SourceDescriptor is the static configuration of one external system.
type SourceDescriptor struct {
	ID             string            `mapstructure:"id" json:"source_id"`
	AdapterKind    string            `mapstructure:"adapter" json:"adapter_kind"`
	TargetKind     string            `mapstructure:"target_kind" json:"target_kind"`
	Priority       int               `mapstructure:"priority" json:"priority"`
	MinInterval    time.Duration     `mapstructure:"min_interval" json:"min_interval"`
	DailyCap       int               `mapstructure:"daily_cap" json:"daily_cap"`
	InterTaskDelay time.Duration     `mapstructure:"inter_task_delay" json:"inter_task_delay"`
	Timeout        time.Duration     `mapstructure:"timeout" json:"timeout"`
	TTL            time.Duration     `mapstructure:"ttl" json:"ttl"`
	Fallbacks      []string          `mapstructure:"fallbacks" json:"fallbacks,omitempty"`
	VolatileFields []string          `mapstructure:"volatile_fields" json:"volatile_fields,omitempty"`
	BaseURL        string            `mapstructure:"base_url" json:"base_url,omitempty"`
	PathTemplate   string            `mapstructure:"path_template" json:"path_template,omitempty"`
	Headers        map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	// FailEvery makes the mock adapter fail every nth call with a transport error.
	FailEvery      int               `mapstructure:"fail_every" json:"fail_every,omitempty"`
}

// EntryTTL returns the configured TTL or DefaultTTL.
func (d SourceDescriptor) EntryTTL() time.Duration {
	if d.TTL <= 0 {
		return DefaultTTL
	}
	return d.TTL
}

// Chain returns the ordered list of sources a task for this descriptor tries.
func (d SourceDescriptor) Chain() []string {
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.ID)
	for _, fb := range d.Fallbacks {
		if fb != "" && fb != d.ID {
			out = append(out, fb)
		}
	}
	return out
}

// Payload is the opaque result of a fetch.
type Payload []byte

// MarshalJSON embeds JSON payloads verbatim and encodes anything else as a string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if json.Valid(p) {
		return p, nil
	}
	return json.Marshal(string(p))
}

// CacheEntry is the durable result of the latest successful fetch for one
// (target, source) pair.
type CacheEntry struct {
	TargetID             string     `json:"target_id"`
	SourceID             string     `json:"source_id"`
	Payload              Payload    `json:"payload"`
	ContentFingerprint   string     `json:"content_fingerprint"`
	FetchedAt            time.Time  `json:"fetched_at"`
	ValidUntil           time.Time  `json:"valid_until"`
	LastValidatedOnUseAt *time.Time `json:"last_validated_on_use_at,omitempty"`
}

// QuotaWindow is the rolling usage counter for one source.
type QuotaWindow struct {
	SourceID      string    `json:"source_id"`
	WindowStart   time.Time `json:"window_start"`
	CountInWindow int       `json:"count_in_window"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// WindowStart returns the start of the UTC day containing t.
func WindowStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BatchRunReport summarises one scheduled or on-demand batch run.
type BatchRunReport struct {
	RunID                  string    `json:"run_id"`
	Policy                 string    `json:"policy"`
	Trigger                string    `json:"trigger"`
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
	Enqueued               int       `json:"enqueued"`
	Processed              int       `json:"processed"`
	Succeeded              int       `json:"succeeded"`
	Failed                 int       `json:"failed"`
	Skipped                int       `json:"skipped"`
	SkippedDuplicate       int       `json:"skipped_duplicate"`
	Deferred               int       `json:"deferred"`
	Retried                int       `json:"retried"`
	FetchedItems           int       `json:"fetched_items"`
	RemainingBacklog       int       `json:"remaining_backlog"`
	ThroughputPerRun       float64   `json:"throughput_per_run"`
	RunsPerDay             float64   `json:"runs_per_day"`
	EstimatedDaysRemaining *float64  `json:"estimated_days_remaining"`
}

// UnmarshalJSON keeps JSON payloads verbatim and decodes string payloads.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Payload(s)
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}
