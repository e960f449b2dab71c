package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

const (
	TopicFailed   = "enrichment.failed"
	TopicChanged  = "enrichment.changed"
	TopicReports  = "enrichment.reports"
	TopicRequests = "enrichment.requests"
)

// AlarmEvent is published for every task that ends failed.
type AlarmEvent struct {
	TaskID       string           `json:"task_id"`
	TargetID     string           `json:"target_id"`
	SourceID     string           `json:"source_id"`
	Outcome      domain.Outcome   `json:"outcome"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	Error        string           `json:"error,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	At           time.Time        `json:"at"`
}

// ChangeEvent announces a cache entry whose content changed. Downstream
// parsers subscribe to it instead of polling the cache.
type ChangeEvent struct {
	TargetID           string    `json:"target_id"`
	SourceID           string    `json:"source_id"`
	ContentFingerprint string    `json:"content_fingerprint"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// Events publishes pipeline events as JSON.
type Events struct {
	producer Producer
}

func NewEvents(p Producer) *Events {
	return &Events{producer: p}
}

func (e *Events) TaskFailed(ctx context.Context, ev AlarmEvent) error {
	return e.publish(ctx, TopicFailed, ev.TargetID, ev)
}

func (e *Events) EntryChanged(ctx context.Context, ev ChangeEvent) error {
	return e.publish(ctx, TopicChanged, ev.SourceID+":"+ev.TargetID, ev)
}

func (e *Events) RunReported(ctx context.Context, r domain.BatchRunReport) error {
	return e.publish(ctx, TopicReports, r.Policy, r)
}

func (e *Events) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return e.producer.Publish(ctx, topic, key, b)
}
