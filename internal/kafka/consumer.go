package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-enrich-flow/pkg/retry"
)

// Message is the part of a Kafka record handlers need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Time    time.Time
	Headers []kafka.Header
}

// HandlerFunc processes one message. A nil return commits the offset. An
// error is retried in place; if it persists, Subscribe returns without
// committing and nothing after the message is consumed, so the group
// redelivers it to the next subscriber.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from one topic as part of a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumer struct {
	reader messageReader
	logger *slog.Logger
	retry  retry.Config
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{
		reader: r,
		logger: logger,
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}
}

// Subscribe blocks until ctx is cancelled, handing each message to handler
// with the producer's trace context restored. It returns an error, leaving
// the offset uncommitted, when the handler keeps failing on a message.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Time:    m.Time,
			Headers: m.Headers,
		}
		cfg := c.retry
		cfg.OnRetry = func(attempt int, err error) {
			c.logger.Warn("message handler failed, retrying",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		err = retry.Do(msgCtx, cfg, func() error { return handler(msgCtx, msg) })
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("message handler failed, stopping before commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("handle %s offset %d: %w", m.Topic, m.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit kafka offset failed",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
