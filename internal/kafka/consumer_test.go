package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-enrich-flow/pkg/retry"
)

// ── mocks ────────────────────────────────────────────────────────────────────

// fakeReader serves msgs in order, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	next      int
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.next < len(r.msgs) {
		m := r.msgs[r.next]
		r.next++
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func newTestConsumer(msgs ...kafka.Message) (*consumer, *fakeReader) {
	r := &fakeReader{msgs: msgs}
	return &consumer{
		reader: r,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		retry:  retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, r
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestConsumer_TransientHandlerErrorIsRetried(t *testing.T) {
	c, r := newTestConsumer(
		kafka.Message{Topic: TopicRequests, Offset: 0, Value: []byte("a")},
		kafka.Message{Topic: TopicRequests, Offset: 1, Value: []byte("b")},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := map[int64]int{}
	err := c.Subscribe(ctx, func(_ context.Context, m Message) error {
		calls[m.Offset]++
		if m.Offset == 0 && calls[0] == 1 {
			return errors.New("store briefly unavailable")
		}
		if m.Offset == 1 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls[0])
	assert.Equal(t, 1, calls[1])
	assert.Equal(t, []int64{0, 1}, r.commits())
}

func TestConsumer_PersistentFailureStopsBeforeLaterMessages(t *testing.T) {
	c, r := newTestConsumer(
		kafka.Message{Topic: TopicRequests, Offset: 7, Value: []byte("bad")},
		kafka.Message{Topic: TopicRequests, Offset: 8, Value: []byte("good")},
	)
	boom := errors.New("store down")

	var seen []int64
	err := c.Subscribe(context.Background(), func(_ context.Context, m Message) error {
		seen = append(seen, m.Offset)
		if m.Offset == 7 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "offset 7")

	assert.Equal(t, []int64{7, 7, 7}, seen, "the later message is never handed out")
	assert.Empty(t, r.commits(), "no later commit can move the group past the failed message")
}

func TestConsumer_CancelDuringRetryReturnsNil(t *testing.T) {
	c, r := newTestConsumer(kafka.Message{Topic: TopicRequests, Offset: 3})
	c.retry.BaseDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Subscribe(ctx, func(context.Context, Message) error {
		cancel()
		return errors.New("shutting down")
	})
	require.NoError(t, err)
	assert.Empty(t, r.commits())
}
