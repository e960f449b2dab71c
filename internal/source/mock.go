package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// MockAdapter produces deterministic payloads without network calls. The
// business fields depend only on the target ID; scrapedAt changes on every
// call and is meant to be configured as a volatile field.
type MockAdapter struct {
	sourceID  string
	failEvery int
	calls     atomic.Int64
	now       func() time.Time
}

// NewMockAdapter creates a mock for sourceID. failEvery > 0 makes every nth
// call fail with a transport error.
func NewMockAdapter(sourceID string, failEvery int) *MockAdapter {
	return &MockAdapter{sourceID: sourceID, failEvery: failEvery, now: time.Now}
}

func (m *MockAdapter) SourceID() string { return m.sourceID }

func (m *MockAdapter) Fetch(ctx context.Context, targetID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.FetchError{Kind: domain.KindTransport, SourceID: m.sourceID, TargetID: targetID, Err: err}
	}
	n := m.calls.Add(1)
	if m.failEvery > 0 && n%int64(m.failEvery) == 0 {
		return nil, &domain.FetchError{
			Kind: domain.KindTransport, SourceID: m.sourceID, TargetID: targetID,
			Err: errors.New("injected failure"),
		}
	}

	h := hash64(m.sourceID + "|" + targetID)
	return json.Marshal(map[string]any{
		"id":        targetID,
		"source":    m.sourceID,
		"name":      fmt.Sprintf("Synthetic %s", targetID),
		"score":     h % 1000,
		"region":    regions[h%uint64(len(regions))],
		"scrapedAt": m.now().UTC().Format(time.RFC3339Nano),
	})
}

var regions = []string{"north", "south", "east", "west"}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
