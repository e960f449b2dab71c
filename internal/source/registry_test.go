package source_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/source"
)

// stub is a minimal Adapter for registry tests.
type stub struct{ id string }

func (s *stub) SourceID() string                                  { return s.id }
func (s *stub) Fetch(_ context.Context, _ string) ([]byte, error) { return []byte(`{}`), nil }

func TestRegistry_Get_KnownSource(t *testing.T) {
	reg := source.NewRegistry()
	reg.Register(&stub{id: "registry"})

	a, err := reg.Get("registry")
	require.NoError(t, err)
	assert.Equal(t, "registry", a.SourceID())
}

func TestRegistry_Get_UnknownSource(t *testing.T) {
	reg := source.NewRegistry()

	_, err := reg.Get("mirror")
	require.Error(t, err)

	var unknown *domain.UnknownSourceError
	assert.True(t, errors.As(err, &unknown), "expected UnknownSourceError, got %T", err)
	assert.Equal(t, "mirror", unknown.SourceID)
}

func TestRegistry_SourcesSorted(t *testing.T) {
	reg := source.NewRegistry()
	reg.Register(&stub{id: "zeta"})
	reg.Register(&stub{id: "alpha"})
	reg.Register(&stub{id: "alpha"})

	assert.Equal(t, []string{"alpha", "zeta"}, reg.Sources())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := source.NewRegistry()
	reg.Register(&stub{id: "registry"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{id: "mirror"}) }()
		go func() { defer wg.Done(); _, _ = reg.Get("registry") }()
	}
	wg.Wait()
}

func TestMockAdapter_DeterministicBusinessFields(t *testing.T) {
	m := source.NewMockAdapter("mock", 0)
	ctx := context.Background()

	a, err := m.Fetch(ctx, "acme")
	require.NoError(t, err)
	b, err := m.Fetch(ctx, "acme")
	require.NoError(t, err)

	strip := func(raw []byte) map[string]any {
		var v map[string]any
		require.NoError(t, json.Unmarshal(raw, &v))
		delete(v, "scrapedAt")
		return v
	}
	assert.Equal(t, strip(a), strip(b))

	other, err := m.Fetch(ctx, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, strip(a)["id"], strip(other)["id"])
}

func TestMockAdapter_FailEvery(t *testing.T) {
	m := source.NewMockAdapter("mock", 3)
	ctx := context.Background()

	var failures int
	for i := 0; i < 9; i++ {
		if _, err := m.Fetch(ctx, "acme"); err != nil {
			failures++
			assert.Equal(t, domain.KindTransport, domain.KindOf(err))
		}
	}
	assert.Equal(t, 3, failures)
}

func TestBuild(t *testing.T) {
	reg, err := source.Build([]domain.SourceDescriptor{
		{ID: "registry", AdapterKind: source.KindHTTPJSON, BaseURL: "http://registry.invalid"},
		{ID: "tariffs", AdapterKind: source.KindHTTPRaw, BaseURL: "http://tariffs.invalid"},
		{ID: "demo", AdapterKind: source.KindMock},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo", "registry", "tariffs"}, reg.Sources())
}

func TestBuild_Errors(t *testing.T) {
	_, err := source.Build([]domain.SourceDescriptor{{ID: "x", AdapterKind: "ftp"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown adapter kind")

	_, err = source.Build([]domain.SourceDescriptor{{ID: "x", AdapterKind: source.KindHTTPJSON}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")

	_, err = source.Build([]domain.SourceDescriptor{{AdapterKind: source.KindMock}}, nil)
	require.Error(t, err)
}
