package source

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Adapter kinds accepted in source descriptors.
const (
	KindHTTPJSON = "http_json"
	KindHTTPRaw  = "http_raw"
	KindMock     = "mock"
)

// Build creates a registry with one adapter per descriptor. An unknown
// adapter kind or an invalid HTTP descriptor is a configuration error.
func Build(descriptors []domain.SourceDescriptor, client *http.Client) (*Registry, error) {
	reg := NewRegistry()
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, errors.New("source descriptor without id")
		}
		var opts []HTTPOption
		if client != nil {
			opts = append(opts, WithHTTPClient(client))
		}
		switch d.AdapterKind {
		case KindHTTPJSON, "":
			a, err := NewHTTPAdapter(d, append(opts, WithFormat(FormatJSON))...)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
		case KindHTTPRaw:
			a, err := NewHTTPAdapter(d, append(opts, WithFormat(FormatRaw))...)
			if err != nil {
				return nil, err
			}
			reg.Register(a)
		case KindMock:
			reg.Register(NewMockAdapter(d.ID, d.FailEvery))
		default:
			return nil, fmt.Errorf("source %q: unknown adapter kind %q", d.ID, d.AdapterKind)
		}
	}
	return reg, nil
}
