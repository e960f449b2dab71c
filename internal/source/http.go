package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
)

// Format selects how a response body is validated.
type Format string

const (
	FormatJSON Format = "json"
	FormatRaw  Format = "raw"
)

const maxBodyBytes = 16 << 20

// HTTPAdapter GETs BaseURL+PathTemplate with {id} replaced by the target ID.
type HTTPAdapter struct {
	sourceID string
	baseURL  string
	path     string
	headers  map[string]string
	format   Format
	maxBody  int64
	client   *http.Client
	now      func() time.Time
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption { return func(a *HTTPAdapter) { a.client = c } }

// WithFormat selects JSON validation or raw passthrough. Defaults to JSON.
func WithFormat(f Format) HTTPOption { return func(a *HTTPAdapter) { a.format = f } }

// WithMaxBodyBytes caps the accepted response size. Larger bodies fail as
// parse errors. Defaults to 16 MiB.
func WithMaxBodyBytes(n int64) HTTPOption { return func(a *HTTPAdapter) { a.maxBody = n } }

// NewHTTPAdapter builds an adapter from a descriptor.
func NewHTTPAdapter(d domain.SourceDescriptor, opts ...HTTPOption) (*HTTPAdapter, error) {
	base := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("source %q: base_url is required", d.ID)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("source %q: invalid base_url: %w", d.ID, err)
	}
	path := d.PathTemplate
	if path == "" {
		path = "/{id}"
	}
	a := &HTTPAdapter{
		sourceID: d.ID,
		baseURL:  base,
		path:     path,
		headers:  d.Headers,
		format:   FormatJSON,
		maxBody:  maxBodyBytes,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxBody <= 0 {
		a.maxBody = maxBodyBytes
	}
	return a, nil
}

func (a *HTTPAdapter) SourceID() string { return a.sourceID }

func (a *HTTPAdapter) Fetch(ctx context.Context, targetID string) ([]byte, error) {
	ctx, span := otel.Tracer("source").Start(ctx, "source.http_fetch")
	defer span.End()

	u := a.baseURL + strings.ReplaceAll(a.path, "{id}", url.PathEscape(targetID))
	span.SetAttributes(
		attribute.String("source.id", a.sourceID),
		attribute.String("target.id", targetID),
		attribute.String("http.url", u),
	)

	body, status, retryAfter, err := a.doGET(ctx, u)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		fe := a.classify(targetID, status, retryAfter, err)
		span.RecordError(fe)
		span.SetStatus(codes.Error, string(fe.Kind))
		return nil, fe
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, a.fail(targetID, domain.KindParse, status, errors.New("empty response body"))
	}
	if a.format == FormatJSON && !json.Valid(body) {
		return nil, a.fail(targetID, domain.KindParse, status, errors.New("response is not valid JSON"))
	}
	return body, nil
}

// statusError is a non-2xx reply.
type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + strconv.Itoa(e.code) }

// oversizeError is a 2xx reply larger than the adapter accepts.
type oversizeError struct{ limit int64 }

func (e *oversizeError) Error() string { return fmt.Sprintf("response exceeds %d bytes", e.limit) }

func (a *HTTPAdapter) doGET(ctx context.Context, u string) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	if a.format == FormatJSON {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", "go-enrich-flow")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	// One byte past the limit tells a full body from a truncated one.
	b, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, a.parseRetryAfter(resp.Header.Get("Retry-After")), &statusError{code: resp.StatusCode}
	}
	if int64(len(b)) > a.maxBody {
		return nil, resp.StatusCode, 0, &oversizeError{limit: a.maxBody}
	}
	return b, resp.StatusCode, 0, nil
}

func (a *HTTPAdapter) classify(targetID string, status int, retryAfter time.Duration, err error) *domain.FetchError {
	var oe *oversizeError
	if errors.As(err, &oe) {
		return a.fail(targetID, domain.KindParse, status, err)
	}
	var se *statusError
	if !errors.As(err, &se) {
		return a.fail(targetID, domain.KindTransport, status, err)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return a.fail(targetID, domain.KindNotFound, status, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusUnavailableForLegalReasons:
		return a.fail(targetID, domain.KindBlocked, status, err)
	case status == http.StatusTooManyRequests:
		fe := a.fail(targetID, domain.KindRateLimited, status, err)
		fe.RetryAfter = retryAfter
		return fe
	case status == http.StatusRequestTimeout:
		fe := a.fail(targetID, domain.KindTransport, status, err)
		fe.RetryAfter = retryAfter
		return fe
	case status >= 400 && status < 500:
		return a.fail(targetID, domain.KindParse, status, err)
	default:
		fe := a.fail(targetID, domain.KindTransport, status, err)
		fe.RetryAfter = retryAfter
		return fe
	}
}

func (a *HTTPAdapter) fail(targetID string, kind domain.ErrorKind, status int, err error) *domain.FetchError {
	return &domain.FetchError{Kind: kind, SourceID: a.sourceID, TargetID: targetID, StatusCode: status, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func (a *HTTPAdapter) parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(a.now()); d > 0 {
			return d
		}
	}
	return 0
}
