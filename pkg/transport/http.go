package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/clientpulse/clientpulse/pkg/version"
)

// ContentTypeJSON is stamped on outbound requests that carry no content type.
const ContentTypeJSON = "application/json"

// StatusError reports a non-2xx collector response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded with status %d", e.StatusCode)
}

// JSONRoundTripper sets Content-Type to application/json and a clientpulse
// User-Agent on requests that do not already carry them.
type JSONRoundTripper struct {
	Next http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt JSONRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	next := rt.Next
	if next == nil {
		next = http.DefaultTransport
	}
	setType := req.Header.Get("Content-Type") == ""
	setAgent := req.Header.Get("User-Agent") == ""
	if !setType && !setAgent {
		return next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	if setType {
		clone.Header.Set("Content-Type", ContentTypeJSON)
	}
	if setAgent {
		clone.Header.Set("User-Agent", version.UserAgent())
	}
	return next.RoundTrip(clone)
}

// NewHTTPClient returns a client that defaults requests to JSON.
func NewHTTPClient(next http.RoundTripper) *http.Client {
	return &http.Client{Transport: JSONRoundTripper{Next: next}}
}

// HTTPPoster delivers payloads with a blocking POST. Requests are detached
// from the caller's cancellation so a batch sent during teardown still
// completes, bounded by the poster's own timeout.
type HTTPPoster struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	compress bool
}

// HTTPPosterOption customises an HTTPPoster.
type HTTPPosterOption func(*HTTPPoster)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPPosterOption {
	return func(p *HTTPPoster) {
		if c != nil {
			p.client = c
		}
	}
}

// WithRequestTimeout bounds each POST.
func WithRequestTimeout(d time.Duration) HTTPPosterOption {
	return func(p *HTTPPoster) {
		p.timeout = d
	}
}

// WithGzip compresses request bodies.
func WithGzip(enabled bool) HTTPPosterOption {
	return func(p *HTTPPoster) {
		p.compress = enabled
	}
}

// NewHTTPPoster constructs a poster targeting endpoint.
func NewHTTPPoster(endpoint string, opts ...HTTPPosterOption) (*HTTPPoster, error) {
	if endpoint == "" {
		return nil, errors.New("http poster requires an endpoint")
	}
	p := &HTTPPoster{
		endpoint: endpoint,
		client:   NewHTTPClient(nil),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Post implements FallbackChannel.
func (p *HTTPPoster) Post(ctx context.Context, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.Deliver(context.WithoutCancel(ctx), payload)
}

// Deliver POSTs payload honouring ctx cancellation and the poster timeout.
func (p *HTTPPoster) Deliver(ctx context.Context, payload []byte) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := p.body(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	if p.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (p *HTTPPoster) body(payload []byte) ([]byte, error) {
	if !p.compress {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

var _ FallbackChannel = (*HTTPPoster)(nil)
var _ Deliverer = (*HTTPPoster)(nil)
