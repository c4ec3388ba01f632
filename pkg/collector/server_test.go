package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memorySink struct {
	mu      sync.Mutex
	err     error
	batches []Batch
	closed  bool
}

func (m *memorySink) Store(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) snapshot() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

func newTestServer(t *testing.T, sink Sink, opts ...Option) *Server {
	t.Helper()
	srv, err := NewServer(sink, opts...)
	require.NoError(t, err)
	return srv
}

func post(t *testing.T, h http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestStoresEntriesVerbatim(t *testing.T) {
	sink := &memorySink{}
	received := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	srv := newTestServer(t, sink, WithClock(clock.Fake(received)))

	body := []byte(`[{"action":"click","element":"BUTTON","session":"s-1"},{"type":"view_duration","view":"/","session":"s-1"}]`)
	rec := post(t, srv.Handler(), "/api/logs", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["entries"])

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, resp["batch"], batches[0].ID)
	assert.Equal(t, received, batches[0].ReceivedAt)
	require.Len(t, batches[0].Entries, 2)
	assert.JSONEq(t, `{"action":"click","element":"BUTTON","session":"s-1"}`, string(batches[0].Entries[0].Raw))
	assert.Equal(t, "click", batches[0].Entries[0].Kind)
	assert.Equal(t, "view_duration", batches[0].Entries[1].Kind)
	assert.Equal(t, "s-1", batches[0].Entries[1].Session)
}

func TestIngestAcceptsGzipBodies(t *testing.T) {
	sink := &memorySink{}
	srv := newTestServer(t, sink)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`[{"type":"visibility","action":"hidden"}]`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	rec := post(t, srv.Handler(), "/api/logs", buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sink.snapshot(), 1)
	assert.Equal(t, "visibility", sink.snapshot()[0].Entries[0].Kind)
}

func TestIngestRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":       `hello`,
		"object body":    `{"action":"click"}`,
		"scalar entry":   `[1,2]`,
		"truncated json": `[{"action":"click"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			sink := &memorySink{}
			srv := newTestServer(t, sink)
			rec := post(t, srv.Handler(), "/api/logs", []byte(body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, sink.snapshot())
		})
	}
}

func TestIngestEmptyArrayIsNoContent(t *testing.T) {
	sink := &memorySink{}
	srv := newTestServer(t, sink)
	rec := post(t, srv.Handler(), "/api/logs", []byte(`[]`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, sink.snapshot())
}

func TestIngestEnforcesBodyLimit(t *testing.T) {
	srv := newTestServer(t, &memorySink{}, WithMaxBodyBytes(16))
	rec := post(t, srv.Handler(), "/api/logs", []byte(`[{"text":"`+strings.Repeat("x", 64)+`"}]`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestSinkFailureIsReported(t *testing.T) {
	var mu sync.Mutex
	var events []observability.Event
	var metrics []observability.Metric
	reporter := observability.ReporterFuncs{
		OnEvent: func(_ context.Context, e observability.Event) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		},
		OnMetric: func(m observability.Metric) {
			mu.Lock()
			defer mu.Unlock()
			metrics = append(metrics, m)
		},
	}
	sink := &memorySink{err: errors.New("disk full")}
	srv := newTestServer(t, sink, WithReporter(reporter))

	rec := post(t, srv.Handler(), "/api/logs", []byte(`[{"a":1}]`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "store_failed", events[0].Event)
	require.Len(t, metrics, 1)
	assert.Equal(t, map[string]string{"result": "failed"}, metrics[0].Labels)
}

func TestHealthCheckAnswersHeadAndGet(t *testing.T) {
	srv := newTestServer(t, &memorySink{}, WithPath("/collect/"))

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req := httptest.NewRequest(method, "/collect/health-check", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}

	rec := post(t, srv.Handler(), "/collect", []byte(`[{"a":1}]`), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsRouteServesPrometheusText(t *testing.T) {
	collector := observability.NewPrometheusCollector()
	reporter := observability.NewStructuredReporter("collector", nil, collector)
	srv := newTestServer(t, &memorySink{}, WithReporter(reporter), WithMetricsHandler(collector.Handler()))

	rec := post(t, srv.Handler(), "/api/logs", []byte(`[{"a":1},{"b":2}]`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(metricsRec, req)
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), `clientpulse_collector_batches_total{result="stored"} 1`)
	assert.Contains(t, metricsRec.Body.String(), `clientpulse_collector_entries_total 2`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t, &memorySink{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not shut down")
	}
}

func TestNewServerRequiresSink(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}
