package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/observability"
)

const (
	defaultPath         = "/api/logs"
	defaultMaxBodyBytes = 1 << 20
)

var (
	errNotArray  = errors.New("body must be a JSON array")
	errNotObject = errors.New("every entry must be a JSON object")
)

// Server is the HTTP receiving side of the pipeline.
type Server struct {
	sink         Sink
	path         string
	maxBodyBytes int64
	metrics      http.Handler
	clock        clock.Clock
	reporter     observability.Reporter
	engine       *gin.Engine
}

// Option customises a Server.
type Option func(*Server)

// WithPath sets the ingest route. The health check is served under
// <path>/health-check.
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = "/" + strings.Trim(path, "/")
		}
	}
}

// WithMaxBodyBytes caps the decoded request body.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithClock overrides the time source for batch timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) Option {
	return func(s *Server) {
		s.reporter = observability.OrNoop(r)
	}
}

// NewServer builds the route table around sink.
func NewServer(sink Sink, opts ...Option) (*Server, error) {
	if sink == nil {
		return nil, errors.New("collector requires a sink")
	}
	s := &Server{
		sink:         sink,
		path:         defaultPath,
		maxBodyBytes: defaultMaxBodyBytes,
		clock:        clock.Real(),
		reporter:     observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST(s.path, s.ingest)
	engine.HEAD(s.path+"/health-check", s.health)
	engine.GET(s.path+"/health-check", s.health)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	s.engine = engine
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "collector_listening",
		Fields: map[string]interface{}{
			"addr": addr,
			"path": s.path,
		},
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("collector server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown collector: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ingest(c *gin.Context) {
	entries, err := s.decode(c.Writer, c.Request)
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		s.recordBatch("rejected", 0)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	batch := Batch{
		ID:         uuid.NewString(),
		ReceivedAt: s.clock.Now(),
		Remote:     c.ClientIP(),
		Entries:    entries,
	}
	if err := s.sink.Store(c.Request.Context(), batch); err != nil {
		s.recordBatch("failed", 0)
		s.reporter.RecordEvent(c.Request.Context(), observability.Event{
			Level:   observability.LevelError,
			Event:   "store_failed",
			Message: err.Error(),
			Fields: map[string]interface{}{
				"batch":   batch.ID,
				"entries": len(entries),
			},
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store batch"})
		return
	}

	s.recordBatch("stored", len(entries))
	c.JSON(http.StatusAccepted, gin.H{"batch": batch.ID, "entries": len(entries)})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) ([]Entry, error) {
	var body io.Reader = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		defer zr.Close()
		body = http.MaxBytesReader(w, io.NopCloser(zr), s.maxBodyBytes)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errNotArray
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for i, item := range items {
		var fields map[string]any
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fmt.Errorf("entry %d: %w", i, errNotObject)
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		session, _ := fields["session"].(string)
		entries = append(entries, Entry{
			Raw:     json.RawMessage(trimmed),
			Session: session,
			Kind:    entryKind(fields),
		})
	}
	return entries, nil
}

func (s *Server) recordBatch(result string, entries int) {
	s.reporter.RecordMetric(observability.Counter(
		"collector_batches_total",
		"Batches received by the collector grouped by result.",
		map[string]string{"result": result},
	))
	if entries > 0 {
		s.reporter.RecordMetric(observability.Metric{
			Name:        "collector_entries_total",
			Type:        observability.MetricCounter,
			Value:       float64(entries),
			Description: "Entries stored by the collector.",
		})
	}
}
