package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:     LevelWarn,
		Session:   "session-a",
		Component: "transport",
		Event:     "fallback_failed",
		Message:   "collector unreachable",
		Fields: map[string]interface{}{
			"bytes":    512,
			"endpoint": "/api/logs",
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelWarn {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.Fields["endpoint"] != "/api/logs" {
		t.Fatalf("expected endpoint field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestJSONLoggerMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.SetMinLevel(LevelWarn)

	_ = logger.Log(context.Background(), Event{Level: LevelInfo, Event: "flushed"})
	if buf.Len() != 0 {
		t.Fatalf("expected info event to be dropped, got %q", buf.String())
	}
	_ = logger.Log(context.Background(), Event{Level: LevelError, Event: "broken"})
	if buf.Len() == 0 {
		t.Fatal("expected error event to be written")
	}
}

func TestStructuredReporterStampsSessionAndComponent(t *testing.T) {
	var events []Event
	var metrics []Metric
	logger := LoggerFunc(func(_ context.Context, e Event) error {
		events = append(events, e)
		return nil
	})
	collector := MetricsCollectorFunc(func(m Metric) { metrics = append(metrics, m) })

	reporter := NewStructuredReporter("sess-1", logger, collector).ForComponent("buffer")
	reporter.RecordEvent(context.Background(), Event{Event: "flush"})
	reporter.RecordMetric(Counter("buffer_flushes_total", "", nil))

	if len(events) != 1 || events[0].Session != "sess-1" || events[0].Component != "buffer" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(metrics) != 1 || metrics[0].Value != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopReporter); !ok {
		t.Fatal("expected NoopReporter for nil input")
	}
}
