package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeValidConfig(t *testing.T) {
	yaml := `client_name: dashboard
endpoint: https://collector.example.com/api/logs
capture:
  window_ms: 1000
activity:
  idle_threshold_ms: 45000
buffer:
  max_entries: 20
probe:
  enabled: true
`

	cfg, err := decode(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}

	if cfg.ClientName != "dashboard" {
		t.Fatalf("unexpected client name: %s", cfg.ClientName)
	}
	if cfg.CaptureWindow() != time.Second {
		t.Fatalf("expected capture window 1s, got %s", cfg.CaptureWindow())
	}
	if cfg.IdleThreshold() != 45*time.Second {
		t.Fatalf("expected idle threshold 45s, got %s", cfg.IdleThreshold())
	}
	if cfg.TickInterval() != time.Second {
		t.Fatalf("expected default tick 1s, got %s", cfg.TickInterval())
	}
	if cfg.Buffer.MaxEntries != 20 {
		t.Fatalf("expected max entries 20, got %d", cfg.Buffer.MaxEntries)
	}
	if cfg.Buffer.MaxBytes != 10000 {
		t.Fatalf("expected default max bytes 10000, got %d", cfg.Buffer.MaxBytes)
	}
	if cfg.FlushInterval() != time.Minute {
		t.Fatalf("expected default flush interval 60s, got %s", cfg.FlushInterval())
	}
	success, failure := cfg.ProbeIntervals()
	if success != time.Minute || failure != 30*time.Second {
		t.Fatalf("unexpected probe intervals %s/%s", success, failure)
	}
	if !cfg.BeaconEnabled() {
		t.Fatal("expected beacon enabled by default")
	}
	if got := cfg.HealthCheckURL(); got != "https://collector.example.com/api/logs/health-check" {
		t.Fatalf("unexpected health check url %s", got)
	}
	if cfg.Navigation.InitialView != "/" {
		t.Fatalf("expected initial view /, got %q", cfg.Navigation.InitialView)
	}
	if cfg.Collector.Sink != SinkSQLite {
		t.Fatalf("expected sqlite sink default, got %s", cfg.Collector.Sink)
	}
}

func TestMaxTextLengthZeroDisablesTruncation(t *testing.T) {
	cfg, err := decode(strings.NewReader("endpoint: https://collector.example.com/api/logs\n"))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if got := cfg.TextLimit(); got != 120 {
		t.Fatalf("expected default text limit 120, got %d", got)
	}

	cfg, err = decode(strings.NewReader(`endpoint: https://collector.example.com/api/logs
capture:
  max_text_length: 0
`))
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if got := cfg.TextLimit(); got != 0 {
		t.Fatalf("expected explicit 0 to be kept, got %d", got)
	}

	_, err = decode(strings.NewReader(`endpoint: https://collector.example.com/api/logs
capture:
  max_text_length: -1
`))
	if err == nil || !strings.Contains(err.Error(), "max_text_length") {
		t.Fatalf("expected negative limit to be rejected, got %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	yaml := `endpoint: https://collector.example.com/api/logs
flush_everything: true
`
	if _, err := decode(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateDetectsProblems(t *testing.T) {
	yaml := `endpoint: "ftp://collector"
capture:
  kinds: [click, scroll]
  elements_in_scope: []
activity:
  tick_interval_ms: 5000
  idle_threshold_ms: 1000
log_level: debug
collector:
  sink: kafka
`
	_, err := decode(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	joined := strings.Join(verr.Problems, "\n")
	for _, want := range []string{
		"endpoint",
		`kind "scroll"`,
		"elements_in_scope",
		"idle_threshold_ms",
		"log_level",
		"kafka.brokers",
		"kafka.topic",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected problem mentioning %q, got:\n%s", want, joined)
		}
	}
	if !errors.Is(err, &ValidationError{}) {
		t.Fatal("expected errors.Is to match ValidationError")
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default("http://127.0.0.1:8123/api/logs")
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Buffer.MaxEntries != 50 {
		t.Fatalf("expected default max entries 50, got %d", cfg.Buffer.MaxEntries)
	}
	if _, err := Default(""); err == nil {
		t.Fatal("expected missing endpoint to fail validation")
	}
}

func TestLoadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("endpoint: http://localhost:8123/api/logs\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint != "http://localhost:8123/api/logs" {
		t.Fatalf("unexpected endpoint %s", cfg.Endpoint)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
