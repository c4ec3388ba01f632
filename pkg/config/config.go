package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "/etc/clientpulse/config.yaml"

const defaultMaxTextLength = 120

// Config represents the runtime configuration for a telemetry session and the
// optional collector that receives its batches.
type Config struct {
	ClientName string           `yaml:"client_name"`
	Endpoint   string           `yaml:"endpoint"`
	Capture    CaptureConfig    `yaml:"capture"`
	Activity   ActivityConfig   `yaml:"activity"`
	Navigation NavigationConfig `yaml:"navigation"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Transport  TransportConfig  `yaml:"transport"`
	Probe      ProbeConfig      `yaml:"probe"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Collector  CollectorConfig  `yaml:"collector"`
	LogLevel   string           `yaml:"log_level"`
}

// CaptureConfig scopes which raw interactions become log entries.
type CaptureConfig struct {
	Kinds         []string `yaml:"kinds"`
	ElementsScope []string `yaml:"elements_in_scope"`
	WindowMs      int      `yaml:"window_ms"`
	// MaxTextLength caps captured text in runes; an explicit 0 disables
	// truncation.
	MaxTextLength *int `yaml:"max_text_length"`
}

// ActivityConfig controls the active/idle/hidden classification clock.
type ActivityConfig struct {
	TickIntervalMs  int `yaml:"tick_interval_ms"`
	IdleThresholdMs int `yaml:"idle_threshold_ms"`
}

// NavigationConfig configures the view tracker.
type NavigationConfig struct {
	InitialView string `yaml:"initial_view"`
}

// BufferConfig holds the flush thresholds of the batching buffer.
type BufferConfig struct {
	MaxEntries       int `yaml:"max_entries"`
	MaxBytes         int `yaml:"max_bytes"`
	FlushIntervalSec int `yaml:"flush_interval_sec"`
}

// TransportConfig configures beacon and fallback delivery.
type TransportConfig struct {
	BeaconEnabled         *bool `yaml:"beacon_enabled"`
	BeaconMaxBytes        int   `yaml:"beacon_max_bytes"`
	BeaconQueueSize       int   `yaml:"beacon_queue_size"`
	RequestTimeoutSec     int   `yaml:"request_timeout_sec"`
	DrainTimeoutSec       int   `yaml:"drain_timeout_sec"`
	Compress              bool  `yaml:"compress"`
	SkipBeaconWhenOffline bool  `yaml:"skip_beacon_when_offline"`
}

// ProbeConfig configures the connectivity health probe.
type ProbeConfig struct {
	Enabled            bool `yaml:"enabled"`
	SuccessIntervalSec int  `yaml:"success_interval_sec"`
	FailureIntervalSec int  `yaml:"failure_interval_sec"`
	TimeoutSec         int  `yaml:"timeout_sec"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CollectorConfig configures the receiving side.
type CollectorConfig struct {
	Listen       string      `yaml:"listen"`
	Path         string      `yaml:"path"`
	Sink         string      `yaml:"sink"`
	SQLitePath   string      `yaml:"sqlite_path"`
	PostgresDSN  string      `yaml:"postgres_dsn"`
	Kafka        KafkaConfig `yaml:"kafka"`
	MaxBodyBytes int64       `yaml:"max_body_bytes"`
}

// KafkaConfig points the kafka sink at a topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Sink names accepted by collector.sink.
const (
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
)

var knownKinds = map[string]struct{}{
	"click":            {},
	"mouseover":        {},
	"visibilitychange": {},
	"beforeunload":     {},
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

// Parse decodes and validates a configuration from r.
func Parse(r io.Reader) (*Config, error) {
	return decode(r)
}

// Default returns a validated configuration pointing at endpoint with every
// other field at its default.
func Default(endpoint string) (*Config, error) {
	cfg := &Config{Endpoint: endpoint}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(c.Endpoint) == "" {
		problems = append(problems, "endpoint is required")
	} else if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("endpoint %q must be an absolute http(s) URL", c.Endpoint))
	}

	for i, kind := range c.Capture.Kinds {
		if _, ok := knownKinds[kind]; !ok {
			problems = append(problems, fmt.Sprintf("capture.kinds[%d]: kind %q is not supported", i, kind))
		}
	}
	if len(c.Capture.ElementsScope) == 0 {
		problems = append(problems, "capture.elements_in_scope must list at least one element tag")
	}
	if c.Capture.WindowMs <= 0 {
		problems = append(problems, "capture.window_ms must be greater than zero")
	}
	if c.Capture.MaxTextLength != nil && *c.Capture.MaxTextLength < 0 {
		problems = append(problems, "capture.max_text_length must be non-negative")
	}

	if c.Activity.TickIntervalMs <= 0 {
		problems = append(problems, "activity.tick_interval_ms must be greater than zero")
	}
	if c.Activity.IdleThresholdMs <= 0 {
		problems = append(problems, "activity.idle_threshold_ms must be greater than zero")
	}
	if c.Activity.IdleThresholdMs > 0 && c.Activity.IdleThresholdMs < c.Activity.TickIntervalMs {
		problems = append(problems, "activity.idle_threshold_ms must be greater than or equal to activity.tick_interval_ms")
	}

	if c.Buffer.MaxEntries <= 0 {
		problems = append(problems, "buffer.max_entries must be greater than zero")
	}
	if c.Buffer.MaxBytes <= 0 {
		problems = append(problems, "buffer.max_bytes must be greater than zero")
	}
	if c.Buffer.FlushIntervalSec <= 0 {
		problems = append(problems, "buffer.flush_interval_sec must be greater than zero")
	}

	if c.Transport.BeaconMaxBytes <= 0 {
		problems = append(problems, "transport.beacon_max_bytes must be greater than zero")
	}
	if c.Transport.BeaconQueueSize <= 0 {
		problems = append(problems, "transport.beacon_queue_size must be greater than zero")
	}
	if c.Transport.RequestTimeoutSec <= 0 {
		problems = append(problems, "transport.request_timeout_sec must be greater than zero")
	}
	if c.Transport.DrainTimeoutSec < 0 {
		problems = append(problems, "transport.drain_timeout_sec must be non-negative")
	}

	if c.Probe.Enabled {
		if c.Probe.SuccessIntervalSec <= 0 {
			problems = append(problems, "probe.success_interval_sec must be greater than zero")
		}
		if c.Probe.FailureIntervalSec <= 0 {
			problems = append(problems, "probe.failure_interval_sec must be greater than zero")
		}
		if c.Probe.TimeoutSec <= 0 {
			problems = append(problems, "probe.timeout_sec must be greater than zero")
		}
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
	}

	switch strings.ToLower(c.LogLevel) {
	case "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q must be one of info, warn, error", c.LogLevel))
	}

	problems = append(problems, c.Collector.validate()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ClientName) == "" {
		c.ClientName = "clientpulse"
	}
	if c.Capture.Kinds == nil {
		c.Capture.Kinds = []string{"click", "mouseover", "visibilitychange", "beforeunload"}
	}
	if c.Capture.ElementsScope == nil {
		c.Capture.ElementsScope = []string{"BUTTON", "INPUT"}
	}
	if c.Capture.WindowMs == 0 {
		c.Capture.WindowMs = 3000
	}
	if c.Capture.MaxTextLength == nil {
		limit := defaultMaxTextLength
		c.Capture.MaxTextLength = &limit
	}
	if c.Activity.TickIntervalMs == 0 {
		c.Activity.TickIntervalMs = 1000
	}
	if c.Activity.IdleThresholdMs == 0 {
		c.Activity.IdleThresholdMs = 30000
	}
	if strings.TrimSpace(c.Navigation.InitialView) == "" {
		c.Navigation.InitialView = "/"
	}
	if c.Buffer.MaxEntries == 0 {
		c.Buffer.MaxEntries = 50
	}
	if c.Buffer.MaxBytes == 0 {
		c.Buffer.MaxBytes = 10000
	}
	if c.Buffer.FlushIntervalSec == 0 {
		c.Buffer.FlushIntervalSec = 60
	}
	if c.Transport.BeaconEnabled == nil {
		enabled := true
		c.Transport.BeaconEnabled = &enabled
	}
	if c.Transport.BeaconMaxBytes == 0 {
		c.Transport.BeaconMaxBytes = 64 * 1024
	}
	if c.Transport.BeaconQueueSize == 0 {
		c.Transport.BeaconQueueSize = 16
	}
	if c.Transport.RequestTimeoutSec == 0 {
		c.Transport.RequestTimeoutSec = 10
	}
	if c.Transport.DrainTimeoutSec == 0 {
		c.Transport.DrainTimeoutSec = 2
	}
	if c.Probe.SuccessIntervalSec == 0 {
		c.Probe.SuccessIntervalSec = 60
	}
	if c.Probe.FailureIntervalSec == 0 {
		c.Probe.FailureIntervalSec = 30
	}
	if c.Probe.TimeoutSec == 0 {
		c.Probe.TimeoutSec = 5
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Collector.applyDefaults()
}

func (c *CollectorConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8123"
	}
	if c.Path == "" {
		c.Path = "/api/logs"
	}
	if c.Sink == "" {
		c.Sink = SinkSQLite
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "clientpulse.db"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

func (c CollectorConfig) validate() []string {
	problems := make([]string, 0)
	if !strings.HasPrefix(c.Path, "/") {
		problems = append(problems, "collector.path must start with /")
	}
	if c.MaxBodyBytes < 0 {
		problems = append(problems, "collector.max_body_bytes must be non-negative")
	}
	switch c.Sink {
	case SinkSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			problems = append(problems, "collector.sqlite_path is required for the sqlite sink")
		}
	case SinkPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			problems = append(problems, "collector.postgres_dsn is required for the postgres sink")
		}
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, "collector.kafka.brokers must contain at least one broker")
		}
		if strings.TrimSpace(c.Kafka.Topic) == "" {
			problems = append(problems, "collector.kafka.topic is required for the kafka sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("collector.sink %q is not supported", c.Sink))
	}
	return problems
}

// HealthCheckURL returns the connectivity probe target derived from the endpoint.
func (c *Config) HealthCheckURL() string {
	return strings.TrimRight(c.Endpoint, "/") + "/health-check"
}

// BeaconEnabled reports whether the preferred non-blocking channel is used.
func (c *Config) BeaconEnabled() bool {
	return c.Transport.BeaconEnabled == nil || *c.Transport.BeaconEnabled
}

// TextLimit returns the capture text cap in runes; 0 means unlimited.
func (c *Config) TextLimit() int {
	if c.Capture.MaxTextLength == nil {
		return defaultMaxTextLength
	}
	return *c.Capture.MaxTextLength
}

// CaptureWindow returns the micro-batch window of the capture stream.
func (c *Config) CaptureWindow() time.Duration {
	return time.Duration(c.Capture.WindowMs) * time.Millisecond
}

// TickInterval returns the activity clock period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Activity.TickIntervalMs) * time.Millisecond
}

// IdleThreshold returns how long without interaction marks a tick as idle.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Activity.IdleThresholdMs) * time.Millisecond
}

// FlushInterval returns the staleness bound of the batching buffer.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Buffer.FlushIntervalSec) * time.Second
}

// RequestTimeout returns the timeout applied to each outbound delivery.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Transport.RequestTimeoutSec) * time.Second
}

// DrainTimeout returns how long closing the beacon waits for queued payloads.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Transport.DrainTimeoutSec) * time.Second
}

// ProbeIntervals returns the success and failure polling intervals.
func (c *Config) ProbeIntervals() (time.Duration, time.Duration) {
	return time.Duration(c.Probe.SuccessIntervalSec) * time.Second, time.Duration(c.Probe.FailureIntervalSec) * time.Second
}

// ProbeTimeout returns the health probe request timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSec) * time.Second
}
