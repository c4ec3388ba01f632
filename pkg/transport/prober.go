package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/observability"
)

// HealthChecker probes the collector.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// HealthCheckerFunc adapts a function into a HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// Check implements HealthChecker.
func (f HealthCheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPHealthChecker issues HEAD requests against the health-check URL. Any
// response below 500 counts as reachable.
type HTTPHealthChecker struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPHealthChecker constructs a checker for url.
func NewHTTPHealthChecker(url string, client *http.Client, timeout time.Duration) (*HTTPHealthChecker, error) {
	if url == "" {
		return nil, errors.New("health checker requires a url")
	}
	if client == nil {
		client = NewHTTPClient(nil)
	}
	return &HTTPHealthChecker{url: url, client: client, timeout: timeout}, nil
}

// Check implements HealthChecker.
func (c *HTTPHealthChecker) Check(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return fmt.Errorf("build health check: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Prober periodically checks collector reachability. Success keeps the slow
// interval; failure marks the connectivity Offline, switches to the faster
// retry interval and runs the follow-up hook.
type Prober struct {
	checker         HealthChecker
	connectivity    *Connectivity
	successInterval time.Duration
	failureInterval time.Duration
	clock           clock.Clock
	followUp        func(error)
	reporter        observability.Reporter

	mu       sync.Mutex
	interval time.Duration
	failures int
	resetCh  chan struct{}
}

// ProberOption customises a Prober.
type ProberOption func(*Prober)

// WithProberClock overrides the time source.
func WithProberClock(c clock.Clock) ProberOption {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithFollowUp registers a hook invoked after every failed probe.
func WithFollowUp(fn func(error)) ProberOption {
	return func(p *Prober) {
		p.followUp = fn
	}
}

// WithProberReporter attaches an observability reporter.
func WithProberReporter(r observability.Reporter) ProberOption {
	return func(p *Prober) {
		p.reporter = observability.OrNoop(r)
	}
}

// NewProber constructs a prober updating connectivity.
func NewProber(checker HealthChecker, connectivity *Connectivity, successInterval, failureInterval time.Duration, opts ...ProberOption) (*Prober, error) {
	if checker == nil {
		return nil, errors.New("prober requires a health checker")
	}
	if connectivity == nil {
		return nil, errors.New("prober requires a connectivity tracker")
	}
	if successInterval <= 0 || failureInterval <= 0 {
		return nil, errors.New("probe intervals must be greater than zero")
	}
	p := &Prober{
		checker:         checker,
		connectivity:    connectivity,
		successInterval: successInterval,
		failureInterval: failureInterval,
		clock:           clock.Real(),
		reporter:        observability.NoopReporter{},
		interval:        successInterval,
		resetCh:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Observe applies a probe result and returns the delay before the next probe.
func (p *Prober) Observe(err error) time.Duration {
	p.mu.Lock()
	if err == nil {
		p.interval = p.successInterval
		p.failures = 0
	} else {
		p.interval = p.failureInterval
		p.failures++
	}
	interval := p.interval
	failures := p.failures
	p.mu.Unlock()

	changed := p.connectivity.Set(err == nil)

	result := "success"
	if err != nil {
		result = "failure"
	}
	p.reporter.RecordMetric(observability.Counter(
		"probe_checks_total",
		"Collector health probes by result.",
		map[string]string{"result": result},
	))
	if changed {
		event := observability.Event{
			Level: observability.LevelInfo,
			Event: "connectivity_changed",
			Fields: map[string]interface{}{
				"state":    p.connectivity.String(),
				"next_in":  interval.String(),
				"failures": failures,
			},
		}
		if err != nil {
			event.Level = observability.LevelWarn
			event.Message = err.Error()
		}
		p.reporter.RecordEvent(context.Background(), event)
	}

	if err != nil && p.followUp != nil {
		p.followUp(err)
	}
	return interval
}

// Interval returns the delay currently scheduled between probes.
func (p *Prober) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Reset returns the prober to the success interval and asks a running loop
// to probe again immediately.
func (p *Prober) Reset() {
	p.mu.Lock()
	p.interval = p.successInterval
	p.failures = 0
	p.mu.Unlock()

	select {
	case p.resetCh <- struct{}{}:
	default:
	}
}

// Run probes until ctx is cancelled. The first probe happens immediately, so
// a Reset requested before Run is absorbed by it.
func (p *Prober) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.resetCh:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := p.checker.Check(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		delay := p.Observe(err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.resetCh:
		case <-p.clock.After(delay):
		}
	}
}
