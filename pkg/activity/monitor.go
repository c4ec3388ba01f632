// Package activity classifies each tick of a session as active, idle or hidden
// and accumulates the time spent in each state for the current view.
package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/observability"
)

// State is the classification of a single tick.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateHidden State = "hidden"
)

// VisibilityFunc reports whether the page is hidden. ok is false when the
// platform cannot tell, in which case the page is treated as visible.
type VisibilityFunc func() (hidden bool, ok bool)

// Durations holds the per-view accumulators.
type Durations struct {
	Active time.Duration
	Idle   time.Duration
	Hidden time.Duration
}

// Total returns the sum of the three accumulators.
func (d Durations) Total() time.Duration {
	return d.Active + d.Idle + d.Hidden
}

// Monitor is the activity clock. Tick increments exactly one accumulator by
// the tick interval once a baseline exists.
type Monitor struct {
	mu              sync.Mutex
	interval        time.Duration
	idleThreshold   time.Duration
	visibility      VisibilityFunc
	clock           clock.Clock
	reporter        observability.Reporter
	lastInteraction time.Time
	hasBaseline     bool
	acc             Durations
	last            State
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithVisibility installs the page visibility accessor.
func WithVisibility(fn VisibilityFunc) Option {
	return func(m *Monitor) {
		m.visibility = fn
	}
}

// WithClock overrides the time source used by Run.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) Option {
	return func(m *Monitor) {
		m.reporter = observability.OrNoop(r)
	}
}

// NewMonitor constructs an activity clock.
func NewMonitor(interval, idleThreshold time.Duration, opts ...Option) (*Monitor, error) {
	if interval <= 0 {
		return nil, errors.New("activity tick interval must be greater than zero")
	}
	if idleThreshold <= 0 {
		return nil, errors.New("activity idle threshold must be greater than zero")
	}
	m := &Monitor{
		interval:      interval,
		idleThreshold: idleThreshold,
		clock:         clock.Real(),
		reporter:      observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Begin establishes the interaction baseline if none exists yet.
func (m *Monitor) Begin(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBaseline {
		m.lastInteraction = now
		m.hasBaseline = true
	}
}

// RecordInteraction marks t as the most recent user interaction.
func (m *Monitor) RecordInteraction(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasBaseline || t.After(m.lastInteraction) {
		m.lastInteraction = t
	}
	m.hasBaseline = true
}

// Classify returns the state for now without accumulating. Idle wins over
// Hidden, which wins over Active.
func (m *Monitor) Classify(now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classifyLocked(now)
}

func (m *Monitor) classifyLocked(now time.Time) State {
	if m.hasBaseline && now.Sub(m.lastInteraction) > m.idleThreshold {
		return StateIdle
	}
	if m.visibility != nil {
		if hidden, ok := m.visibility(); ok && hidden {
			return StateHidden
		}
	}
	return StateActive
}

// Tick classifies now and adds one interval to the matching accumulator.
// Without a baseline the tick only establishes one and reports false.
func (m *Monitor) Tick(now time.Time) (State, bool) {
	m.mu.Lock()
	if !m.hasBaseline {
		m.lastInteraction = now
		m.hasBaseline = true
		m.mu.Unlock()
		return "", false
	}

	state := m.classifyLocked(now)
	switch state {
	case StateIdle:
		m.acc.Idle += m.interval
	case StateHidden:
		m.acc.Hidden += m.interval
	default:
		m.acc.Active += m.interval
	}
	m.last = state
	m.mu.Unlock()

	m.reporter.RecordMetric(observability.Counter(
		"activity_ticks_total",
		"Activity clock ticks grouped by classified state.",
		map[string]string{"state": string(state)},
	))
	return state, true
}

// Snapshot returns the current accumulators.
func (m *Monitor) Snapshot() Durations {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acc
}

// Reset returns the current accumulators and zeroes them in one step.
func (m *Monitor) Reset() Durations {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.acc
	m.acc = Durations{}
	return snapshot
}

// LastState returns the classification of the most recent accumulating tick.
func (m *Monitor) LastState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Interval returns the tick period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Run ticks every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Begin(m.clock.Now())

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}
