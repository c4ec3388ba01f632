package navigation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/activity"
	"github.com/clientpulse/clientpulse/pkg/notify"
	"github.com/clientpulse/clientpulse/pkg/observability"
	"github.com/clientpulse/clientpulse/pkg/telemetry"
)

// UnknownView is used when a completed navigation carries no URL.
const UnknownView = "unknown"

// DefaultHistoryLimit bounds the records kept for Records.
const DefaultHistoryLimit = 100

// Accumulator yields and zeroes the per-view durations.
type Accumulator interface {
	Reset() activity.Durations
}

// Tracker finalizes the outgoing view on every navigation start.
type Tracker struct {
	mu          sync.Mutex
	accumulator Accumulator
	sink        func(telemetry.LogEntry)
	reporter    observability.Reporter
	currentView string
	routeStart  time.Time
	routeStop   time.Time
	pendingID   int
	records     []ViewDurationRecord
	historyMax  int
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerReporter attaches an observability reporter.
func WithTrackerReporter(r observability.Reporter) TrackerOption {
	return func(t *Tracker) {
		t.reporter = observability.OrNoop(r)
	}
}

// WithHistoryLimit keeps at most n records for Records. Zero or less keeps
// none; the sink still receives every record.
func WithHistoryLimit(n int) TrackerOption {
	return func(t *Tracker) {
		t.historyMax = n
	}
}

// NewTracker constructs a tracker starting on initialView at now.
func NewTracker(accumulator Accumulator, sink func(telemetry.LogEntry), initialView string, now time.Time, opts ...TrackerOption) (*Tracker, error) {
	if accumulator == nil {
		return nil, errors.New("view tracker requires an accumulator")
	}
	if sink == nil {
		return nil, errors.New("view tracker requires a sink")
	}
	if initialView == "" {
		initialView = "/"
	}
	t := &Tracker{
		accumulator: accumulator,
		sink:        sink,
		reporter:    observability.NoopReporter{},
		currentView: initialView,
		routeStart:  now,
		routeStop:   now,
		historyMax:  DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Attach subscribes the tracker to router.
func (t *Tracker) Attach(router *Router) *notify.Subscription {
	return router.Listen(t.Handle)
}

// Handle applies a navigation notification.
func (t *Tracker) Handle(n Notification) {
	switch n.Phase {
	case PhaseStart:
		t.onStart(n)
	case PhaseEnd:
		t.onEnd(n)
	}
}

func (t *Tracker) onStart(n Notification) {
	t.mu.Lock()
	durations := t.accumulator.Reset()
	routing := t.routeStop.Sub(t.routeStart)
	if routing < 0 {
		routing = 0
	}
	record := ViewDurationRecord{
		RouteID:   n.ID,
		ViewName:  t.currentView,
		ActiveMs:  durations.Active.Milliseconds(),
		IdleMs:    durations.Idle.Milliseconds(),
		HiddenMs:  durations.Hidden.Milliseconds(),
		RoutingMs: routing.Milliseconds(),
		Timestamp: n.At,
	}
	t.remember(record)
	t.routeStart = n.At
	t.pendingID = n.ID
	t.mu.Unlock()

	t.sink(record.LogEntry())

	t.reporter.RecordMetric(observability.Counter(
		"view_records_total",
		"View duration records emitted on navigation start.",
		nil,
	))
	t.reporter.RecordEvent(context.Background(), observability.Event{
		Level: observability.LevelInfo,
		Event: "view_exit",
		Fields: map[string]interface{}{
			"id":         record.RouteID,
			"view":       record.ViewName,
			"active_ms":  record.ActiveMs,
			"idle_ms":    record.IdleMs,
			"hidden_ms":  record.HiddenMs,
			"routing_ms": record.RoutingMs,
		},
	})
}

func (t *Tracker) onEnd(n Notification) {
	view := n.URLAfterRedirects
	if view == "" {
		view = n.URL
	}
	if view == "" {
		view = UnknownView
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// An end for a superseded navigation must not rename the open view.
	if n.ID != t.pendingID {
		return
	}
	t.currentView = view
	t.routeStop = n.At
}

func (t *Tracker) remember(record ViewDurationRecord) {
	if t.historyMax <= 0 {
		return
	}
	if len(t.records) >= t.historyMax {
		t.records = append(t.records[:0], t.records[len(t.records)-t.historyMax+1:]...)
	}
	t.records = append(t.records, record)
}

// CurrentView returns the view that is open.
func (t *Tracker) CurrentView() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentView
}

// Records returns a copy of the most recent records, oldest first, up to the
// history limit.
func (t *Tracker) Records() []ViewDurationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ViewDurationRecord(nil), t.records...)
}
