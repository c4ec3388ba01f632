package observability

import "context"

// Reporter consumes pipeline events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to a logger and metrics to a collector,
// stamping events with the session and component they originate from.
type StructuredReporter struct {
	session   string
	component string
	logger    Logger
	metrics   MetricsCollector
}

// NewStructuredReporter builds a reporter bound to a session id.
func NewStructuredReporter(session string, logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		session:   session,
		component: "session",
		logger:    logger,
		metrics:   metrics,
	}
}

// ForComponent returns a copy of the reporter that tags events with component.
func (r *StructuredReporter) ForComponent(component string) *StructuredReporter {
	if r == nil {
		return nil
	}
	clone := *r
	clone.component = component
	return &clone
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Session == "" {
		cloned.Session = r.session
	}
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

// OrNoop returns r, or a NoopReporter when r is nil.
func OrNoop(r Reporter) Reporter {
	if r == nil {
		return NoopReporter{}
	}
	return r
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
