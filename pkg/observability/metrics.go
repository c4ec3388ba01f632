package observability

// MetricType enumerates the supported metric kinds.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records observations into buckets.
	MetricHistogram MetricType = "histogram"
)

// Metric describes a single measurement emitted by a pipeline component.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
	// Buckets overrides the default histogram buckets. It is read only when
	// the histogram is first registered.
	Buckets []float64
}

// MetricsCollector receives measurements.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// Counter is a shorthand for a counter increment of one.
func Counter(name, description string, labels map[string]string) Metric {
	return Metric{
		Name:        name,
		Type:        MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: description,
	}
}
