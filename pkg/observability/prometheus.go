package observability

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const prometheusNamespace = "clientpulse"

// PrometheusCollector registers a vector on a private registry the first
// time a metric name is seen. Later samples must carry the same type and
// label names; mismatches are dropped so a bad call site cannot panic the
// pipeline.
type PrometheusCollector struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	families map[string]*family
}

type family struct {
	kind    MetricType
	labels  []string
	observe func(prometheus.Labels, float64)
}

// NewPrometheusCollector builds a collector backed by a dedicated registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		families: make(map[string]*family),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	labels := prometheus.Labels(metric.Labels)
	names := labelNames(metric.Labels)

	c.mu.Lock()
	f, ok := c.families[metric.Name]
	if !ok {
		f = c.registerLocked(metric, names)
		if f == nil {
			c.mu.Unlock()
			return
		}
		c.families[metric.Name] = f
	}
	c.mu.Unlock()

	if f.kind != metric.Type || !slices.Equal(f.labels, names) {
		return
	}
	f.observe(labels, metric.Value)
}

func (c *PrometheusCollector) registerLocked(metric Metric, names []string) *family {
	var (
		collector prometheus.Collector
		observe   func(prometheus.Labels, float64)
	)
	switch metric.Type {
	case MetricCounter:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, names)
		collector = vec
		observe = func(l prometheus.Labels, v float64) {
			if v > 0 {
				vec.With(l).Add(v)
			}
		}
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
			Buckets:   metric.Buckets,
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		vec := prometheus.NewHistogramVec(opts, names)
		collector = vec
		observe = func(l prometheus.Labels, v float64) { vec.With(l).Observe(v) }
	default:
		return nil
	}
	if err := c.registry.Register(collector); err != nil {
		return nil
	}
	return &family{kind: metric.Type, labels: names, observe: observe}
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry for scraping.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText renders every gathered family in the Prometheus text format.
func (c *PrometheusCollector) WriteText(w io.Writer) error {
	if c == nil {
		return nil
	}
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func labelNames(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
