package capture

import (
	"errors"
	"time"

	"github.com/clientpulse/clientpulse/pkg/notify"
	"github.com/clientpulse/clientpulse/pkg/observability"
)

// Capturer subscribes a normalizer to a dispatcher and pushes the resulting
// entries into a window.
type Capturer struct {
	dispatcher *Dispatcher
	normalizer *Normalizer
	window     *Window
	kinds      []Kind
	reporter   observability.Reporter
}

// CapturerOption customises a Capturer.
type CapturerOption func(*Capturer)

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) CapturerOption {
	return func(c *Capturer) {
		c.reporter = observability.OrNoop(r)
	}
}

// NewCapturer wires dispatcher, normalizer and window for kinds.
func NewCapturer(dispatcher *Dispatcher, normalizer *Normalizer, window *Window, kinds []Kind, opts ...CapturerOption) (*Capturer, error) {
	if dispatcher == nil || normalizer == nil || window == nil {
		return nil, errors.New("capturer requires a dispatcher, normalizer and window")
	}
	c := &Capturer{
		dispatcher: dispatcher,
		normalizer: normalizer,
		window:     window,
		kinds:      append([]Kind(nil), kinds...),
		reporter:   observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach registers one listener per configured kind.
func (c *Capturer) Attach() []*notify.Subscription {
	subs := make([]*notify.Subscription, 0, len(c.kinds))
	for _, kind := range c.kinds {
		subs = append(subs, c.dispatcher.Listen(kind, c.handle))
	}
	return subs
}

func (c *Capturer) handle(ev RawEvent) {
	entry, err := c.normalizer.Normalize(ev)
	result := "captured"
	switch {
	case errors.Is(err, ErrOutOfScope):
		result = "out_of_scope"
	case err != nil:
		result = "malformed"
	}
	c.reporter.RecordMetric(observability.Counter(
		"capture_events_total",
		"Raw events seen by the capture stream grouped by result.",
		map[string]string{"kind": string(ev.Kind), "result": result},
	))
	if err != nil {
		return
	}
	if !ev.At.IsZero() {
		entry["ts"] = ev.At.UTC().Format(time.RFC3339Nano)
	}
	c.window.Push(entry)
}

// ParseKinds converts configured kind names.
func ParseKinds(names []string) []Kind {
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		kinds = append(kinds, Kind(name))
	}
	return kinds
}
