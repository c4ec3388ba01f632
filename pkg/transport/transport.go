// Package transport delivers serialized batches to the collector, preferring
// an asynchronous queued channel and falling back to a blocking POST.
package transport

import (
	"context"
	"errors"

	"github.com/clientpulse/clientpulse/pkg/observability"
)

// Outcome describes what happened to a payload handed to Send.
type Outcome string

const (
	// OutcomeQueued means the preferred channel accepted the payload.
	OutcomeQueued Outcome = "queued"
	// OutcomeDelivered means the fallback request completed successfully.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeDropped means the payload was lost.
	OutcomeDropped Outcome = "dropped"
	// OutcomeSkipped means there was nothing to send.
	OutcomeSkipped Outcome = "skipped"
)

// PreferredChannel accepts payloads for asynchronous delivery. TryEnqueue
// reports synchronously whether the payload was taken.
type PreferredChannel interface {
	TryEnqueue(payload []byte) bool
}

// FallbackChannel performs a blocking delivery.
type FallbackChannel interface {
	Post(ctx context.Context, payload []byte) error
}

// Sender is what the batching buffer depends on.
type Sender interface {
	Send(ctx context.Context, payload []byte) Outcome
}

// Transport chooses between the preferred and fallback channels.
type Transport struct {
	preferred       PreferredChannel
	fallback        FallbackChannel
	connectivity    *Connectivity
	skipWhenOffline bool
	reporter        observability.Reporter
}

// Option customises a Transport.
type Option func(*Transport)

// WithPreferred installs the preferred channel. Without one every payload
// goes through the fallback.
func WithPreferred(ch PreferredChannel) Option {
	return func(t *Transport) {
		t.preferred = ch
	}
}

// WithConnectivity makes the transport skip the preferred channel while the
// collector is known to be unreachable and skip is true.
func WithConnectivity(c *Connectivity, skip bool) Option {
	return func(t *Transport) {
		t.connectivity = c
		t.skipWhenOffline = skip
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) Option {
	return func(t *Transport) {
		t.reporter = observability.OrNoop(r)
	}
}

// New constructs a Transport around fallback.
func New(fallback FallbackChannel, opts ...Option) (*Transport, error) {
	if fallback == nil {
		return nil, errors.New("transport requires a fallback channel")
	}
	t := &Transport{
		fallback: fallback,
		reporter: observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send delivers payload. The fallback runs at most once and its failure is
// logged and swallowed.
func (t *Transport) Send(ctx context.Context, payload []byte) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}

	if t.preferred != nil && !t.offlineSkip() {
		if t.preferred.TryEnqueue(payload) {
			t.record("beacon", OutcomeQueued)
			return OutcomeQueued
		}
		t.record("beacon", "rejected")
	}

	if err := t.fallback.Post(ctx, payload); err != nil {
		t.record("fallback", OutcomeDropped)
		t.reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "send_failed",
			Message: err.Error(),
			Fields: map[string]interface{}{
				"bytes": len(payload),
			},
		})
		return OutcomeDropped
	}
	t.record("fallback", OutcomeDelivered)
	return OutcomeDelivered
}

func (t *Transport) offlineSkip() bool {
	return t.skipWhenOffline && t.connectivity != nil && !t.connectivity.Online()
}

func (t *Transport) record(channel string, result Outcome) {
	t.reporter.RecordMetric(observability.Counter(
		"transport_sends_total",
		"Payload delivery attempts by channel and result.",
		map[string]string{"channel": channel, "result": string(result)},
	))
}

var _ Sender = (*Transport)(nil)
