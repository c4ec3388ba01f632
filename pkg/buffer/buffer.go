// Package buffer accumulates log entries and hands them to a transport in
// batches when a count, size or time threshold is crossed.
package buffer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/observability"
	"github.com/clientpulse/clientpulse/pkg/telemetry"
	"github.com/clientpulse/clientpulse/pkg/transport"
)

// Trigger names the reason for a flush.
type Trigger string

const (
	TriggerCount    Trigger = "count"
	TriggerSize     Trigger = "size"
	TriggerTimer    Trigger = "timer"
	TriggerTeardown Trigger = "teardown"
	TriggerManual   Trigger = "manual"
)

const (
	defaultMaxEntries    = 50
	defaultMaxBytes      = 10000
	defaultFlushInterval = time.Minute
)

var entryBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250}

// Buffer is the ordered pending list. Entries are serialized when added so
// the payload size is known exactly.
type Buffer struct {
	sender     transport.Sender
	maxEntries int
	maxBytes   int
	interval   time.Duration
	clock      clock.Clock
	reporter   observability.Reporter

	mu      sync.Mutex
	entries []json.RawMessage
	size    int
}

// Option customises a Buffer.
type Option func(*Buffer)

// WithMaxEntries sets the count threshold.
func WithMaxEntries(n int) Option {
	return func(b *Buffer) {
		b.maxEntries = n
	}
}

// WithMaxBytes sets the serialized size threshold.
func WithMaxBytes(n int) Option {
	return func(b *Buffer) {
		b.maxBytes = n
	}
}

// WithFlushInterval sets the timer used by Run.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		b.interval = d
	}
}

// WithClock overrides the time source used by Run.
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(r observability.Reporter) Option {
	return func(b *Buffer) {
		b.reporter = observability.OrNoop(r)
	}
}

// New constructs a buffer sending through sender.
func New(sender transport.Sender, opts ...Option) (*Buffer, error) {
	if sender == nil {
		return nil, errors.New("buffer requires a sender")
	}
	b := &Buffer{
		sender:     sender,
		maxEntries: defaultMaxEntries,
		maxBytes:   defaultMaxBytes,
		interval:   defaultFlushInterval,
		clock:      clock.Real(),
		reporter:   observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxEntries <= 0 {
		return nil, errors.New("buffer max entries must be greater than zero")
	}
	if b.maxBytes <= 0 {
		return nil, errors.New("buffer max bytes must be greater than zero")
	}
	if b.interval <= 0 {
		return nil, errors.New("buffer flush interval must be greater than zero")
	}
	return b, nil
}

// AddLog appends entry and flushes synchronously when a threshold is crossed.
func (b *Buffer) AddLog(ctx context.Context, entry telemetry.LogEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serialize entry: %w", err)
	}

	b.mu.Lock()
	b.entries = append(b.entries, raw)
	b.size = payloadSize(b.size, len(b.entries), len(raw))
	var trigger Trigger
	switch {
	case len(b.entries) >= b.maxEntries:
		trigger = TriggerCount
	case b.size > b.maxBytes:
		trigger = TriggerSize
	}
	b.mu.Unlock()

	if trigger != "" {
		b.Flush(ctx, trigger)
	}
	return nil
}

// Flush sends everything pending as one JSON array. The list is swapped out
// and cleared under the lock; sending happens outside it.
func (b *Buffer) Flush(ctx context.Context, trigger Trigger) transport.Outcome {
	b.mu.Lock()
	batch := b.entries
	b.entries = nil
	b.size = 0
	b.mu.Unlock()

	if len(batch) == 0 {
		return transport.OutcomeSkipped
	}

	outcome := b.sender.Send(ctx, encode(batch))

	b.reporter.RecordMetric(observability.Counter(
		"buffer_flushes_total",
		"Buffer flushes by trigger.",
		map[string]string{"trigger": string(trigger)},
	))
	b.reporter.RecordMetric(observability.Metric{
		Name:        "buffer_flush_entries",
		Type:        observability.MetricHistogram,
		Value:       float64(len(batch)),
		Description: "Entries per flushed batch.",
		Buckets:     entryBuckets,
	})
	if outcome == transport.OutcomeDropped {
		b.reporter.RecordEvent(ctx, observability.Event{
			Level: observability.LevelWarn,
			Event: "batch_dropped",
			Fields: map[string]interface{}{
				"entries": len(batch),
				"trigger": string(trigger),
			},
		})
	}
	return outcome
}

// Run flushes on the timer until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Flush(ctx, TriggerTimer)
		}
	}
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Size returns the byte length the pending payload would have.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// payloadSize grows the size of "[e1,e2,...]" by one entry of length n.
func payloadSize(current, count, n int) int {
	if count == 1 {
		return 2 + n
	}
	return current + 1 + n
}

func encode(batch []json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, raw := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
