package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/observability"
)

// Deliverer performs a single delivery attempt for the beacon worker.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Beacon is the preferred channel: a bounded queue drained by one
// background worker. Accepted payloads are delivered independently of the
// session that queued them.
type Beacon struct {
	deliverer    Deliverer
	maxBytes     int
	drainTimeout time.Duration
	reporter     observability.Reporter

	mu     sync.RWMutex
	closed bool
	queue  chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// BeaconOption customises a Beacon.
type BeaconOption func(*Beacon)

// WithBeaconMaxBytes caps the size of a single payload.
func WithBeaconMaxBytes(n int) BeaconOption {
	return func(b *Beacon) {
		b.maxBytes = n
	}
}

// WithBeaconDrainTimeout bounds how long Close waits for queued payloads.
func WithBeaconDrainTimeout(d time.Duration) BeaconOption {
	return func(b *Beacon) {
		b.drainTimeout = d
	}
}

// WithBeaconReporter attaches an observability reporter.
func WithBeaconReporter(r observability.Reporter) BeaconOption {
	return func(b *Beacon) {
		b.reporter = observability.OrNoop(r)
	}
}

// NewBeacon starts the worker. queueSize bounds the number of pending payloads.
func NewBeacon(deliverer Deliverer, queueSize int, opts ...BeaconOption) (*Beacon, error) {
	if deliverer == nil {
		return nil, errors.New("beacon requires a deliverer")
	}
	if queueSize <= 0 {
		return nil, errors.New("beacon queue size must be greater than zero")
	}
	b := &Beacon{
		deliverer:    deliverer,
		maxBytes:     64 << 10,
		drainTimeout: 2 * time.Second,
		reporter:     observability.NoopReporter{},
		queue:        make(chan []byte, queueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
	return b, nil
}

// TryEnqueue implements PreferredChannel. It rejects payloads when the
// beacon is closed, the queue is full or the payload is too large.
func (b *Beacon) TryEnqueue(payload []byte) bool {
	if b.maxBytes > 0 && len(payload) > b.maxBytes {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- payload:
		return true
	default:
		return false
	}
}

// Pending returns the number of payloads waiting for the worker.
func (b *Beacon) Pending() int {
	return len(b.queue)
}

// Close stops accepting payloads and waits up to the drain timeout for the
// queue to empty. Payloads still queued afterwards are abandoned.
func (b *Beacon) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	timer := time.NewTimer(b.drainTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
		b.cancel()
		return nil
	case <-timer.C:
		b.cancel()
		<-b.done
		return errors.New("beacon drain timed out")
	}
}

func (b *Beacon) run(ctx context.Context) {
	defer close(b.done)
	for payload := range b.queue {
		if ctx.Err() != nil {
			b.reporter.RecordMetric(observability.Counter(
				"transport_sends_total",
				"Payload delivery attempts by channel and result.",
				map[string]string{"channel": "beacon", "result": string(OutcomeDropped)},
			))
			continue
		}
		result := OutcomeDelivered
		if err := b.deliverer.Deliver(ctx, payload); err != nil {
			result = OutcomeDropped
			b.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "beacon_failed",
				Message: err.Error(),
				Fields: map[string]interface{}{
					"bytes": len(payload),
				},
			})
		}
		b.reporter.RecordMetric(observability.Counter(
			"transport_sends_total",
			"Payload delivery attempts by channel and result.",
			map[string]string{"channel": "beacon", "result": string(result)},
		))
	}
}

var _ PreferredChannel = (*Beacon)(nil)
