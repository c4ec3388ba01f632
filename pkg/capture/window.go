package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/telemetry"
)

// Window decouples raw event frequency from logging frequency: entries pushed
// during one period are handed to the sink in a single call when the period
// ends.
type Window struct {
	mu      sync.Mutex
	pending []telemetry.LogEntry
	period  time.Duration
	clock   clock.Clock
	sink    func([]telemetry.LogEntry)
}

// NewWindow constructs a window emitting to sink every period.
func NewWindow(period time.Duration, clk clock.Clock, sink func([]telemetry.LogEntry)) (*Window, error) {
	if period <= 0 {
		return nil, errors.New("capture window period must be greater than zero")
	}
	if sink == nil {
		return nil, errors.New("capture window requires a sink")
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{period: period, clock: clk, sink: sink}, nil
}

// Push appends entry to the open window.
func (w *Window) Push(entry telemetry.LogEntry) {
	w.mu.Lock()
	w.pending = append(w.pending, entry)
	w.mu.Unlock()
}

// Pending returns the number of entries in the open window.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush closes the current window and emits its entries, if any. It returns
// the number of entries emitted.
func (w *Window) Flush() int {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	w.sink(batch)
	return len(batch)
}

// Run closes a window every period until ctx is cancelled.
func (w *Window) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Flush()
		}
	}
}
