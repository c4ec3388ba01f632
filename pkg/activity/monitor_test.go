package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clientpulse/clientpulse/pkg/clock"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()
	m, err := NewMonitor(time.Second, 30*time.Second, opts...)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func TestTickIncrementsExactlyOneAccumulator(t *testing.T) {
	hidden := false
	m := newMonitor(t, WithVisibility(func() (bool, bool) { return hidden, true }))
	m.Begin(start)

	for i := 1; i <= 90; i++ {
		if i == 10 {
			hidden = true
		}
		if i == 20 {
			hidden = false
		}
		before := m.Snapshot()
		if _, ok := m.Tick(start.Add(time.Duration(i) * time.Second)); !ok {
			t.Fatalf("tick %d did not accumulate", i)
		}
		after := m.Snapshot()

		changed := 0
		if after.Active != before.Active {
			changed++
		}
		if after.Idle != before.Idle {
			changed++
		}
		if after.Hidden != before.Hidden {
			changed++
		}
		if changed != 1 || after.Total()-before.Total() != time.Second {
			t.Fatalf("tick %d changed %d accumulators (%+v -> %+v)", i, changed, before, after)
		}
	}
}

func TestIdleThresholdBoundary(t *testing.T) {
	m := newMonitor(t)
	m.Begin(start)

	if state, _ := m.Tick(start.Add(29 * time.Second)); state != StateActive {
		t.Fatalf("expected active at 29s, got %s", state)
	}
	if state := m.Classify(start.Add(30 * time.Second)); state != StateActive {
		t.Fatalf("expected active exactly at threshold, got %s", state)
	}
	if state, _ := m.Tick(start.Add(31 * time.Second)); state != StateIdle {
		t.Fatalf("expected idle at 31s, got %s", state)
	}
}

func TestHiddenUnlessIdle(t *testing.T) {
	m := newMonitor(t, WithVisibility(func() (bool, bool) { return true, true }))
	m.Begin(start)

	if state := m.Classify(start.Add(29 * time.Second)); state != StateHidden {
		t.Fatalf("expected hidden at 29s, got %s", state)
	}
	if state := m.Classify(start.Add(31 * time.Second)); state != StateIdle {
		t.Fatalf("expected idle to take precedence over hidden, got %s", state)
	}
}

func TestUnavailableVisibilityDefaultsToActive(t *testing.T) {
	m := newMonitor(t, WithVisibility(func() (bool, bool) { return true, false }))
	m.Begin(start)
	if state := m.Classify(start.Add(time.Second)); state != StateActive {
		t.Fatalf("expected active when visibility is unavailable, got %s", state)
	}
}

func TestInteractionResetsIdle(t *testing.T) {
	m := newMonitor(t)
	m.Begin(start)
	m.RecordInteraction(start.Add(20 * time.Second))
	if state := m.Classify(start.Add(45 * time.Second)); state != StateActive {
		t.Fatalf("expected active after recent interaction, got %s", state)
	}
	m.RecordInteraction(start.Add(10 * time.Second))
	if state := m.Classify(start.Add(51 * time.Second)); state != StateIdle {
		t.Fatalf("expected stale interaction not to move baseline back, got %s", state)
	}
}

func TestFirstTickWithoutBaselineOnlyEstablishesIt(t *testing.T) {
	m := newMonitor(t)
	if _, ok := m.Tick(start); ok {
		t.Fatal("expected first tick without baseline not to accumulate")
	}
	if m.Snapshot().Total() != 0 {
		t.Fatalf("expected empty accumulators, got %+v", m.Snapshot())
	}
	if _, ok := m.Tick(start.Add(time.Second)); !ok {
		t.Fatal("expected second tick to accumulate")
	}
}

func TestResetReturnsSnapshotAndZeroes(t *testing.T) {
	m := newMonitor(t)
	m.Begin(start)
	m.Tick(start.Add(time.Second))
	m.Tick(start.Add(2 * time.Second))

	got := m.Reset()
	if got.Active != 2*time.Second {
		t.Fatalf("expected 2s active, got %+v", got)
	}
	if m.Snapshot().Total() != 0 {
		t.Fatalf("expected accumulators zeroed, got %+v", m.Snapshot())
	}
}

func TestRunTicksOnClock(t *testing.T) {
	fake := clock.Fake(start)
	m := newMonitor(t, WithClock(fake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	fake.WaitForTimers(1)

	fake.Advance(time.Second)
	deadline := time.After(time.Second)
	for m.Snapshot().Active != time.Second {
		select {
		case <-deadline:
			t.Fatalf("expected one active tick, got %+v", m.Snapshot())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestNewMonitorValidation(t *testing.T) {
	if _, err := NewMonitor(0, time.Second); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := NewMonitor(time.Second, 0); err == nil {
		t.Fatal("expected error for zero threshold")
	}
}
