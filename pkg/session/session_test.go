package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clientpulse/clientpulse/pkg/activity"
	"github.com/clientpulse/clientpulse/pkg/capture"
	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/config"
	"github.com/clientpulse/clientpulse/pkg/transport"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingSender) Send(_ context.Context, payload []byte) transport.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return transport.OutcomeQueued
}

func (r *recordingSender) entries(t *testing.T) []map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, p := range r.payloads {
		var batch []map[string]any
		require.NoError(t, json.Unmarshal(p, &batch))
		out = append(out, batch...)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default("http://collector.test/api/logs")
	require.NoError(t, err)
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config, opts ...Option) (*Session, *clock.FakeClock, *recordingSender) {
	t.Helper()
	clk := clock.Fake(start)
	sender := &recordingSender{}
	base := []Option{WithID("session-1"), WithClock(clk), WithSender(sender)}
	s, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk, sender
}

func TestSessionCapturesTicksAndFlushesOnClose(t *testing.T) {
	s, clk, sender := newTestSession(t, testConfig(t))
	require.NoError(t, s.Start(context.Background()))
	clk.WaitForTimers(3)

	s.Dispatch(capture.RawEvent{
		Kind:   capture.KindClick,
		Target: &capture.Target{Tag: "button", Text: "Save"},
		X:      10, Y: 20,
	})
	s.Dispatch(capture.RawEvent{Kind: capture.KindClick, Target: &capture.Target{Tag: "div"}})

	for i := 1; i <= 3; i++ {
		clk.Advance(time.Second)
		want := time.Duration(i) * time.Second
		require.Eventually(t, func() bool { return s.Monitor().Snapshot().Total() == want },
			time.Second, time.Millisecond, "tick %d", i)
	}
	require.Eventually(t, func() bool { return s.Buffer().Len() == 1 }, time.Second, time.Millisecond)

	id := s.Navigate("/reports")
	s.CompleteNavigation(id, "/reports", "")

	records := s.Tracker().Records()
	require.Len(t, records, 1)
	assert.Equal(t, "/", records[0].ViewName)
	assert.Equal(t, int64(3000), records[0].ActiveMs)
	assert.Equal(t, "/reports", s.Tracker().CurrentView())
	assert.Zero(t, s.Monitor().Snapshot().Total())

	require.NoError(t, s.Close())

	entries := sender.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "click", entries[0]["action"])
	assert.Equal(t, "BUTTON", entries[0]["element"])
	assert.Equal(t, "Save", entries[0]["text"])
	assert.Equal(t, "view_duration", entries[1]["type"])
	assert.Equal(t, "/", entries[1]["view"])
	for _, e := range entries {
		assert.Equal(t, "session-1", e["session"])
	}
	assert.Len(t, s.Tracker().Records(), 1, "open view is not finalized on close")
}

func TestSessionVisibilityFeedsActivityClock(t *testing.T) {
	s, clk, _ := newTestSession(t, testConfig(t))
	require.NoError(t, s.Start(context.Background()))

	now := clk.Now()
	s.Dispatch(capture.RawEvent{Kind: capture.KindMouseMove, At: now})
	assert.Equal(t, activity.StateActive, s.Monitor().Classify(now.Add(time.Second)))

	s.SetVisibility(capture.VisibilityHidden)
	assert.Equal(t, activity.StateHidden, s.Monitor().Classify(now.Add(time.Second)))
	assert.Equal(t, activity.StateIdle, s.Monitor().Classify(now.Add(31*time.Second)))

	s.SetVisibility(capture.VisibilityVisible)
	assert.Equal(t, activity.StateActive, s.Monitor().Classify(now.Add(29*time.Second)))
}

func TestSessionLifecycleErrors(t *testing.T) {
	s, _, _ := newTestSession(t, testConfig(t))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)

	s.Dispatch(capture.RawEvent{Kind: capture.KindClick, Target: &capture.Target{Tag: "BUTTON"}})
	assert.Zero(t, s.Buffer().Len(), "listeners are revoked after close")
}

func TestSessionNavigationEndResetsProbe(t *testing.T) {
	cfg := testConfig(t)
	cfg.Probe.Enabled = true

	calls := make(chan struct{}, 8)
	checker := transport.HealthCheckerFunc(func(context.Context) error {
		calls <- struct{}{}
		return errors.New("collector down")
	})
	var followUps int
	var mu sync.Mutex
	s, _, _ := newTestSession(t, cfg,
		WithHealthChecker(checker),
		WithProbeFollowUp(func(error) {
			mu.Lock()
			followUps++
			mu.Unlock()
		}),
	)
	require.NoError(t, s.Start(context.Background()))

	waitCall := func(n int) {
		t.Helper()
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for probe %d", n)
		}
	}
	waitCall(1)
	require.Eventually(t, func() bool { return !s.Connectivity().Online() }, time.Second, time.Millisecond)

	id := s.Navigate("/a")
	s.CompleteNavigation(id, "/a", "")
	waitCall(2)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, followUps, 1)
}

func TestSessionDeliversOverHTTPOnClose(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	var contentTypes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		contentTypes = append(contentTypes, r.Header.Get("Content-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg, err := config.Default(srv.URL + "/api/logs")
	require.NoError(t, err)
	s, err := New(cfg, WithClock(clock.Fake(start)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	id := s.Navigate("/settings")
	s.CompleteNavigation(id, "/settings", "")
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, transport.ContentTypeJSON, contentTypes[0])
	var batch []map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, "view_duration", batch[0]["type"])
	assert.Equal(t, s.ID(), batch[0]["session"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	var verr *config.ValidationError
	_, err = New(&config.Config{})
	assert.ErrorAs(t, err, &verr)
}

func TestSessionManualLoopsExposePeriodicJobs(t *testing.T) {
	s, clk, sender := newTestSession(t, testConfig(t), WithManualLoops())
	require.NoError(t, s.Start(context.Background()))
	assert.Zero(t, clk.PendingCount(), "manual sessions register no timers")

	jobs := s.Periodic()
	require.Len(t, jobs, 3)
	assert.Equal(t, "activity", jobs[0].Name)
	assert.Equal(t, time.Second, jobs[0].Interval)
	assert.Equal(t, 3*time.Second, jobs[1].Interval)
	assert.Equal(t, time.Minute, jobs[2].Interval)

	s.SetVisibility(capture.VisibilityHidden)
	clk.Advance(time.Second)
	jobs[0].Run(clk.Now())
	assert.Equal(t, time.Second, s.Monitor().Snapshot().Hidden)

	jobs[1].Run(clk.Now())
	assert.Equal(t, 1, s.Buffer().Len())
	jobs[2].Run(clk.Now())
	assert.Len(t, sender.entries(t), 1)
}
