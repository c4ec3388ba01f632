// Package session owns one telemetry pipeline instance: capture, activity
// clock, view tracking, batching and transport, with explicit start and
// teardown instead of process-wide singletons.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clientpulse/clientpulse/pkg/activity"
	"github.com/clientpulse/clientpulse/pkg/buffer"
	"github.com/clientpulse/clientpulse/pkg/capture"
	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/config"
	"github.com/clientpulse/clientpulse/pkg/navigation"
	"github.com/clientpulse/clientpulse/pkg/notify"
	"github.com/clientpulse/clientpulse/pkg/observability"
	"github.com/clientpulse/clientpulse/pkg/telemetry"
	"github.com/clientpulse/clientpulse/pkg/transport"
)

var (
	// ErrClosed is returned when starting a session that was closed.
	ErrClosed = errors.New("session closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// interactionKinds refresh the activity clock's last interaction time.
var interactionKinds = []capture.Kind{
	capture.KindClick,
	capture.KindMouseOver,
	capture.KindMouseMove,
	capture.KindKeyPress,
}

// Session is the explicit context replacing global pipeline state.
type Session struct {
	id       string
	cfg      *config.Config
	clock    clock.Clock
	reporter *observability.StructuredReporter

	dispatcher   *capture.Dispatcher
	window       *capture.Window
	capturer     *capture.Capturer
	monitor      *activity.Monitor
	router       *navigation.Router
	tracker      *navigation.Tracker
	buffer       *buffer.Buffer
	beacon       *transport.Beacon
	connectivity *transport.Connectivity
	prober       *transport.Prober

	manual          bool
	hidden          atomic.Bool
	visibilityKnown atomic.Bool

	mu      sync.Mutex
	started bool
	closed  bool
	subs    []*notify.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type options struct {
	id         string
	clock      clock.Clock
	logger     observability.Logger
	metrics    observability.MetricsCollector
	httpClient *http.Client
	sender     transport.Sender
	checker    transport.HealthChecker
	followUp   func(error)
	manual     bool
}

// Option customises a Session.
type Option func(*options)

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithClock overrides the time source of every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the structured logger for pipeline events.
func WithLogger(l observability.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.MetricsCollector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithHTTPClient overrides the client used for delivery and probing.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithSender replaces the HTTP transport entirely.
func WithSender(s transport.Sender) Option {
	return func(o *options) {
		o.sender = s
	}
}

// WithHealthChecker replaces the HTTP health checker used by the probe.
func WithHealthChecker(c transport.HealthChecker) Option {
	return func(o *options) {
		o.checker = c
	}
}

// WithProbeFollowUp registers a hook run after each failed probe.
func WithProbeFollowUp(fn func(error)) Option {
	return func(o *options) {
		o.followUp = fn
	}
}

// WithManualLoops makes Start attach listeners without launching the
// background loops. The host drives time itself through Periodic.
func WithManualLoops() Option {
	return func(o *options) {
		o.manual = true
	}
}

// New assembles a session from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (_ *Session, err error) {
	if cfg == nil {
		return nil, errors.New("session requires a config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.httpClient == nil {
		o.httpClient = transport.NewHTTPClient(nil)
	}

	s := &Session{
		id:           o.id,
		cfg:          cfg,
		clock:        o.clock,
		reporter:     observability.NewStructuredReporter(o.id, o.logger, o.metrics),
		dispatcher:   capture.NewDispatcher(),
		connectivity: transport.NewConnectivity(),
		manual:       o.manual,
	}

	sender, err := s.buildTransport(o)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && s.beacon != nil {
			_ = s.beacon.Close()
		}
	}()

	s.buffer, err = buffer.New(sender,
		buffer.WithMaxEntries(cfg.Buffer.MaxEntries),
		buffer.WithMaxBytes(cfg.Buffer.MaxBytes),
		buffer.WithFlushInterval(cfg.FlushInterval()),
		buffer.WithClock(s.clock),
		buffer.WithReporter(s.reporter.ForComponent("buffer")),
	)
	if err != nil {
		return nil, fmt.Errorf("build buffer: %w", err)
	}

	s.window, err = capture.NewWindow(cfg.CaptureWindow(), s.clock, s.addBatch)
	if err != nil {
		return nil, fmt.Errorf("build capture window: %w", err)
	}
	normalizer := capture.NewNormalizer(cfg.Capture.ElementsScope, cfg.TextLimit())
	s.capturer, err = capture.NewCapturer(s.dispatcher, normalizer, s.window, capture.ParseKinds(cfg.Capture.Kinds),
		capture.WithReporter(s.reporter.ForComponent("capture")),
	)
	if err != nil {
		return nil, fmt.Errorf("build capturer: %w", err)
	}

	s.monitor, err = activity.NewMonitor(cfg.TickInterval(), cfg.IdleThreshold(),
		activity.WithVisibility(s.visibility),
		activity.WithClock(s.clock),
		activity.WithReporter(s.reporter.ForComponent("activity")),
	)
	if err != nil {
		return nil, fmt.Errorf("build activity monitor: %w", err)
	}

	s.router = navigation.NewRouter(s.clock)
	s.tracker, err = navigation.NewTracker(s.monitor, s.addEntry, cfg.Navigation.InitialView, s.clock.Now(),
		navigation.WithTrackerReporter(s.reporter.ForComponent("navigation")),
	)
	if err != nil {
		return nil, fmt.Errorf("build view tracker: %w", err)
	}

	if cfg.Probe.Enabled {
		checker := o.checker
		if checker == nil {
			checker, err = transport.NewHTTPHealthChecker(cfg.HealthCheckURL(), o.httpClient, cfg.ProbeTimeout())
			if err != nil {
				return nil, fmt.Errorf("build health checker: %w", err)
			}
		}
		success, failure := cfg.ProbeIntervals()
		s.prober, err = transport.NewProber(checker, s.connectivity, success, failure,
			transport.WithProberClock(s.clock),
			transport.WithFollowUp(o.followUp),
			transport.WithProberReporter(s.reporter.ForComponent("probe")),
		)
		if err != nil {
			return nil, fmt.Errorf("build prober: %w", err)
		}
	}

	return s, nil
}

func (s *Session) buildTransport(o options) (transport.Sender, error) {
	if o.sender != nil {
		return o.sender, nil
	}
	poster, err := transport.NewHTTPPoster(s.cfg.Endpoint,
		transport.WithHTTPClient(o.httpClient),
		transport.WithRequestTimeout(s.cfg.RequestTimeout()),
		transport.WithGzip(s.cfg.Transport.Compress),
	)
	if err != nil {
		return nil, fmt.Errorf("build fallback: %w", err)
	}

	reporter := s.reporter.ForComponent("transport")
	opts := []transport.Option{
		transport.WithConnectivity(s.connectivity, s.cfg.Transport.SkipBeaconWhenOffline),
		transport.WithReporter(reporter),
	}
	if s.cfg.BeaconEnabled() {
		s.beacon, err = transport.NewBeacon(poster, s.cfg.Transport.BeaconQueueSize,
			transport.WithBeaconMaxBytes(s.cfg.Transport.BeaconMaxBytes),
			transport.WithBeaconDrainTimeout(s.cfg.DrainTimeout()),
			transport.WithBeaconReporter(reporter),
		)
		if err != nil {
			return nil, fmt.Errorf("build beacon: %w", err)
		}
		opts = append(opts, transport.WithPreferred(s.beacon))
	}
	t, err := transport.New(poster, opts...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Start attaches listeners and launches the background loops. The loops stop
// when ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.subs = append(s.subs, s.capturer.Attach()...)
	for _, kind := range interactionKinds {
		s.subs = append(s.subs, s.dispatcher.Listen(kind, s.onInteraction))
	}
	s.subs = append(s.subs, s.dispatcher.Listen(capture.KindVisibilityChange, s.onVisibility))
	s.subs = append(s.subs, s.tracker.Attach(s.router))
	if s.prober != nil {
		s.subs = append(s.subs, s.router.Listen(s.onNavigation))
	}

	if s.manual {
		s.monitor.Begin(s.clock.Now())
		s.cancel = func() {}
	} else {
		s.startLoops(ctx)
	}

	s.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "session_started",
		Fields: map[string]interface{}{
			"client":   s.cfg.ClientName,
			"endpoint": s.cfg.Endpoint,
			"view":     s.tracker.CurrentView(),
			"manual":   s.manual,
		},
	})
	return nil
}

func (s *Session) startLoops(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.spawn(runCtx, "activity", s.monitor.Run)
	s.spawn(runCtx, "capture", s.window.Run)
	s.spawn(runCtx, "buffer", s.buffer.Run)
	if s.prober != nil {
		s.spawn(runCtx, "probe", s.prober.Run)
	}
}

// Job is one periodic unit of work the background loops perform.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time)
}

// Periodic returns the work Start schedules as loops. Hosts running with
// WithManualLoops call each job once per interval; jobs due at the same
// instant run in slice order. The health probe is not included.
func (s *Session) Periodic() []Job {
	return []Job{
		{Name: "activity", Interval: s.monitor.Interval(), Run: func(now time.Time) { s.monitor.Tick(now) }},
		{Name: "capture", Interval: s.cfg.CaptureWindow(), Run: func(time.Time) { s.window.Flush() }},
		{Name: "buffer", Interval: s.cfg.FlushInterval(), Run: func(time.Time) {
			s.buffer.Flush(context.Background(), buffer.TriggerTimer)
		}},
	}
}

func (s *Session) spawn(ctx context.Context, component string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.reporter.ForComponent(component).RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Event:   "loop_failed",
				Message: err.Error(),
			})
		}
	}()
}

// Close stops the loops, revokes every listener, drains the capture window
// into the buffer and performs a final teardown flush. The view still open is
// not finalized. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	notify.CancelAll(subs)

	ctx := context.Background()
	s.window.Flush()
	outcome := s.buffer.Flush(ctx, buffer.TriggerTeardown)

	var err error
	if s.beacon != nil {
		err = s.beacon.Close()
	}

	s.reporter.RecordEvent(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "session_closed",
		Fields: map[string]interface{}{
			"final_flush": string(outcome),
			"records":     len(s.tracker.Records()),
		},
	})
	return err
}

// Dispatch feeds a raw notification from the host into the pipeline.
func (s *Session) Dispatch(ev capture.RawEvent) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.dispatcher.Dispatch(ev)
}

// SetVisibility reports a document visibility change.
func (s *Session) SetVisibility(v capture.Visibility) {
	s.Dispatch(capture.RawEvent{Kind: capture.KindVisibilityChange, Visibility: v})
}

// Unload reports that the document is about to be discarded.
func (s *Session) Unload() {
	v := capture.VisibilityVisible
	if s.hidden.Load() {
		v = capture.VisibilityHidden
	}
	s.Dispatch(capture.RawEvent{Kind: capture.KindBeforeUnload, Visibility: v})
}

// Navigate starts a navigation and returns its id.
func (s *Session) Navigate(url string) int {
	return s.router.Start(url)
}

// CompleteNavigation ends navigation id.
func (s *Session) CompleteNavigation(id int, url, redirected string) {
	s.router.End(id, url, redirected)
}

// ID returns the session id stamped on every entry.
func (s *Session) ID() string { return s.id }

// Tracker exposes the view tracker.
func (s *Session) Tracker() *navigation.Tracker { return s.tracker }

// Monitor exposes the activity clock.
func (s *Session) Monitor() *activity.Monitor { return s.monitor }

// Buffer exposes the batching buffer.
func (s *Session) Buffer() *buffer.Buffer { return s.buffer }

// Connectivity exposes the last known collector reachability.
func (s *Session) Connectivity() *transport.Connectivity { return s.connectivity }

func (s *Session) addBatch(batch []telemetry.LogEntry) {
	for _, entry := range batch {
		s.addEntry(entry)
	}
}

func (s *Session) addEntry(entry telemetry.LogEntry) {
	ctx := context.Background()
	if err := s.buffer.AddLog(ctx, entry.With("session", s.id)); err != nil {
		s.reporter.ForComponent("buffer").RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "entry_rejected",
			Message: err.Error(),
		})
	}
}

func (s *Session) onInteraction(ev capture.RawEvent) {
	s.monitor.RecordInteraction(ev.At)
}

func (s *Session) onVisibility(ev capture.RawEvent) {
	switch ev.Visibility {
	case capture.VisibilityHidden:
		s.hidden.Store(true)
		s.visibilityKnown.Store(true)
	case capture.VisibilityVisible:
		s.hidden.Store(false)
		s.visibilityKnown.Store(true)
	}
}

func (s *Session) onNavigation(n navigation.Notification) {
	if n.Phase == navigation.PhaseEnd {
		s.prober.Reset()
	}
}

func (s *Session) visibility() (bool, bool) {
	return s.hidden.Load(), s.visibilityKnown.Load()
}
