package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/clientpulse/clientpulse/pkg/clock"
	"github.com/clientpulse/clientpulse/pkg/collector"
	"github.com/clientpulse/clientpulse/pkg/config"
	"github.com/clientpulse/clientpulse/pkg/observability"
	"github.com/clientpulse/clientpulse/pkg/replay"
	"github.com/clientpulse/clientpulse/pkg/session"
	"github.com/clientpulse/clientpulse/pkg/transport"
	"github.com/clientpulse/clientpulse/pkg/version"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitConfigError  = 65
	exitScriptError  = 66
	exitRuntimeError = 67
)

const defaultSimulateEndpoint = "http://127.0.0.1:8123/api/logs"

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	return runWithWriters(args, os.Stdout, os.Stderr)
}

func runWithWriters(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "collect":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return commandCollectWithWriters(ctx, args[1:], stdout, stderr)
	case "simulate":
		return commandSimulateWithWriters(args[1:], stdout, stderr)
	case "validate-config":
		return commandValidateWithWriters(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Version)
		return exitOK
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: clientpulse <command> [options]
Commands:
  collect            Receive client batches and store them in the configured sink
  simulate           Replay a scripted session and print its records and metrics
  validate-config    Validate the configuration file
  version            Print build version
`)
}

func newLogger(w io.Writer, level string) *observability.JSONLogger {
	logger := observability.NewJSONLogger(w)
	logger.SetMinLevel(observability.Level(strings.ToLower(level)))
	return logger
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("validate-config", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	fmt.Fprintf(stdout, "  client: %s\n", cfg.ClientName)
	fmt.Fprintf(stdout, "  endpoint: %s\n", cfg.Endpoint)
	fmt.Fprintf(stdout, "  capture: kinds=%s scope=%s window=%s\n",
		strings.Join(cfg.Capture.Kinds, ","), strings.Join(cfg.Capture.ElementsScope, ","), cfg.CaptureWindow())
	fmt.Fprintf(stdout, "  activity: tick=%s idle=%s\n", cfg.TickInterval(), cfg.IdleThreshold())
	fmt.Fprintf(stdout, "  buffer: max_entries=%d max_bytes=%d flush=%s\n",
		cfg.Buffer.MaxEntries, cfg.Buffer.MaxBytes, cfg.FlushInterval())
	fmt.Fprintf(stdout, "  collector: %s%s -> %s\n", cfg.Collector.Listen, cfg.Collector.Path, cfg.Collector.Sink)
	return exitOK
}

func commandCollectWithWriters(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("collect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", config.DefaultConfigPath, "path to configuration file")
	listen := fs.String("listen", "", "override collector.listen")
	sinkName := fs.String("sink", "", "override collector.sink (sqlite, postgres, kafka)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *listen != "" {
		cfg.Collector.Listen = *listen
	}
	if *sinkName != "" {
		cfg.Collector.Sink = *sinkName
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
			return exitConfigError
		}
	}

	logger := newLogger(stderr, cfg.LogLevel)
	metrics := observability.NewPrometheusCollector()
	reporter := observability.NewStructuredReporter("", logger, metrics).ForComponent("collector")

	sink, err := openSink(ctx, cfg.Collector)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open sink: %v\n", err)
		return exitRuntimeError
	}
	defer sink.Close()

	gin.SetMode(gin.ReleaseMode)
	opts := []collector.Option{
		collector.WithPath(cfg.Collector.Path),
		collector.WithMaxBodyBytes(cfg.Collector.MaxBodyBytes),
		collector.WithReporter(reporter),
	}
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Listen != cfg.Collector.Listen
	if cfg.Metrics.Enabled && !separateMetrics {
		opts = append(opts, collector.WithMetricsHandler(metrics.Handler()))
	}
	server, err := collector.NewServer(sink, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build collector: %v\n", err)
		return exitRuntimeError
	}

	var wg sync.WaitGroup
	if separateMetrics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, cfg.Metrics.Listen, metrics.Handler(), reporter)
		}()
	}

	fmt.Fprintf(stdout, "collector listening on %s%s (sink=%s)\n", cfg.Collector.Listen, cfg.Collector.Path, cfg.Collector.Sink)
	runErr := server.Run(ctx, cfg.Collector.Listen)
	wg.Wait()
	if runErr != nil {
		fmt.Fprintf(stderr, "collector stopped: %v\n", runErr)
		return exitRuntimeError
	}
	return exitOK
}

func openSink(ctx context.Context, cfg config.CollectorConfig) (collector.Sink, error) {
	switch cfg.Sink {
	case config.SinkSQLite:
		return collector.OpenSQLite(cfg.SQLitePath)
	case config.SinkPostgres:
		return collector.OpenPostgres(ctx, cfg.PostgresDSN)
	case config.SinkKafka:
		return collector.NewKafkaSink(collector.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	default:
		return nil, fmt.Errorf("unsupported sink %q", cfg.Sink)
	}
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, reporter observability.Reporter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelError,
			Event:   "metrics_listener_failed",
			Message: err.Error(),
		})
	}
}

// countingSender stands in for the network when a simulation is not
// delivering.
type countingSender struct {
	mu       sync.Mutex
	payloads int
	bytes    int
}

func (c *countingSender) Send(_ context.Context, payload []byte) transport.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads++
	c.bytes += len(payload)
	return transport.OutcomeDelivered
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "path to configuration file (defaults apply when empty)")
	scriptPath := fs.StringP("script", "s", "", "path to the replay script")
	deliver := fs.Bool("deliver", false, "send batches to the configured endpoint instead of discarding them")
	showMetrics := fs.Bool("metrics", true, "print the Prometheus text exposition after the run")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *scriptPath == "" {
		fmt.Fprintln(stderr, "--script is required")
		return exitUsage
	}

	var cfg *config.Config
	var err error
	if *configPath == "" {
		cfg, err = config.Default(defaultSimulateEndpoint)
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	script, err := replay.LoadScript(*scriptPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load script: %v\n", err)
		return exitScriptError
	}

	clk := clock.Fake(time.Now().UTC().Truncate(time.Second))
	metrics := observability.NewPrometheusCollector()
	counter := &countingSender{}
	opts := []session.Option{
		session.WithClock(clk),
		session.WithManualLoops(),
		session.WithLogger(newLogger(stderr, cfg.LogLevel)),
		session.WithMetrics(metrics),
	}
	if !*deliver {
		opts = append(opts, session.WithSender(counter))
	}

	sess, err := session.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build session: %v\n", err)
		return exitConfigError
	}
	ctx := context.Background()
	if err := sess.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "failed to start session: %v\n", err)
		return exitRuntimeError
	}

	player, err := replay.NewPlayer(sess, clk)
	if err != nil {
		_ = sess.Close()
		fmt.Fprintf(stderr, "failed to build player: %v\n", err)
		return exitRuntimeError
	}
	playErr := player.Play(ctx, script)
	closeErr := sess.Close()

	name := script.Name
	if name == "" {
		name = *scriptPath
	}
	fmt.Fprintf(stdout, "session %s replayed %q (%d steps)\n", sess.ID(), name, len(script.Steps))
	fmt.Fprintln(stdout, "view records:")
	for _, r := range sess.Tracker().Records() {
		fmt.Fprintf(stdout, "  - #%d %s active=%dms idle=%dms hidden=%dms routing=%dms\n",
			r.RouteID, r.ViewName, r.ActiveMs, r.IdleMs, r.HiddenMs, r.RoutingMs)
	}
	fmt.Fprintf(stdout, "open view: %s\n", sess.Tracker().CurrentView())
	if !*deliver {
		fmt.Fprintf(stdout, "payloads: %d (%d bytes, not delivered)\n", counter.payloads, counter.bytes)
	}
	if *showMetrics {
		fmt.Fprintln(stdout, "metrics:")
		if err := metrics.WriteText(stdout); err != nil {
			fmt.Fprintf(stderr, "failed to render metrics: %v\n", err)
			return exitRuntimeError
		}
	}

	if playErr != nil {
		fmt.Fprintf(stderr, "replay failed: %v\n", playErr)
		return exitRuntimeError
	}
	if closeErr != nil {
		fmt.Fprintf(stderr, "session teardown: %v\n", closeErr)
		return exitRuntimeError
	}
	return exitOK
}
