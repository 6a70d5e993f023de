package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/gatesim/internal/config"
	"github.com/signalsfoundry/gatesim/internal/entity"
	"github.com/signalsfoundry/gatesim/internal/logging"
	"github.com/signalsfoundry/gatesim/internal/observability"
	"github.com/signalsfoundry/gatesim/internal/scenario"
	"github.com/signalsfoundry/gatesim/internal/sim/scheduler"
	"github.com/signalsfoundry/gatesim/timectrl"
	"github.com/tebeka/atexit"
	"go.opentelemetry.io/otel/attribute"
)

// settle is simulated time granted after the scenario horizon for the
// last teardowns to propagate.
const settle = time.Second

type runOptions struct {
	start time.Time
	tick  time.Duration
	mode  timectrl.Mode

	// simClock, when set, receives the time controller's clock.
	simClock *observability.SimClockProcessor
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	envFile := flag.String("env-file", "", "Optional .env file whose variables apply when not already set")
	scenarioPath := flag.String("scenario", "configs/line.yaml", "Path to a YAML scenario file")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics; overrides the config file")
	tick := flag.Duration("tick", time.Millisecond, "Simulated time step")
	realtime := flag.Bool("realtime", false, "Advance simulated time with the wall clock")
	flag.Parse()

	ctx := context.Background()
	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			logging.NewFromEnv().Error(ctx, "failed to load env file", logging.String("path", *envFile), logging.Err(err))
			atexit.Exit(1)
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load configuration", logging.Err(err))
		atexit.Exit(1)
	}
	cfg = config.ApplyEnv(cfg)
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	log := logging.New(cfg.Logging)

	simClock := observability.NewSimClockProcessor()
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log,
		observability.WithSpanProcessor(simClock),
		observability.WithResourceAttributes(attribute.String("gatesim.scenario", *scenarioPath)),
	)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		atexit.Exit(1)
	}
	atexit.Register(func() { observability.ShutdownWithTimeout(ctx, shutdownTracing, log) })

	s, err := scenario.Load(*scenarioPath)
	if err != nil {
		log.Error(ctx, "failed to load scenario", logging.String("path", *scenarioPath), logging.Err(err))
		atexit.Exit(1)
	}

	reg := prometheus.NewRegistry()
	if metricsSrv := serveMetrics(cfg.Metrics.Listen, reg, log); metricsSrv != nil {
		atexit.Register(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		})
	}

	mode := timectrl.Accelerated
	if *realtime {
		mode = timectrl.RealTime
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	summary, err := run(stopCtx, cfg, s, reg, runOptions{start: time.Now().UTC(), tick: *tick, mode: mode, simClock: simClock}, log)
	if err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		atexit.Exit(1)
	}
	log.Info(ctx, "simulation finished",
		logging.Int("established", summary.Established),
		logging.Int("closed", summary.Closed),
		logging.Int("failed", summary.Failed),
		logging.Int("rejected", summary.Rejected),
		logging.Int("pending", summary.Pending),
	)
	atexit.Exit(0)
}

// run plays s on a fresh world until the scenario horizon plus settle has
// elapsed in simulated time, or ctx is cancelled.
func run(ctx context.Context, cfg config.Config, s *scenario.Scenario, reg prometheus.Registerer, opts runOptions, log logging.Logger) (scenario.Summary, error) {
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return scenario.Summary{}, fmt.Errorf("engine metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return scenario.Summary{}, fmt.Errorf("scheduler metrics: %w", err)
	}

	store, err := s.KnowledgeBase()
	if err != nil {
		return scenario.Summary{}, err
	}

	tc := timectrl.NewTimeController(opts.start, opts.tick, opts.mode)
	opts.simClock.SetClock(tc.Now)
	sched := scheduler.NewEventScheduler(tc, scheduler.WithMetrics(schedMetrics))
	tc.AddListener(func(time.Time) { sched.RunDue() })

	world, err := entity.NewWorld(store, sched, cfg.Engine.HopLatency.Duration(), log,
		entity.WithMetrics(engineMetrics),
		entity.WithParallelize(cfg.Engine.ParallelizePartnerGates),
		entity.WithProcessTimeout(cfg.Engine.ProcessTimeout.Duration()),
		entity.WithBestEffortSharing(cfg.Engine.BestEffortSharing),
	)
	if err != nil {
		return scenario.Summary{}, err
	}
	defer world.Close(context.Background())

	progress, err := scenario.Schedule(ctx, s, world, log)
	if err != nil {
		return scenario.Summary{}, err
	}

	horizon := s.Horizon() + settle
	log.Info(ctx, "simulation starting",
		logging.Int("hosts", len(world.Entities())),
		logging.Int("connections", len(s.Connections)),
		logging.Duration("horizon", horizon),
		logging.String("mode", opts.mode.String()),
	)

	select {
	case <-tc.Start(horizon):
	case <-ctx.Done():
		return progress.Summarize(), ctx.Err()
	}
	for _, o := range progress.Outcomes() {
		fields := []logging.Field{
			logging.String("connection", o.Name),
			logging.Bool("established", o.Established),
		}
		if o.Conn != nil {
			fields = append(fields, logging.String("route", strings.Join(o.Conn.Route.Hops, ",")))
		}
		if o.Err != nil {
			fields = append(fields, logging.Err(o.Err))
		}
		log.Info(ctx, "connection outcome", fields...)
	}
	return progress.Summarize(), nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" || gatherer == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
