package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/sidecar-health/internal/cfg"
	"github.com/keithlinneman/sidecar-health/internal/controlplane"
	"github.com/keithlinneman/sidecar-health/internal/health"
	"github.com/keithlinneman/sidecar-health/internal/healthhttp"
	"github.com/keithlinneman/sidecar-health/internal/httpserver"
	"github.com/keithlinneman/sidecar-health/internal/log"
	"github.com/keithlinneman/sidecar-health/internal/metrics"
	"github.com/keithlinneman/sidecar-health/internal/opshttp"
	"github.com/keithlinneman/sidecar-health/internal/otelx"
	"github.com/keithlinneman/sidecar-health/internal/prof"
	v "github.com/keithlinneman/sidecar-health/internal/version"
	"github.com/keithlinneman/sidecar-health/internal/worker"
)

const component = "sidecar"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	// HEALTH_PORT, LOG_LEVEL etc. are read without a prefix so the
	// sidecar drops into existing pod specs unchanged
	cfg.FillFromEnv(flag.CommandLine, "", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	cfg.ResolveAPIServer(&conf, os.Getenv)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	if conf.StacktraceLevel == "" {
		conf.StacktraceLevel = "error"
	}
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing sidecar",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"health_port", conf.HealthPort,
		"health_path", conf.HealthPath,
		"admin_port", conf.AdminPort,
		"enable_admin", conf.EnableAdmin,
		"enable_pprof", conf.EnablePprof,
		"contact_threshold", conf.ContactThreshold.String(),
		"sync_interval", conf.SyncInterval.String(),
		"apiserver_url", conf.APIServerURL,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because traces go to a collector on the node or in the pod
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without tracing")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// Health monitor shared by the probe handler, the syncer and metrics
	monitor := health.NewMonitor(health.WithContactThreshold(conf.ContactThreshold))
	if err := m.RegisterMonitor(monitor); err != nil {
		L.Error(ctx, err, "register monitor metrics")
		return 1
	}

	client, err := controlplane.NewClient(controlplane.ClientOptions{
		BaseURL:   conf.APIServerURL,
		TokenFile: conf.TokenFile,
		CAFile:    conf.CAFile,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create control plane client")
		return 1
	}
	syncer := controlplane.NewSyncer(controlplane.SyncerOptions{
		Logger:         L.With("subsystem", "controlplane"),
		Client:         client,
		Interval:       conf.SyncInterval,
		OnContact:      monitor.UpdateContact,
		OnFirstSync:    monitor.MarkReady,
		Metrics:        m,
		StaleThreshold: conf.ContactThreshold,
	})

	// workers stop on workerCtx so servers keep answering probes while they drain
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var workers worker.Group
	workers.Go(workerCtx, "controlplane-syncer", syncer.Run)
	monitor.RegisterWorkers(workers.Handles()...)

	healthAPI := healthhttp.NewAPI(monitor, conf.HealthPath,
		healthhttp.WithOnVerdict(m.ObserveVerdict),
	)

	healthHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HealthPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Routes:       []httpserver.RouteRegistrar{healthAPI},
		QuietPaths:   []string{healthAPI.Path},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start health http listener")
		return 1
	}
	defer func() { _ = healthHTTPStop(context.Background()) }()

	// admin/ops listener for metrics, pprof and kubelet-style probes;
	// requests from public addresses are rejected in the handler
	opsHTTPStop := func(context.Context) error { return nil }
	if conf.EnableAdmin {
		opsHTTPStop, err = opshttp.Start(ctx, L, opshttp.Options{
			Port:         conf.AdminPort,
			Metrics:      m.Handler(),
			EnablePprof:  conf.EnablePprof,
			Liveness:     monitor.LivenessProbe(),
			Readiness:    monitor.ReadinessProbe(),
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			return 1
		}
		defer func() { _ = opsHTTPStop(context.Background()) }()
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := drainWorkers(shutdownCtx, monitor, cancelWorkers, &workers); err != nil && !errors.Is(err, context.Canceled) {
		L.Error(context.Background(), err, "workers did not stop cleanly")
	}

	if err := healthHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "health http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return 0
}

// drainWorkers stops the background workers while the health listener is
// still serving. The monitor drops its handles first so a clean stop is not
// reported as a dead worker.
func drainWorkers(ctx context.Context, monitor *health.Monitor, cancel context.CancelFunc, workers *worker.Group) error {
	monitor.RegisterWorkers()
	cancel()
	return workers.Wait(ctx)
}
