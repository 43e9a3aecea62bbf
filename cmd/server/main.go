// Responder ingests operational alerts, analyzes them with an LLM and
// distributes incident reports to Slack, email and Jira.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/alertapi"
	"github.com/linnemanlabs/responder/internal/analysis"
	vc "github.com/linnemanlabs/responder/internal/cfg"
	"github.com/linnemanlabs/responder/internal/enrich"
	"github.com/linnemanlabs/responder/internal/notify"
	"github.com/linnemanlabs/responder/internal/pipeline"
	"github.com/linnemanlabs/responder/internal/postgres"
	"github.com/linnemanlabs/responder/internal/queue"
)

const appName = "responder"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	// stop doubles as the fatal hook for queue consumers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// RESPONDER_* env vars fill flags not set on the command line
	cfg.FillFromEnv(flag.CommandLine, "RESPONDER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component, "role", appCfg.Role)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting responder",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"queue_backend", appCfg.QueueBackend,
		"llm_provider", appCfg.LLMProvider,
		"log_backend", appCfg.LogBackend,
		"database", appCfg.DatabaseURL != "",
		"redis", appCfg.RedisAddr != "",
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"enable_pyroscope", profCfg.EnablePyroscope,
	)

	// profiling first so it covers startup
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"role":      appCfg.Role,
		"version":   vi.Version,
		"commit":    vi.Commit,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "responder_db_query_duration_seconds",
		Help:    "Duration of record store queries by origin and operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, operation, outcome).Observe(dur.Seconds())
		},
	))

	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	// one AWS config serves SQS, CloudWatch Logs and SES
	var awsCfg aws.Config
	if needsAWS(&appCfg) {
		if awsCfg, err = loadAWSConfig(ctx, appCfg.AWSRegion); err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		L.Info(ctx, "loaded aws config", "region", awsCfg.Region)
	}

	queueMetrics := queue.NewMetrics(m.Registry())
	pipelineMetrics := pipeline.NewMetrics(m.Registry())
	analysisMetrics := analysis.NewMetrics(m.Registry())
	notifyMetrics := notify.NewMetrics(m.Registry())

	queues := buildQueues(&appCfg, awsCfg, L, queueMetrics)
	defer queues.Close()

	workers := newConsumers()

	if appCfg.Runs(vc.RoleAnalyzer) {
		cache, closeCache, err := openCache(ctx, &appCfg, L)
		if err != nil {
			return err
		}
		defer closeCache()

		provider, model, err := buildProvider(ctx, &appCfg)
		if err != nil {
			return err
		}
		if provider == nil {
			L.Warn(ctx, "no LLM provider configured, every analysis uses the fallback report")
		} else {
			L.Info(ctx, "initialized LLM provider", "provider", appCfg.LLMProvider, "model", model)
		}

		gatherer := enrich.New(store, buildLogSource(&appCfg, awsCfg), L, analysisMetrics.OnEnrichmentDegraded)
		engine := analysis.NewEngine(cache, gatherer, provider, L, analysisMetrics.Hooks())
		svc := analysis.NewService(store, engine, L, analysisMetrics)

		analyzer := pipeline.NewAnalyzer(svc, queues.distributePub, L, pipelineMetrics)
		workers.run(L, processQueue, queues.processSub, analyzer.Handle, stop)
	}

	if appCfg.Runs(vc.RoleDistributor) {
		channels := buildChannels(&appCfg, awsCfg)
		coordinator := notify.NewCoordinator(channels, store, L, notifyMetrics)
		if len(channels) == 0 {
			L.Warn(ctx, "no notification channels configured, reports are recorded but not sent")
		} else {
			L.Info(ctx, "notification channels enabled", "channels", coordinator.Channels())
		}

		distributor := pipeline.NewDistributor(coordinator, L, pipelineMetrics)
		workers.run(L, distributeQueue, queues.distributeSub, distributor.Handle, stop)
	}

	// readiness fails once the gate closes so load balancers drain us
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := newRouter(health.HealthzHandler(liveness), health.ReadyzHandler(readiness))
	if appCfg.Runs(vc.RoleReception) {
		reception := pipeline.NewReception(alert.NewNormalizer(), queues.processPub, L, pipelineMetrics)
		// an in-memory store only holds records when analysis runs in this process
		var records alertapi.RecordReader
		if appCfg.DatabaseURL != "" || appCfg.Runs(vc.RoleAnalyzer) {
			records = store
		}
		alertapi.New(L, reception, records).WithReadToken(appCfg.APIReadToken).RegisterRoutes(r)
	}
	h := wrapAPI(r, L,
		httpmw.ClientIPOptions{TrustedHops: httpmwCfg.TrustedProxyHops},
		func(next http.Handler) http.Handler { return m.Middleware(next) },
	)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	apiStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// api first so no new alerts arrive while consumers finish in-flight work
	shutdown(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"api http server", apiStop},
		{"queue consumers", workers.Stop},
		{"ops http server", opsStop},
		{"otel", shutdownOtel},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}
