package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/config"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/exception"
	"github.com/pesio-ai/be-ap-intake/internal/extern"
	"github.com/pesio-ai/be-ap-intake/internal/handler"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/ingest"
	"github.com/pesio-ai/be-ap-intake/internal/jobs"
	"github.com/pesio-ai/be-ap-intake/internal/memstore"
	"github.com/pesio-ai/be-ap-intake/internal/outbox"
	"github.com/pesio-ai/be-ap-intake/internal/policy"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
	"github.com/pesio-ai/be-ap-intake/internal/rules"
	"github.com/pesio-ai/be-ap-intake/internal/slo"
	"github.com/pesio-ai/be-ap-intake/internal/staging"
	"github.com/pesio-ai/be-ap-intake/internal/workflow"
)

func main() {
	memory := flag.Bool("memory", false, "run against the in-memory store instead of postgres")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "ap-intake").
		Logger()

	log.Info().Bool("memory", *memory).Int("port", cfg.HTTPPort).Msg("starting intake core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := ident.NewSystemClock()

	var store repository.Store
	if *memory {
		store = memstore.New()
	} else {
		pg, err := repository.NewPG(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open store")
		}
		defer pg.Close()
		store = pg
		log.Info().Msg("postgres store ready")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// External collaborators.
	extractorURL := getenv("EXTRACTOR_URL", "http://localhost:9091")
	masterDataURL := getenv("MASTER_DATA_URL", "http://localhost:9092")
	connectorURL := getenv("CONNECTOR_URL", "http://localhost:9093")
	destination := getenv("EXPORT_DESTINATION", "quickbooks")
	extractor := extern.NewExtractorClient(extractorURL, cfg.JobSoftTimeout)
	lookups := extern.NewMasterDataClient(masterDataURL, 10*time.Second)
	connectors := map[string]staging.Connector{
		destination: extern.NewConnectorClient(connectorURL, 30*time.Second),
	}

	var blobs ingest.BlobStore
	if *memory {
		blobs = ingest.NewMemoryBlobs()
	} else {
		dir, err := ingest.NewDirBlobs(getenv("BLOB_DIR", "/var/lib/ap-intake/blobs"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open blob directory")
		}
		blobs = dir
	}

	// Core components.
	fabric := jobs.NewFabric(store, clock, jobs.OptionsFromConfig(cfg), jobs.NewMetrics(reg), log)
	idem := idempotency.NewManager(store, clock, cfg.IdempotencyTTL, cfg.IdempotencyMaxExecutions, log)
	ruleEngine := rules.NewEngine(store, lookups, clock,
		rules.DefaultConfig(cfg.ValidationTolerance, cfg.AutoApproveConfidence), log)
	exceptions := exception.NewManager(store, clock, fabric, log)
	gates, err := policy.NewGateEngine(store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build policy engine")
	}
	approvals := policy.NewApprovalEngine(store, clock, fabric, idem, cfg.StagingApprovalTimeout, log)
	pipeline := staging.NewPipeline(store, clock, idem, staging.Config{
		QualityThreshold: cfg.StagingQualityThreshold,
		RollbackWindow:   cfg.StagingRollbackWindow,
	}, connectors, log)
	sloEngine := slo.NewEngine(store, clock, cfg.AlertDeliverySLA, slo.NewMetrics(reg), log)
	runner := workflow.NewRunner(workflow.Deps{
		Store:       store,
		Clock:       clock,
		Fabric:      fabric,
		Rules:       ruleEngine,
		Lookups:     lookups,
		Exceptions:  exceptions,
		Gates:       gates,
		Approvals:   approvals,
		Staging:     pipeline,
		Extractor:   extractor,
		Destination: destination,
		Format:      domain.FormatJSON,
	}, log)
	runner.Register(fabric)
	intake := ingest.NewService(store, clock, idem, blobs, fabric, log)

	if err := sloEngine.Seed(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to seed objectives")
	}

	// Scheduled maintenance.
	scheduler := jobs.NewScheduler(log)
	mustSchedule(scheduler, log, "5 * * * *", "sli-hourly", 5*time.Minute, sloEngine.RunHourly)
	mustSchedule(scheduler, log, "5 1 * * *", "sli-daily", 10*time.Minute, sloEngine.RunDaily)
	mustSchedule(scheduler, log, "0 9 * * 1", "cfo-digest", 5*time.Minute, sloEngine.WeeklyDigest)
	mustSchedule(scheduler, log, "0 * * * *", "idempotency-sweep", time.Minute, func(ctx context.Context) error {
		_, err := idem.Sweep(ctx)
		return err
	})
	mustSchedule(scheduler, log, "*/5 * * * *", "dlq-monitor", time.Minute, fabric.CheckDLQ)
	mustSchedule(scheduler, log, "*/15 * * * *", "approval-escalation", 5*time.Minute, func(ctx context.Context) error {
		_, err := approvals.EscalateOverdue(ctx)
		return err
	})
	scheduler.Start()

	// Outbox relay. Subscribers get at-least-once delivery; today the only
	// consumer is the event log.
	relay := outbox.NewRelay(store, 100, time.Second, log)
	relay.Subscribe(func(_ context.Context, ev *domain.OutboxEvent) error {
		log.Debug().
			Str("event_type", string(ev.EventType)).
			Str("aggregate", ev.AggregateType+"/"+ev.AggregateID).
			Msg("event delivered")
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fabric.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	// HTTP surface.
	api := handler.NewHTTPHandler(handler.Deps{
		Store:      store,
		Ingest:     intake,
		Exceptions: exceptions,
		Approvals:  approvals,
		Gates:      gates,
		Staging:    pipeline,
		Workflow:   runner,
		Fabric:     fabric,
		SLO:        sloEngine,
	}, log)
	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	scheduler.Stop()
	cancel()
	wg.Wait()
	log.Info().Msg("stopped")
}

func mustSchedule(s *jobs.Scheduler, log zerolog.Logger, spec, name string, timeout time.Duration, task func(ctx context.Context) error) {
	if err := s.Add(spec, name, timeout, task); err != nil {
		log.Fatal().Err(err).Str("task", name).Msg("failed to schedule task")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
