// Command latticed runs the metadata platform server: schema compiler,
// policy engine, generic data service, and the workflow runtime with its
// background workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/lattice-hq/lattice/pkg/api"
	"github.com/lattice-hq/lattice/pkg/approval"
	"github.com/lattice-hq/lattice/pkg/audit"
	"github.com/lattice-hq/lattice/pkg/auth"
	"github.com/lattice-hq/lattice/pkg/bus"
	"github.com/lattice-hq/lattice/pkg/compiler"
	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/config"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/data"
	"github.com/lattice-hq/lattice/pkg/database"
	"github.com/lattice-hq/lattice/pkg/ircache"
	"github.com/lattice-hq/lattice/pkg/jobs"
	"github.com/lattice-hq/lattice/pkg/kvcache"
	"github.com/lattice-hq/lattice/pkg/lifecycle"
	"github.com/lattice-hq/lattice/pkg/observability"
	"github.com/lattice-hq/lattice/pkg/outbox"
	"github.com/lattice-hq/lattice/pkg/overlay"
	"github.com/lattice-hq/lattice/pkg/policy"
	"github.com/lattice-hq/lattice/pkg/schema"
	"github.com/lattice-hq/lattice/pkg/timer"
	"github.com/lattice-hq/lattice/pkg/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "lattice",
		ServiceVersion: "1.0.0",
		Environment:    getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	kv := kvcache.NewRedisWithClient(redisClient)
	queue := jobs.NewRedisQueue(redisClient, "lattice")

	// stores
	registry := schema.NewRegistry(db)
	overlays := overlay.NewStore(db)
	rules := validation.NewPostgresRuleSource(db)
	decisionLog := policy.NewPostgresDecisionLog(db)
	defs := lifecycle.NewDefStore(db)
	instances := lifecycle.NewInstanceStore(db)
	timerStore := timer.NewStore(db)
	approvalStore := approval.NewStore(db)
	templates := approval.NewTemplateStore(db)
	auditLog := audit.NewLog(db)
	ob := outbox.New(db)
	sequences := data.NewSequences(db)

	inits := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"schema", registry.Init},
		{"overlays", overlays.Init},
		{"rules", rules.Init},
		{"decisions", decisionLog.Init},
		{"lifecycle", defs.Init},
		{"instances", instances.Init},
		{"timers", timerStore.Init},
		{"approvals", approvalStore.Init},
		{"templates", templates.Init},
		{"audit", auditLog.Init},
		{"outbox", ob.Init},
		{"sequences", sequences.Init},
	}
	for _, s := range inits {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("init %s store: %w", s.name, err)
		}
	}

	// engines
	eval, err := conditions.NewEvaluator()
	if err != nil {
		return err
	}
	irCache, err := ircache.New(256, kv, time.Hour, logger)
	if err != nil {
		return err
	}
	comp := compiler.New(registry, overlays, irCache, logger)
	models := compiler.NewModels(comp, registry, contracts.OverlaySet(cfg.Runtime.Overlays))
	policyEngine := policy.NewEngine(eval, decisionLog, logger)

	router, err := lifecycle.NewRouter(defs, eval, logger)
	if err != nil {
		return err
	}
	manager := lifecycle.NewManager(defs, instances, router, policyEngine, eval, models, logger).
		WithAudit(ob)

	events := bus.New(logger)
	approvals := approval.NewEngine(templates, approvalStore, eval, defs, events, logger).
		WithAudit(ob)
	manager.WithApprovals(approvals)

	timers := timer.NewService(timerStore, queue, manager, eval, logger)
	manager.WithTimers(timers)

	dataSvc := data.NewService(db, models, policyEngine, sequences, logger).
		WithAudit(ob).
		WithLifecycle(manager)
	validator, err := validation.NewEngine(eval, dataSvc, rules, kv, logger)
	if err != nil {
		return err
	}
	dataSvc.WithValidator(validator)
	manager.WithRecords(dataSvc)
	timers.WithRecords(dataSvc)

	// approval completion re-enters the lifecycle through the event bus
	events.Subscribe(contracts.EventApprovalCompleted, func(ctx context.Context, payload any) {
		if msg, ok := payload.(contracts.ApprovalCompleted); ok {
			manager.HandleApprovalCompleted(ctx, msg)
		}
	})

	// background workers
	var archiver *audit.Archiver
	if cfg.AuditArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		store := audit.NewS3Archive(s3.NewFromConfig(awsCfg), cfg.AuditArchiveBucket, "audit")
		archiver = audit.NewArchiver(auditLog, store)
	}
	drainer := outbox.NewDrainer(ob, auditLog,
		cfg.Runtime.Outbox.BatchSize, float64(cfg.Runtime.Outbox.RatePerSecond), logger)
	partitions := outbox.NewPartitionManager(auditLog, archiver,
		cfg.Runtime.Audit.MonthsAhead, cfg.Runtime.Audit.RetentionDays, logger)

	runner := jobs.NewRunner(queue, logger).WithConcurrency(cfg.Runtime.Workers.Concurrency)
	runner.Handle(timer.JobType, timers.Process)
	runner.Periodic("outbox-drain",
		time.Duration(cfg.Runtime.Outbox.IntervalMs)*time.Millisecond, drainer.Drain)
	runner.Periodic("audit-partitions", 24*time.Hour, partitions.Run)

	if n, err := timers.RehydrateAll(ctx); err != nil {
		logger.Error("timer rehydration failed", "requeued", n, "error", err)
	}

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	// HTTP surface
	var jwtValidator *auth.Validator
	if cfg.JWTSecret != "" {
		jwtValidator = auth.NewValidator([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("JWT_SECRET not set, all authenticated requests will be rejected")
	}
	limiter := api.NewRateLimiter(cfg.Runtime.RateLimit.RequestsPerSecond, cfg.Runtime.RateLimit.Burst)
	server := api.NewServer(dataSvc, registry, overlays, comp, models, rules, validator,
		manager, approvals, timers, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(server.Handler(jwtValidator, limiter)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port)
		serveDone <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := <-runnerDone; err != nil {
		logger.Error("job runner stopped with error", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
