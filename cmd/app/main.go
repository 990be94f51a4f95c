package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dduksanglab/internal/automation/healthcheck"
	"dduksanglab/internal/automation/loadbalancer"
	"dduksanglab/internal/automation/orchestrator"
	"dduksanglab/internal/automation/scheduler"
	"dduksanglab/internal/cache"
	"dduksanglab/internal/config"
	"dduksanglab/internal/cronjobs"
	"dduksanglab/internal/gamification"
	"dduksanglab/internal/handlers"
	"dduksanglab/internal/httpserver"
	"dduksanglab/internal/logging"
	"dduksanglab/internal/metrics"
	"dduksanglab/internal/payapp"
	"dduksanglab/internal/repo"
	"dduksanglab/internal/telegram"
	"dduksanglab/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting dduksanglab backend", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	if cfg.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.PublicBaseURL, "/") + cfg.PublicBasePath
		logger.Info("public base url configured",
			"payapp_feedback_url", base+"/api/payments/payapp/webhook",
			"telegram_webhook_url", base+"/api/telegram/webhook")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.Open(ctx, repo.Options{
		Driver:      cfg.DatabaseDriver,
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.SupabaseSchema,
		SQLitePath:  cfg.SQLitePath,
	}, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		UseTLS:    cfg.RedisTLS,
		KeyPrefix: "dduksanglab",
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	loc, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		logger.Warn("unknown timezone, using Asia/Seoul", "tz", cfg.SchedulerTimezone, "error", err)
		loc = gamification.SeoulLocation()
	}

	rewards := gamification.New(repository, redisClient, metricRegistry, logger, gamification.Config{
		SignupPoints:     cfg.ReferralSignupPoints,
		RankingCacheSize: cfg.RankingCacheSize,
		Location:         loc,
	})

	paymentProcessor := handlers.NewPayAppWebhookProcessor(repository, redisClient, rewards, metricRegistry, logger)
	payappHandler := payapp.NewWebhookHandler(logger, metricRegistry, payapp.WebhookConfig{
		SecretKey:     cfg.PayAppSecretKey,
		SellerID:      cfg.PayAppUserID,
		LinkValue:     cfg.PayAppLinkValue,
		RatePerSecond: cfg.PayAppWebhookRPS,
	}, paymentProcessor)

	n8nPool := loadbalancer.New(logger.With("pool", "n8n"))
	aiPool := loadbalancer.New(logger.With("pool", "ai"))

	checker := healthcheck.New(healthcheck.Config{
		Interval: cfg.HealthCheckInterval,
		Timeout:  cfg.HealthCheckTimeout,
	}, metricRegistry, logger)
	checker.Register("database", healthcheck.PingCheck(repository))
	checker.Register("redis", healthcheck.PingCheck(redisClient))

	probeClient := &http.Client{Timeout: cfg.HealthCheckTimeout}
	registerPool := func(prefix string, pool *loadbalancer.Balancer, urls []string) {
		for i, u := range urls {
			name := prefix + "-" + strconv.Itoa(i+1)
			pool.Register(name, u)
			checker.Register(name, healthcheck.HTTPCheck(probeClient, u))
		}
		loadbalancer.Track(checker, pool)
	}
	registerPool("n8n", n8nPool, cfg.N8NWebhookURLs)
	registerPool("ai", aiPool, cfg.AIServiceURLs)

	forwarder := telegram.NewForwarder(n8nPool, cfg.N8NTimeout, metricRegistry, logger)
	telegramHandler := telegram.NewWebhookHandler(cfg.TelegramWebhookSecret, forwarder, metricRegistry, logger)

	orch := orchestrator.New(logger, 0)
	jobDeps := cronjobs.Deps{
		Store:      repository,
		Rankings:   rewards,
		Health:     checker,
		Workflows:  orch,
		PendingTTL: cfg.PaymentPendingTTL,
	}
	if err := orch.Register(cronjobs.Maintenance(jobDeps)); err != nil {
		return fmt.Errorf("register maintenance workflow: %w", err)
	}
	jobs, err := cronjobs.NewDefaultRegistry(jobDeps)
	if err != nil {
		return fmt.Errorf("register cron jobs: %w", err)
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.SchedulerTimezone}, metricRegistry, logger)
	if err := jobs.Schedule(sched); err != nil {
		return fmt.Errorf("schedule cron jobs: %w", err)
	}

	orch.Start()
	n8nPool.Start()
	aiPool.Start()
	checker.Start(ctx)
	if cfg.AutomationEnabled {
		sched.Start()
	} else {
		logger.Info("in-process scheduler disabled, cron routes only")
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PayAppWebhook:   payappHandler,
		TelegramWebhook: telegramHandler,
		Cron:            cronjobs.NewHandler(cfg.CronSecret, jobs, metricRegistry, logger),
		CronSecret:      cfg.CronSecret,
		AutomationStatus: func(context.Context) any {
			return map[string]any{
				"scheduler":    sched.Snapshot(),
				"health":       checker.Snapshot(),
				"orchestrator": orch.Status(),
				"n8n":          n8nPool.Services(),
				"ai_services":  aiPool.Services(),
			}
		},
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	sched.Stop(shutdownCtx)
	checker.Stop()
	orch.Stop()
	n8nPool.Stop()
	aiPool.Stop()

	return runErr
}
