// Command centinela runs the security telemetry service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"centinela/internal/ai"
	"centinela/internal/api"
	"centinela/internal/collector"
	"centinela/internal/config"
	"centinela/internal/logging"
	"centinela/internal/mail"
	"centinela/internal/pipeline"
	"centinela/internal/queue"
	"centinela/internal/ratelimit"
	"centinela/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(os.Getenv("LOG_LEVEL")),
	}))

	rootCmd := &cobra.Command{
		Use:   "centinela",
		Short: "Security telemetry pipeline",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion front door and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, logger)
		},
	}

	collectorCmd := &cobra.Command{
		Use:   "collector",
		Short: "Start the edge syslog collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, err := collector.FromEnv()
			if err != nil {
				return err
			}
			return collector.New(cfg, logger).Run(ctx)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, collectorCmd, newAPIKeyCommand(logger), newTenantCommand(logger), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	ingestQ := queue.New(rdb, "ingest", logger)
	aiQ := queue.New(rdb, "ai", logger)

	dedupe := queue.NewDeduper(rdb, 24*time.Hour)
	ingestWorker := queue.NewWorker(ingestQ, cfg.IngestConcurrency,
		pipeline.NewIngestWorker(st, dedupe, logger).Handle, logger)

	cacheTTL := time.Duration(cfg.AICacheTTLDays) * 24 * time.Hour
	analyzer := ai.NewAnalyzer(st, cfg.OrchestratorURL, cacheTTL, logger)
	aiWorker := queue.NewWorker(aiQ, cfg.AIConcurrency, analyzer.Handle, logger)

	limiter := ratelimit.New(rdb, cfg.RateLimits, cfg.DefaultTier, logger)
	server := api.New(fmt.Sprintf(":%d", cfg.Port), cfg.CORSOrigins, st, limiter, ingestQ, logger)

	sender := mail.NewSMTPSender(mail.SMTPConfig{
		Host:   cfg.SMTPHost,
		Port:   cfg.SMTPPort,
		Secure: cfg.SMTPSecure,
		User:   cfg.SMTPUser,
		Pass:   cfg.SMTPPass,
		From:   cfg.SMTPFrom,
	})

	scheduler := pipeline.NewScheduler(
		pipeline.NewNormalizer(st, nil, logger),
		pipeline.NewRulesEngine(st, pipeline.DefaultRules, logger),
		pipeline.NewAIDispatcher(st, aiQ, logger),
		pipeline.NewBatcher(st, logger),
		pipeline.NewDispatcher(st, sender, cfg.AlertRecipient, logger),
		st,
		queue.NewLease(rdb, "pipeline", 2*cfg.WorkerInterval),
		cfg.WorkerInterval,
		cfg.RawRetention,
		logger,
	)

	logger.Info("starting",
		"version", version,
		"port", cfg.Port,
		"redis", cfg.RedisAddr(),
		"worker_interval", cfg.WorkerInterval,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return ingestWorker.Run(gctx) })
	g.Go(func() error { return aiWorker.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
