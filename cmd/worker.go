package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/llm"
	"github.com/convoke-ai/convoke/internal/policy"
	"github.com/convoke-ai/convoke/internal/runner"
	"github.com/convoke-ai/convoke/internal/service"
	"github.com/convoke-ai/convoke/internal/store"
	"github.com/convoke-ai/convoke/internal/stream"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the queue-consuming task runner",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	broker := stream.NewBroker(logger)
	svc := service.New(db, broker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := buildConsumer(ctx, cfg, db, svc, logger)
	if err != nil {
		return err
	}

	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency, "batch_size", cfg.BatchSize)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func buildConsumer(ctx context.Context, cfg *config.Config, db store.Store, svc *service.Service, logger *slog.Logger) (*runner.Consumer, error) {
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	var src runner.SecretSource = runner.EnvSecretSource{}
	factory := runner.DefaultProviderFactory
	if llm.MockMode() {
		src = runner.StaticSecretSource{}
		factory = runner.MockProviderFactory
	}
	secrets := runner.NewSecretCache(src, cfg.SecretsTTL)

	return runner.NewConsumer(svc, db, cfg, secrets, engine, factory, logger), nil
}
