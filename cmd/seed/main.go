package main

import (
	"context"
	"flag"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobqueue/internal/auth"
	"jobqueue/internal/config"
	"jobqueue/internal/logging"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	baseURL := flag.String("base-url", "http://localhost:9000", "Base URL of the demo downstream service")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	// Connect to DB
	ctx := auth.WithPrincipal(context.Background(), "seed-script")
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if _, err := repository.NewMigrator(pool).Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	repo := repository.NewPostgresRepository(pool)
	seeder := &seeder{
		templates: services.NewTemplateService(repo, logger),
		versions:  services.NewVersionManager(repo, services.NewWorkflowValidator(repo, logger), logger),
		logger:    logger,
	}
	if err := seeder.run(ctx, *baseURL); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	logger.Info("Seeding complete!")
}
