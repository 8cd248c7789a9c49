package main

import (
	"context"
	"fmt"
)

// runWorker executes queued jobs. It serves only /health and the metrics
// endpoint on the configured port.
func runWorker(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("Starting job queue worker", "version", version, "workers", cfg.Engine.Workers)

	a, err := newApp(ctx, cfg, logger, appOptions{workers: true})
	if err != nil {
		return err
	}
	defer a.Close()

	return serve(ctx, a, newEcho(a))
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db, logger)
}
