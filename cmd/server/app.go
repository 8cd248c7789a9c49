package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobqueue/internal/config"
	"jobqueue/internal/engine"
	"jobqueue/internal/logging"
	"jobqueue/internal/metrics"
	"jobqueue/internal/notify"
	"jobqueue/internal/observability"
	"jobqueue/internal/repository"
	"jobqueue/internal/services"
)

type appOptions struct {
	inMemory bool
	migrate  bool
	workers  bool
}

// app holds the process-wide components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	db      *pgxpool.Pool
	repo    repository.Repository
	bus     notify.Bus
	metrics *metrics.Metrics
	tracing *observability.Provider

	templates  *services.TemplateService
	versions   *services.VersionManager
	validator  *services.WorkflowValidator
	factory    *engine.Factory
	controller *engine.Controller
	pool       *engine.Pool
}

func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"okta_client_id", cfg.Auth.ClientID,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"config_file", path,
	)
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.tracing, err = observability.Setup(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing initialization failed: %w", err)
	}

	if opts.inMemory {
		logger.Warn("Using in-memory store; state is lost on exit")
		a.repo = repository.NewMemoryRepository()
	} else {
		a.db, err = initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("database initialization failed: %w", err)
		}
		if opts.migrate {
			if err = migrate(ctx, a.db, logger); err != nil {
				return nil, err
			}
		}
		a.repo = repository.NewPostgresRepository(a.db)
	}

	if cfg.Redis.Enabled {
		a.bus, err = notify.NewRedisBus(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("redis initialization failed: %w", err)
		}
		logger.Info("Job signals over Redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	} else {
		a.bus = notify.NewLocalBus()
	}

	a.validator = services.NewWorkflowValidator(a.repo, logger)
	a.templates = services.NewTemplateService(a.repo, logger)
	a.versions = services.NewVersionManager(a.repo, a.validator, logger)
	a.factory = engine.NewFactory(a.repo, a.validator, a.bus, a.metrics, logger, cfg.Engine.DefaultPriority)

	var runner engine.Runner
	if opts.workers {
		dispatcher := engine.NewHTTPDispatcher(
			engine.WithRateLimit(cfg.Engine.RequestsPerSecond),
			engine.WithResultMaxBytes(int64(cfg.Engine.ResultMaxBytes)),
		)
		exec := engine.NewExecutor(a.repo, dispatcher, a.metrics, logger, engine.ExecutorConfig{
			PollInterval:      cfg.Engine.PollInterval,
			CancelGracePeriod: cfg.Engine.CancelGracePeriod,
			ValidateOutput:    cfg.Engine.ValidateOutput,
		})
		a.pool = engine.NewPool(a.repo, exec, a.bus, a.metrics, logger, engine.PoolConfig{
			Workers:           cfg.Engine.Workers,
			PollInterval:      cfg.Engine.PollInterval,
			CancelGracePeriod: cfg.Engine.CancelGracePeriod,
		})
		runner = a.pool
	}
	a.controller = engine.NewController(a.repo, runner, a.bus, logger)

	logger.Info("Service layer initialized", "workers", opts.workers)
	return a, nil
}

// Close releases everything newApp acquired.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("Bus close error", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Error("Tracer shutdown error", "error", err)
		}
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected")
	return pool, nil
}

func migrate(ctx context.Context, db *pgxpool.Pool, logger *logging.Logger) error {
	applied, err := repository.NewMigrator(db).Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if len(applied) == 0 {
		logger.Info("Database schema is up to date")
	}
	for _, name := range applied {
		logger.Info("Applied migration", "name", name)
	}
	return nil
}
