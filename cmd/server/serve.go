package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"jobqueue/internal/api"
	"jobqueue/internal/auth"
	"jobqueue/internal/logging"
	"jobqueue/internal/mcp"
	"jobqueue/internal/tls"
)

type serveOptions struct {
	noWorkers bool
	inMemory  bool
	migrate   bool
}

func runServe(ctx context.Context, configPath string, opts serveOptions) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE from the docs page will fail if the backend app requires a secret")
	}

	logger.Info("Starting job queue service", "version", version)

	a, err := newApp(ctx, cfg, logger, appOptions{
		inMemory: opts.inMemory,
		migrate:  opts.migrate,
		workers:  !opts.noWorkers,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	return serve(ctx, a, newRouter(a, authz))
}

// newEcho creates the echo instance with the middleware shared by every
// subcommand that listens.
func newEcho(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(a.logger)

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(otelecho.Middleware(a.cfg.Tracing.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(requestLogger(a.logger)))
	e.Use(middleware.Recover())

	h := api.NewHandler(api.Deps{Repo: a.repo, Logger: a.logger, Version: version})
	e.GET("/health", h.HandleHealth)
	if a.cfg.Metrics.Enabled {
		e.GET(a.cfg.Metrics.Path, echo.WrapHandler(a.metrics.Handler()))
	}
	return e
}

// newRouter mounts the REST API, the MCP endpoint, the auth flow and the
// API docs.
func newRouter(a *app, authz *auth.Auth) *echo.Echo {
	e := newEcho(a)
	cfg := a.cfg

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewHandler(api.Deps{
		Repo:       a.repo,
		Templates:  a.templates,
		Versions:   a.versions,
		Validator:  a.validator,
		Factory:    a.factory,
		Controller: a.controller,
		Logger:     a.logger,
		Version:    version,
	}))
	a.logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(mcp.Deps{
		Repo:      a.repo,
		Templates: a.templates,
		Versions:  a.versions,
		Validator: a.validator,
		Factory:   a.factory,
	})
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	a.logger.Info("MCP protocol handlers mounted")

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	return e
}

func requestLogger(logger *logging.Logger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}
}

// serve runs the HTTP server and, when configured, the worker pool until
// ctx is canceled, then shuts both down.
func serve(ctx context.Context, a *app, handler http.Handler) error {
	cfg := a.cfg
	logger := a.logger

	tlsOn := cfg.Server.TLS.Enable
	if tlsOn {
		wrote, err := tls.EnsureCert(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("tls setup failed: %w", err)
		}
		if wrote {
			logger.Warn("Generated self-signed certificate", "cert_file", cfg.Server.TLS.CertFile, "hostnames", cfg.Server.TLS.Hostnames)
		}
	}

	// No write timeout: MCP SSE streams stay open.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.pool != nil {
		g.Go(func() error {
			return a.pool.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr, "tls", tlsOn)
		var err error
		if tlsOn {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		logger.Error("Server error", "error", err)
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
