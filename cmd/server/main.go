package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"proposal-workflow/backend/internal/api"
	"proposal-workflow/backend/internal/auth"
	"proposal-workflow/backend/internal/config"
	"proposal-workflow/backend/internal/engine"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/mcp"
	"proposal-workflow/backend/internal/metrics"
	"proposal-workflow/backend/internal/repository"
	"proposal-workflow/backend/internal/services"
	"proposal-workflow/backend/internal/tls"
	"proposal-workflow/backend/internal/toolclient"
)

const serviceName = "proposal-workflow"

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the proposal workflow API and MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)

	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE login from the docs page will fail if the backend app requires a secret")
	}

	store, closeStore, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	defer closeStore()
	logger.Info("Storage ready", "driver", cfg.Storage.Driver)

	catalog := repository.NewCatalog(store)
	tools := toolclient.New(toolclient.WithLogger(logger.With("component", "toolclient")))
	evaluator := engine.NewEvaluator(engine.NewExecutor(catalog, tools, logger.With("component", "executor")))
	dispatcher := engine.NewDispatcher(tools, store, cfg.Engine.AsyncWorkers, logger.With("component", "dispatcher"))

	transitions := services.NewTransitionService(store, evaluator, dispatcher,
		services.WithLogger(logger.With("component", "transitions")),
		services.WithRetryOnConflict(cfg.Engine.RetryOnConflict),
	)
	operations := services.NewOperationService(catalog, tools, logger.With("component", "operations"))
	definitions := services.NewDefinitionService(store, logger.With("component", "definitions"))
	logger.Info("Service layer initialized", "async_workers", cfg.Engine.AsyncWorkers)

	authz, err := auth.New(ctx, cfg, auth.StaticRoles(cfg.RoleTable()), logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypass is enabled", "dev_roles", cfg.Auth.DevRoles)
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(api.HandleHealth)))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(metrics.NewRegistry())))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(transitions, operations, definitions))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(transitions, operations)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	if cfg.TLS.Enable {
		created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if created {
			logger.Info("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	// Committed transitions may still have background tool calls in flight.
	if err := dispatcher.Wait(drainCtx); err != nil {
		logger.Warn("Async tool calls still running at shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
	return nil
}
