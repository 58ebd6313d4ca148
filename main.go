package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/migrations"
	"github.com/knowted/knowted-gateway/pkg/audit"
	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/config"
	"github.com/knowted/knowted-gateway/pkg/database"
	"github.com/knowted/knowted-gateway/pkg/handlers"
	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/langsmith"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/middleware"
	"github.com/knowted/knowted-gateway/pkg/repositories"
	"github.com/knowted/knowted-gateway/pkg/retry"
	"github.com/knowted/knowted-gateway/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	shutdownTimeout         = 30 * time.Second
	assistantCheckTimeout   = 15 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Gateway stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("langgraph_url", cfg.LangGraph.URL),
		zap.String("default_assistant_id", cfg.LangGraph.DefaultAssistantID),
		zap.Bool("langsmith_configured", cfg.LangSmith.IsConfigured()),
		zap.Bool("webhook_configured", cfg.Webhook.URL != ""),
		zap.Bool("redis_configured", cfg.Redis.Host != ""),
		zap.Strings("cors_allowed_origins", cfg.CORSAllowedOrigins))

	// Authentication
	validator, err := auth.NewValidator(&auth.ValidatorConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		HMACSecret:         cfg.Auth.JWTSecret,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}
	defer validator.Close()
	authService := auth.NewAuthService(validator, logger.Named("auth"))
	authMiddleware := auth.NewMiddleware(authService, logger.Named("auth"))

	// Database
	db, err := database.Connect(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	}, retry.DefaultConfig(), logger.Named("database"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	stdDB := db.StdDB()
	if err := database.RunMigrations(stdDB, migrations.FS, logger.Named("migrations")); err != nil {
		_ = stdDB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	_ = stdDB.Close()

	scoper := database.NewTenantScopeProvider(db)

	healthChecks := map[string]handlers.HealthCheck{
		"database": db.Ping,
	}

	// Response accumulator: Redis when configured, otherwise in-process.
	var accumulator services.ResponseAccumulator
	rdb, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		accumulator = services.NewRedisAccumulator(rdb, cfg.Webhook.AccumulatorTTL)
		healthChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info("Using Redis response accumulator", zap.String("host", cfg.Redis.Host))
	} else {
		accumulator = services.NewMemoryAccumulator(cfg.Webhook.AccumulatorTTL)
	}
	defer func() { _ = accumulator.Close() }()

	// Remote clients
	langGraphClient := langgraph.NewClient(cfg.LangGraph.URL, cfg.LangGraph.Timeout, logger.Named("langgraph"))
	langSmithClient := langsmith.NewClient(cfg.LangSmith.APIURL, cfg.LangSmith.APIKey, cfg.LangSmith.Timeout, logger.Named("langsmith"))

	// Repositories and services
	directoryRepo := repositories.NewDirectoryRepository()
	conversationRepo := repositories.NewConversationRepository()

	directoryService := services.NewDirectoryService(directoryRepo, scoper, logger)
	guarantor := services.NewThreadGuarantor(langGraphClient, logger)
	proxyService := services.NewLangGraphProxyService(langGraphClient, guarantor, cfg.LangGraph.DefaultAssistantID, logger)
	enricher := services.NewContextEnricher(
		directoryService,
		audit.NewSecurityAuditor(logger),
		cfg.InternalServiceSecret,
		cfg.LangGraph.DefaultAssistantID,
		logger,
	)
	correlator := services.NewFeedbackCorrelator(langGraphClient, cfg.LangGraph.DefaultAssistantID, logger)
	feedbackService := services.NewFeedbackService(correlator, langSmithClient, logger)
	webhookService := services.NewWebhookChatService(
		cfg.Webhook.URL,
		cfg.Webhook.Timeout,
		conversationRepo,
		directoryService,
		accumulator,
		logger,
	)

	if cfg.InternalServiceSecret == "" {
		logger.Warn("INTERNAL_SERVICE_SECRET is not set; SDK run streams will be rejected")
	}
	go checkDefaultAssistant(ctx, proxyService, cfg.LangGraph.DefaultAssistantID, logger)

	// HTTP
	mux := http.NewServeMux()
	tenantMiddleware := database.WithTenantContext(scoper, logger.Named("tenant"))

	handlers.NewHealthHandler(cfg, healthChecks, logger).RegisterRoutes(mux)
	handlers.NewLangGraphProxyHandler(proxyService, enricher, logger.Named("langgraph_handler")).
		RegisterRoutes(mux, authMiddleware)
	handlers.NewAIFeedbackHandler(feedbackService, logger.Named("feedback_handler")).
		RegisterRoutes(mux, authMiddleware)
	handlers.NewWebhookChatHandler(webhookService, logger.Named("webhook_handler")).
		RegisterRoutes(mux, authMiddleware, tenantMiddleware)

	server := &http.Server{
		Addr: net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.RequestLogger(logger),
			middleware.CORS(cfg.CORSAllowedOrigins),
		),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		// No write timeout: run streams stay open for as long as the agent runs.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting knowted-gateway",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// checkDefaultAssistant resolves the default assistant once at startup so a
// misconfigured runtime shows up in the logs before the first run.
func checkDefaultAssistant(ctx context.Context, proxy services.LangGraphProxyService, assistantID string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, assistantCheckTimeout)
	defer cancel()

	id, err := proxy.EnsureAssistantExists(ctx, assistantID)
	if err != nil {
		logger.Warn("Default assistant is not available",
			zap.String("assistant_id", assistantID),
			zap.String("error", logging.SanitizeError(err)))
		return
	}
	logger.Info("Default assistant available",
		zap.String("assistant_id", assistantID),
		zap.String("resolved_id", id))
}
