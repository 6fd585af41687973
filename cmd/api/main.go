package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/di"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/secrets"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/services"
)

const secretHealthReference = "secret://system/healthz?version=latest"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, remoteSecrets, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	containerOpts := []di.Option{di.WithBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt))}
	if remoteSecrets {
		containerOpts = append(containerOpts, di.WithHealthChecks(secretHealthCheck(resolver)))
	}
	container, err := di.NewContainer(ctx, cfg, logger, containerOpts...)
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		container.RunIdempotencyCleanup(cleanupCtx)
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("persistence", cfg.Persistence.Backend),
		zap.String("notifier", cfg.Notifier.Backend),
	)
	go func() {
		serverLogger.Info("orders api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Server.Environment,
		StartedAt:   started,
	}
}

// newSecretResolver reports whether Secret Manager is in use; without a project only the fallback file is read.
func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, bool, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if raw := lookup("API_SECRET_CACHE_TTL"); raw != "" {
		if ttl, err := time.ParseDuration(raw); err == nil {
			opts = append(opts, secrets.WithCacheTTL(ttl))
		}
	}
	if credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	resolver, err := secrets.NewResolver(ctx, opts...)
	if err != nil {
		return nil, false, err
	}
	return resolver, project != "", nil
}

// requiredSecretNames lists the secret-backed fields the environment actually sets.
func requiredSecretNames(env map[string]string) []string {
	fields := map[string]string{
		"API_PSP_STRIPE_API_KEY":        "PSP.StripeAPIKey",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "PSP.StripeWebhookSecret",
		"API_PSP_PAYPAL_SECRET":         "PSP.PayPalSecret",
		"API_WEBHOOK_SIGNING_SECRET":    "Webhooks.SigningSecret",
		"API_POSTGRES_DSN":              "Postgres.DSN",
	}
	required := make([]string, 0, len(fields))
	for key, name := range fields {
		if strings.TrimSpace(env[key]) != "" {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// secretHealthCheck treats a missing probe secret as healthy; only reachability matters.
func secretHealthCheck(resolver *secrets.Resolver) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := resolver.ResolveSecret(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		},
	}
}
