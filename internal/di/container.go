package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/handlers"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/config"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/jobs"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/storage"
	"github.com/hanko-field/orders/internal/repositories"
	firestorerepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/repositories/memory"
	"github.com/hanko-field/orders/internal/repositories/postgres"
	redisrepo "github.com/hanko-field/orders/internal/repositories/redis"
	"github.com/hanko-field/orders/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Counters  services.CounterService
	Orders    services.OrderService
	Checkout  services.CheckoutService
	Webhooks  services.WebhookService
	Downloads services.DownloadService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Repositories repositories.Registry
	Services     Services
	Idempotency  idempotency.Store
	Build        services.BuildInfo

	closers []func(context.Context) error
}

type containerOptions struct {
	registry     repositories.Registry
	idempotency  idempotency.Store
	notifier     services.Notifier
	files        services.FileLocator
	providers    []payments.Provider
	healthChecks []repositories.DependencyCheck
	clock        func() time.Time
	build        services.BuildInfo
}

// Option overrides a dependency NewContainer would otherwise build from configuration.
type Option func(*containerOptions)

// WithRegistry supplies a prebuilt repository registry. The persistence backend setting is ignored.
func WithRegistry(reg repositories.Registry, store idempotency.Store) Option {
	return func(o *containerOptions) {
		o.registry = reg
		o.idempotency = store
	}
}

func WithNotifier(n services.Notifier) Option {
	return func(o *containerOptions) { o.notifier = n }
}

func WithFileLocator(l services.FileLocator) Option {
	return func(o *containerOptions) { o.files = l }
}

// WithPaymentProviders replaces the providers derived from the PSP configuration.
func WithPaymentProviders(providers ...payments.Provider) Option {
	return func(o *containerOptions) { o.providers = append(o.providers, providers...) }
}

// WithHealthChecks adds readiness probes, for example the secret resolver.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) { o.healthChecks = append(o.healthChecks, checks...) }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = info }
}

// NewContainer constructs the runtime dependencies selected by cfg. Anything opened before a failure is
// closed again.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.build.StartedAt.IsZero() {
		options.build.StartedAt = options.clock().UTC()
	}
	if options.build.Environment == "" {
		options.build.Environment = cfg.Server.Environment
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Build:   options.build,
	}
	if err := c.build(ctx, options); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, options containerOptions) error {
	cfg := c.Config
	checks := append([]repositories.DependencyCheck(nil), options.healthChecks...)

	var carts repositories.CartRepository
	if options.registry == nil && cfg.Carts.Backend == "redis" {
		client := redisrepo.NewClient(cfg.Redis)
		c.onClose(func(context.Context) error { return client.Close() })
		repo, err := redisrepo.NewCartRepository(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("build redis cart store: %w", err)
		}
		carts = repo
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Timeout: time.Second, Check: repo.Ping})
	}

	notifier := options.notifier
	if notifier == nil {
		built, check, err := c.buildNotifier(ctx)
		if err != nil {
			return err
		}
		notifier = built
		if check != nil {
			checks = append(checks, *check)
		}
	}

	reg, store := options.registry, options.idempotency
	if reg == nil {
		var err error
		reg, store, err = c.buildRegistry(ctx, carts, checks)
		if err != nil {
			return err
		}
	}
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	c.Repositories = reg
	c.Idempotency = store
	c.onClose(reg.Close)

	files := options.files
	if files == nil {
		built, err := c.buildFileLocator(ctx)
		if err != nil {
			return err
		}
		files = built
	}

	gateway, err := c.buildGateway(options.providers, options.clock)
	if err != nil {
		return err
	}

	svc, err := c.buildServices(reg, notifier, files, gateway, options.clock)
	if err != nil {
		return err
	}
	c.Services = svc
	return nil
}

func (c *Container) buildRegistry(ctx context.Context, carts repositories.CartRepository, checks []repositories.DependencyCheck) (repositories.Registry, idempotency.Store, error) {
	cfg := c.Config
	switch cfg.Persistence.Backend {
	case "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestorerepo.NewRegistry(provider, checks...)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		store, err := idempotency.NewFirestoreStore(provider, "")
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build firestore idempotency store: %w", err)
		}
		return withCarts(reg, carts), store, nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.Migrate(db, cfg.Postgres.MigrationsTable); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		if carts == nil {
			carts = memory.NewCartRepository()
		}
		reg, err := postgres.NewRegistry(db, carts, checks...)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("build postgres registry: %w", err)
		}
		store, err := idempotency.NewSQLStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("build sql idempotency store: %w", err)
		}
		return reg, store, nil
	default:
		return withCarts(memory.NewRegistry(checks...), carts), idempotency.NewMemoryStore(), nil
	}
}

func (c *Container) buildNotifier(ctx context.Context) (services.Notifier, *repositories.DependencyCheck, error) {
	cfg := c.Config.Notifier
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.onClose(func(context.Context) error { return client.Close() })
		topic := client.Topic(cfg.PubSubTopic)
		notifier, err := jobs.NewPubSubNotifier(topic)
		if err != nil {
			return nil, nil, err
		}
		c.onClose(func(context.Context) error { return notifier.Close() })
		return notifier, &repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 2 * time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.PubSubTopic)
				}
				return nil
			},
		}, nil
	case "kafka":
		writer, err := jobs.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("build kafka writer: %w", err)
		}
		notifier, err := jobs.NewKafkaNotifier(writer)
		if err != nil {
			return nil, nil, err
		}
		c.onClose(func(context.Context) error { return notifier.Close() })
		return notifier, nil, nil
	default:
		return jobs.NewLogNotifier(c.Logger.Named("events")), nil, nil
	}
}

func (c *Container) buildFileLocator(ctx context.Context) (services.FileLocator, error) {
	cfg := c.Config.Storage
	if strings.TrimSpace(cfg.DownloadsBucket) == "" {
		c.Logger.Warn("downloads bucket not configured; redemptions will fail until it is set")
		return unconfiguredLocator{}, nil
	}
	if strings.TrimSpace(cfg.ServiceAccountFile) == "" {
		return nil, errors.New("storage: service account file is required to sign download urls")
	}
	keySigner, err := storage.LoadKeyFileSigner(cfg.ServiceAccountFile)
	if err != nil {
		return nil, err
	}
	urlSigner, err := storage.NewURLSigner(keySigner)
	if err != nil {
		return nil, fmt.Errorf("build url signer: %w", err)
	}
	client, err := gcs.NewClient(ctx, option.WithCredentialsFile(cfg.ServiceAccountFile))
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })
	objects, err := storage.NewBucketObjects(client)
	if err != nil {
		return nil, err
	}
	return storage.NewFileLocator(objects, urlSigner, storage.FileLocatorConfig{
		Bucket:       cfg.DownloadsBucket,
		ObjectPrefix: cfg.ObjectPrefix,
		TTL:          cfg.SignedURLTTL,
	})
}

func (c *Container) buildGateway(providers []payments.Provider, clock func() time.Time) (*payments.Manager, error) {
	cfg := c.Config
	events := observability.EventLogger(c.Logger.Named("payments"))
	if len(providers) == 0 {
		if cfg.PSP.StripeAPIKey != "" {
			stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
				APIKey:        cfg.PSP.StripeAPIKey,
				WebhookSecret: cfg.PSP.StripeWebhookSecret,
				Logger:        events,
				Clock:         clock,
			})
			if err != nil {
				return nil, fmt.Errorf("build stripe provider: %w", err)
			}
			providers = append(providers, stripe)
		}
		if cfg.PSP.PayPalClientID != "" && cfg.PSP.PayPalSecret != "" {
			paypal, err := payments.NewPayPalProvider(payments.PayPalProviderConfig{
				ClientID:     cfg.PSP.PayPalClientID,
				ClientSecret: cfg.PSP.PayPalSecret,
				WebhookID:    cfg.PSP.PayPalWebhookID,
				BaseURL:      cfg.PSP.PayPalBaseURL,
				Clock:        clock,
				Logger:       events,
			})
			if err != nil {
				return nil, fmt.Errorf("build paypal provider: %w", err)
			}
			providers = append(providers, paypal)
		}
		if cfg.Webhooks.SigningSecret != "" {
			verifier, err := auth.NewPayloadVerifier(cfg.Webhooks.SigningSecret,
				auth.WithHMACHeaders(cfg.Webhooks.SignatureHeader, cfg.Webhooks.TimestampHeader),
				auth.WithHMACClockSkew(cfg.Webhooks.ClockSkew),
				auth.WithHMACClock(clock),
			)
			if err != nil {
				return nil, fmt.Errorf("build webhook verifier: %w", err)
			}
			relay, err := payments.NewEnvelopeProvider(payments.EnvelopeProviderConfig{
				Verifier:    verifier,
				CheckoutURL: cfg.Webhooks.RelayCheckoutURL,
				Clock:       clock,
			})
			if err != nil {
				return nil, fmt.Errorf("build relay provider: %w", err)
			}
			providers = append(providers, relay)
		}
	}

	breakerLogger := c.Logger.Named("payments")
	guarded := make([]payments.Provider, 0, len(providers))
	for _, p := range providers {
		guarded = append(guarded, payments.Guard(p, payments.GuardConfig{
			Timeout:          cfg.PSP.GatewayTimeout,
			FailureThreshold: uint32(max(cfg.PSP.BreakerFailureThreshold, 0)),
			OpenTimeout:      cfg.PSP.BreakerOpenTimeout,
			OnCall:           c.Metrics.RecordGatewayCall,
			OnStateChange: func(provider, from, to string) {
				breakerLogger.Warn("gateway breaker state changed",
					zap.String("provider", provider), zap.String("from", from), zap.String("to", to))
			},
		}))
	}

	var managerOpts []payments.ManagerOption
	if cfg.PSP.DefaultProvider != "" {
		managerOpts = append(managerOpts, payments.WithDefaultProvider(cfg.PSP.DefaultProvider))
	}
	if len(cfg.PSP.CurrencyRoutes) > 0 {
		managerOpts = append(managerOpts, payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes))
	}
	manager, err := payments.NewManager(guarded, managerOpts...)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

func (c *Container) buildServices(reg repositories.Registry, notifier services.Notifier, files services.FileLocator, gateway *payments.Manager, clock func() time.Time) (Services, error) {
	cfg := c.Config
	events := observability.EventLogger(c.Logger.Named("services"))
	var svc Services

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
		Prefix:     cfg.Orders.NumberPrefix,
		DailyLimit: cfg.Orders.DailyLimit,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	fees, err := services.NewFeeCalculator(cfg.Fees.PlatformRate)
	if err != nil {
		return Services{}, fmt.Errorf("build fee calculator: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:          reg.Orders(),
		Counters:        counters,
		Fees:            fees,
		Notifier:        notifier,
		Metrics:         c.Metrics,
		DefaultCurrency: cfg.Checkout.Currency,
		Clock:           clock,
		Logger:          events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Downloads, err = services.NewDownloadService(services.DownloadServiceDeps{
		Orders:        svc.Orders,
		Grants:        reg.DownloadGrants(),
		Files:         files,
		Metrics:       c.Metrics,
		DownloadLimit: cfg.Downloads.Limit,
		TTL:           cfg.Downloads.TTL,
		Clock:         clock,
		Logger:        events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build download service: %w", err)
	}

	svc.Webhooks, err = services.NewWebhookService(services.WebhookServiceDeps{
		Gateway:   gateway,
		Events:    reg.PaymentEvents(),
		Orders:    svc.Orders,
		Downloads: svc.Downloads,
		Metrics:   c.Metrics,
		Clock:     clock,
		Logger:    events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}

	snapshots, err := services.NewCartSnapshotService(services.CartSnapshotServiceDeps{
		Carts: reg.Carts(),
		Clock: clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart snapshot service: %w", err)
	}
	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Snapshots:  snapshots,
		Orders:     svc.Orders,
		Payments:   gateway,
		SuccessURL: cfg.Checkout.SuccessURL,
		CancelURL:  cfg.Checkout.CancelURL,
		Logger:     events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Gateways:         gateway,
		Clock:            clock,
		Build:            c.Build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	return svc, nil
}

// Handler assembles the HTTP surface with the observability middleware chain and OpenTelemetry spans.
func (c *Container) Handler() http.Handler {
	cfg := c.Config
	httpLogger := c.Logger.Named("http")

	idempotencyMiddleware := idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(c.Logger.Named("idempotency"))),
	)

	router := handlers.NewRouter(
		handlers.WithBasePath(cfg.Server.BasePath),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			observability.MetricsMiddleware(c.Metrics),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(c.Services.System),
			handlers.WithHealthBuildInfo(c.Build),
		)),
		handlers.WithMetricsHandler(c.Metrics.Handler()),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(c.Services.Checkout, idempotencyMiddleware).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(c.Services.Webhooks).Routes),
		handlers.WithDownloadRoutes(handlers.NewDownloadHandlers(c.Services.Downloads,
			handlers.WithDownloadRateLimit(cfg.Downloads.RateLimitPerMinute, nil)).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(c.Services.Orders, c.Services.Downloads).Routes),
	)
	return otelhttp.NewHandler(router, "orders-api")
}

// RunIdempotencyCleanup purges expired idempotency records every interval until ctx is cancelled.
func (c *Container) RunIdempotencyCleanup(ctx context.Context) {
	cfg := c.Config.Idempotency
	if cfg.CleanupInterval <= 0 || c.Idempotency == nil {
		return
	}
	logger := c.Logger.Named("idempotency")
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.Idempotency.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// cartOverride serves carts from a separate store while the rest of the registry stays on the main backend.
type cartOverride struct {
	repositories.Registry
	carts repositories.CartRepository
}

func (r cartOverride) Carts() repositories.CartRepository { return r.carts }

func withCarts(reg repositories.Registry, carts repositories.CartRepository) repositories.Registry {
	if carts == nil {
		return reg
	}
	return cartOverride{Registry: reg, carts: carts}
}

type unconfiguredLocator struct{}

func (unconfiguredLocator) Locate(context.Context, string) (services.FileReference, error) {
	return services.FileReference{}, fmt.Errorf("%w: downloads bucket not configured", storage.ErrFileNotFound)
}
