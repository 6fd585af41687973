package config

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultEnvironment          = "local"
	defaultBasePath             = "/api/v1"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultPersistenceBackend   = "memory"
	defaultCartBackend          = "memory"
	defaultNotifierBackend      = "log"
	defaultPostgresMaxOpen      = 20
	defaultPostgresMaxIdle      = 5
	defaultRedisCartPrefix      = "cart:"
	defaultSignedURLTTL         = 5 * time.Minute
	defaultObjectPrefix         = "products"
	defaultGatewayTimeout       = 10 * time.Second
	defaultBreakerFailures      = 5
	defaultBreakerOpenTimeout   = 30 * time.Second
	defaultPayPalBaseURL        = "https://api-m.sandbox.paypal.com"
	defaultWebhookClockSkew     = 5 * time.Minute
	defaultSignatureHeader      = "X-Signature"
	defaultTimestampHeader      = "X-Signature-Timestamp"
	defaultPlatformFeeRate      = "0.10"
	defaultDownloadLimit        = 5
	defaultOrderNumberPrefix    = "ORD"
	defaultDownloadTTL          = 30 * 24 * time.Hour
	defaultDownloadRatePerMin   = 60
	defaultCheckoutCurrency     = "USD"
	defaultCheckoutSuccessURL   = "http://localhost:3000/orders/{orderId}"
	defaultCheckoutCancelURL    = "http://localhost:3000/cart"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultMigrationsTable      = "orders_schema_migrations"
)

// Config is the full runtime configuration. Every value comes from an API_* variable.
type Config struct {
	Server      ServerConfig
	Persistence PersistenceConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Carts       CartConfig
	Redis       RedisConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Webhooks    WebhookConfig
	Fees        FeeConfig
	Orders      OrderConfig
	Downloads   DownloadConfig
	Checkout    CheckoutConfig
	Notifier    NotifierConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	Environment  string
	BasePath     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PersistenceConfig selects the durable store for orders, ledger entries, grants and counters.
type PersistenceConfig struct {
	Backend string
}

// FirestoreConfig addresses the Firestore project; EmulatorHost switches to the local emulator.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig configures the SQL backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	MigrationsTable string
}

// CartConfig selects the cart store implementation.
type CartConfig struct {
	Backend string
}

// RedisConfig addresses the Redis instance holding live carts.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// StorageConfig locates purchased files and controls signed URL generation.
type StorageConfig struct {
	DownloadsBucket    string
	ObjectPrefix       string
	SignedURLTTL       time.Duration
	ServiceAccountFile string
}

// PSPConfig collects credentials and call policy for payment gateways.
type PSPConfig struct {
	DefaultProvider         string
	CurrencyRoutes          map[string]string
	StripeAPIKey            string
	StripeWebhookSecret     string
	PayPalClientID          string
	PayPalSecret            string
	PayPalWebhookID         string
	PayPalBaseURL           string
	GatewayTimeout          time.Duration
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

// WebhookConfig contains signing parameters for gateway-neutral webhook envelopes. RelayCheckoutURL
// enables the envelope gateway for checkout; buyers are redirected there.
type WebhookConfig struct {
	SigningSecret    string
	SignatureHeader  string
	TimestampHeader  string
	ClockSkew        time.Duration
	RelayCheckoutURL string
}

// FeeConfig holds the marketplace commission policy.
type FeeConfig struct {
	PlatformRate decimal.Decimal
}

// OrderConfig shapes order numbers. DailyLimit caps orders per UTC day; zero means unbounded.
type OrderConfig struct {
	NumberPrefix string
	DailyLimit   int64
}

// DownloadConfig controls grant issuance and redemption throttling.
type DownloadConfig struct {
	Limit              int
	TTL                time.Duration
	RateLimitPerMinute int
}

// CheckoutConfig holds checkout defaults handed to gateways.
type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// NotifierConfig selects where order lifecycle events are published.
type NotifierConfig struct {
	Backend         string
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    []string
	KafkaTopic      string
}

// IdempotencyConfig sets the replay header, how long keys live and how often expired keys are swept.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Load builds the configuration from defaults, the dotenv file, the process environment and explicit
// overrides, then resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	e, err := o.environment()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         e.str("API_SERVER_PORT", defaultPort),
			Environment:  e.lower("API_ENVIRONMENT", defaultEnvironment),
			BasePath:     e.str("API_SERVER_BASE_PATH", defaultBasePath),
			ReadTimeout:  e.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: e.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  e.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Persistence: PersistenceConfig{
			Backend: e.lower("API_PERSISTENCE_BACKEND", defaultPersistenceBackend),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             e.str("API_POSTGRES_DSN", ""),
			MaxOpenConns:    e.integer("API_POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
			MaxIdleConns:    e.integer("API_POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
			MigrationsTable: e.str("API_POSTGRES_MIGRATIONS_TABLE", defaultMigrationsTable),
		},
		Carts: CartConfig{
			Backend: e.lower("API_CART_BACKEND", defaultCartBackend),
		},
		Redis: RedisConfig{
			Addr:      e.str("API_REDIS_ADDR", ""),
			Password:  e.str("API_REDIS_PASSWORD", ""),
			DB:        e.integer("API_REDIS_DB", 0),
			KeyPrefix: e.str("API_REDIS_CART_PREFIX", defaultRedisCartPrefix),
		},
		Storage: StorageConfig{
			DownloadsBucket:    e.str("API_STORAGE_DOWNLOADS_BUCKET", ""),
			ObjectPrefix:       e.str("API_STORAGE_OBJECT_PREFIX", defaultObjectPrefix),
			SignedURLTTL:       e.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
			ServiceAccountFile: e.str("API_STORAGE_SERVICE_ACCOUNT_FILE", ""),
		},
		PSP: PSPConfig{
			DefaultProvider:         e.lower("API_PSP_DEFAULT_PROVIDER", ""),
			CurrencyRoutes:          e.routes("API_PSP_CURRENCY_ROUTES"),
			StripeAPIKey:            e.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:     e.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			PayPalClientID:          e.str("API_PSP_PAYPAL_CLIENT_ID", ""),
			PayPalSecret:            e.str("API_PSP_PAYPAL_SECRET", ""),
			PayPalWebhookID:         e.str("API_PSP_PAYPAL_WEBHOOK_ID", ""),
			PayPalBaseURL:           e.str("API_PSP_PAYPAL_BASE_URL", defaultPayPalBaseURL),
			GatewayTimeout:          e.duration("API_PSP_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			BreakerFailureThreshold: e.integer("API_PSP_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerOpenTimeout:      e.duration("API_PSP_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
		},
		Webhooks: WebhookConfig{
			SigningSecret:    e.str("API_WEBHOOK_SIGNING_SECRET", ""),
			SignatureHeader:  e.str("API_WEBHOOK_HEADER_SIGNATURE", defaultSignatureHeader),
			TimestampHeader:  e.str("API_WEBHOOK_HEADER_TIMESTAMP", defaultTimestampHeader),
			ClockSkew:        e.duration("API_WEBHOOK_CLOCK_SKEW", defaultWebhookClockSkew),
			RelayCheckoutURL: e.str("API_WEBHOOK_RELAY_CHECKOUT_URL", ""),
		},
		Fees: FeeConfig{
			PlatformRate: e.rate("API_FEES_PLATFORM_RATE", defaultPlatformFeeRate),
		},
		Orders: OrderConfig{
			NumberPrefix: e.upper("API_ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix),
			DailyLimit:   int64(e.integer("API_ORDERS_DAILY_LIMIT", 0)),
		},
		Downloads: DownloadConfig{
			Limit:              e.integer("API_DOWNLOADS_LIMIT", defaultDownloadLimit),
			TTL:                e.duration("API_DOWNLOADS_TTL", defaultDownloadTTL),
			RateLimitPerMinute: e.integer("API_DOWNLOADS_RATE_PER_MIN", defaultDownloadRatePerMin),
		},
		Checkout: CheckoutConfig{
			Currency:   e.upper("API_CHECKOUT_CURRENCY", defaultCheckoutCurrency),
			SuccessURL: e.str("API_CHECKOUT_SUCCESS_URL", defaultCheckoutSuccessURL),
			CancelURL:  e.str("API_CHECKOUT_CANCEL_URL", defaultCheckoutCancelURL),
		},
		Notifier: NotifierConfig{
			Backend:         e.lower("API_NOTIFIER_BACKEND", defaultNotifierBackend),
			PubSubProjectID: e.str("API_NOTIFIER_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     e.str("API_NOTIFIER_PUBSUB_TOPIC", ""),
			KafkaBrokers:    e.list("API_NOTIFIER_KAFKA_BROKERS"),
			KafkaTopic:      e.str("API_NOTIFIER_KAFKA_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              e.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  e.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: e.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	if cfg.Notifier.PubSubProjectID == "" {
		cfg.Notifier.PubSubProjectID = cfg.Firestore.ProjectID
	}

	resolved, err := resolveSecrets(ctx, &cfg, o.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if err := requireSecrets(o, resolved); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
