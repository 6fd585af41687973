package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY": "sk_test_123",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.Environment != "local" || cfg.Server.BasePath != "/api/v1" {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Persistence.Backend != "memory" {
		t.Errorf("expected memory persistence by default, got %s", cfg.Persistence.Backend)
	}
	if cfg.Carts.Backend != "memory" {
		t.Errorf("expected memory cart store by default, got %s", cfg.Carts.Backend)
	}
	if !cfg.Fees.PlatformRate.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("unexpected default fee rate %s", cfg.Fees.PlatformRate)
	}
	if cfg.Downloads.Limit != 5 {
		t.Errorf("expected default download limit 5, got %d", cfg.Downloads.Limit)
	}
	if cfg.Downloads.TTL != 30*24*time.Hour {
		t.Errorf("expected default download ttl 30d, got %s", cfg.Downloads.TTL)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Errorf("expected USD checkout currency, got %s", cfg.Checkout.Currency)
	}
	if cfg.Orders.NumberPrefix != "ORD" || cfg.Orders.DailyLimit != 0 {
		t.Errorf("unexpected order defaults %+v", cfg.Orders)
	}
	if cfg.Checkout.SuccessURL == "" || cfg.Checkout.CancelURL == "" {
		t.Errorf("expected default checkout redirect urls, got %+v", cfg.Checkout)
	}
	if cfg.PSP.GatewayTimeout != defaultGatewayTimeout {
		t.Errorf("unexpected gateway timeout %s", cfg.PSP.GatewayTimeout)
	}
	if cfg.Webhooks.SignatureHeader != defaultSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Webhooks.SignatureHeader)
	}
	if cfg.Notifier.Backend != "log" {
		t.Errorf("expected log notifier by default, got %s", cfg.Notifier.Backend)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_PERSISTENCE_BACKEND":          "postgres",
		"API_POSTGRES_DSN":                 "secret://postgres/dsn",
		"API_CART_BACKEND":                 "redis",
		"API_REDIS_ADDR":                   "localhost:6379",
		"API_REDIS_PASSWORD":               "secret://redis/password",
		"API_STORAGE_DOWNLOADS_BUCKET":     "downloads-prod",
		"API_PSP_DEFAULT_PROVIDER":         "PayPal",
		"API_PSP_CURRENCY_ROUTES":          "jpy=stripe,eur=paypal",
		"API_PSP_STRIPE_API_KEY":           "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":    "secret://stripe/webhook",
		"API_PSP_PAYPAL_CLIENT_ID":         "paypal-client",
		"API_PSP_PAYPAL_SECRET":            "secret://paypal/secret",
		"API_PSP_GATEWAY_TIMEOUT":          "4s",
		"API_WEBHOOK_SIGNING_SECRET":       "secret://webhook/secret",
		"API_WEBHOOK_CLOCK_SKEW":           "3m",
		"API_FEES_PLATFORM_RATE":           "0.125",
		"API_DOWNLOADS_LIMIT":              "3",
		"API_DOWNLOADS_TTL":                "168h",
		"API_CHECKOUT_CURRENCY":            "jpy",
		"API_NOTIFIER_BACKEND":             "kafka",
		"API_NOTIFIER_KAFKA_BROKERS":       "kafka-1:9092, kafka-2:9092",
		"API_NOTIFIER_KAFKA_TOPIC":         "orders.lifecycle",
		"API_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":              "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":    "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://paypal/secret":  "paypal-secret",
		"secret://webhook/secret": "webhook-secret",
		"secret://postgres/dsn":   "postgres://orders@db/orders",
		"secret://redis/password": "redis-pass",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Postgres.DSN != "postgres://orders@db/orders" {
		t.Errorf("expected resolved postgres dsn, got %s", cfg.Postgres.DSN)
	}
	if cfg.Redis.Password != "redis-pass" {
		t.Errorf("expected resolved redis password, got %s", cfg.Redis.Password)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.PayPalSecret != "paypal-secret" {
		t.Errorf("expected resolved paypal secret, got %s", cfg.PSP.PayPalSecret)
	}
	if cfg.PSP.DefaultProvider != "paypal" {
		t.Errorf("expected lower-cased default provider, got %s", cfg.PSP.DefaultProvider)
	}
	if cfg.PSP.CurrencyRoutes["jpy"] != "stripe" || cfg.PSP.CurrencyRoutes["eur"] != "paypal" {
		t.Errorf("unexpected currency routes %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.PSP.GatewayTimeout != 4*time.Second {
		t.Errorf("unexpected gateway timeout %s", cfg.PSP.GatewayTimeout)
	}
	if cfg.Webhooks.SigningSecret != "webhook-secret" {
		t.Errorf("expected resolved webhook secret, got %s", cfg.Webhooks.SigningSecret)
	}
	if cfg.Webhooks.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Webhooks.ClockSkew)
	}
	if !cfg.Fees.PlatformRate.Equal(decimal.RequireFromString("0.125")) {
		t.Errorf("unexpected fee rate %s", cfg.Fees.PlatformRate)
	}
	if cfg.Downloads.Limit != 3 || cfg.Downloads.TTL != 7*24*time.Hour {
		t.Errorf("unexpected download policy %+v", cfg.Downloads)
	}
	if cfg.Checkout.Currency != "JPY" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Checkout.Currency)
	}
	if len(cfg.Notifier.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 kafka brokers, got %v", cfg.Notifier.KafkaBrokers)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY":  "sk_test_123",
		"API_FEES_PLATFORM_RATE":  "ten percent",
		"API_DOWNLOADS_LIMIT":     "0",
		"API_CHECKOUT_CURRENCY":   "XYZW",
		"API_PERSISTENCE_BACKEND": "firestore",
		"API_NOTIFIER_BACKEND":    "pubsub",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	want := map[string]bool{
		"Fees.PlatformRate":        false,
		"Downloads.Limit":          false,
		"Checkout.Currency":        false,
		"Firestore.ProjectID":      false,
		"Notifier.PubSubProjectID": false,
		"Notifier.PubSubTopic":     false,
	}
	for _, field := range validation.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, validation.Fields())
		}
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_PSP_STRIPE_API_KEY=sk_dot\nAPI_DOWNLOADS_LIMIT=7\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Downloads.Limit != 7 {
		t.Errorf("expected download limit from dotenv, got %d", cfg.Downloads.Limit)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadAcceptsRelayOnlyGateway(t *testing.T) {
	env := map[string]string{
		"API_WEBHOOK_SIGNING_SECRET":     "relay-secret",
		"API_WEBHOOK_RELAY_CHECKOUT_URL": "https://pay.example/checkout",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Webhooks.RelayCheckoutURL != "https://pay.example/checkout" {
		t.Fatalf("unexpected relay url %q", cfg.Webhooks.RelayCheckoutURL)
	}

	delete(env, "API_WEBHOOK_RELAY_CHECKOUT_URL")
	_, err = Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError without a checkout url, got %v", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIRESTORE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY": "sk_test_123",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Webhooks.SigningSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY": "sk_test_123",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Webhooks.SigningSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Webhooks.SigningSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_PSP_STRIPE_API_KEY":     "sk_test_123",
		"API_WEBHOOK_SIGNING_SECRET": "sm://webhook/secret",
	}

	secrets := map[string]string{
		"secret://webhook/secret": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Webhooks.SigningSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Webhooks.SigningSecret)
	}
}
