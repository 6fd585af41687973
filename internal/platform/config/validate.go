package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ValidationError lists every config field that is missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

type problems []string

func (p *problems) check(ok bool, field string) {
	if !ok {
		*p = append(*p, field)
	}
}

func validateConfig(cfg Config) error {
	var p problems

	p.check(cfg.Server.Port != "", "Server.Port")

	switch cfg.Persistence.Backend {
	case "memory":
	case "firestore":
		p.check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case "postgres":
		p.check(cfg.Postgres.DSN != "", "Postgres.DSN")
	default:
		p.check(false, "Persistence.Backend")
	}

	switch cfg.Carts.Backend {
	case "memory":
	case "redis":
		p.check(cfg.Redis.Addr != "", "Redis.Addr")
	default:
		p.check(false, "Carts.Backend")
	}

	p.check(hasCheckoutGateway(cfg), "PSP.Providers")
	p.check(cfg.PSP.GatewayTimeout > 0, "PSP.GatewayTimeout")
	p.check(!cfg.Fees.PlatformRate.IsNegative() && cfg.Fees.PlatformRate.LessThan(decimal.NewFromInt(1)), "Fees.PlatformRate")
	p.check(cfg.Orders.DailyLimit >= 0, "Orders.DailyLimit")
	p.check(cfg.Downloads.Limit > 0, "Downloads.Limit")
	p.check(cfg.Downloads.TTL > 0, "Downloads.TTL")
	_, err := currency.ParseISO(cfg.Checkout.Currency)
	p.check(err == nil, "Checkout.Currency")

	switch cfg.Notifier.Backend {
	case "log":
	case "pubsub":
		p.check(cfg.Notifier.PubSubProjectID != "", "Notifier.PubSubProjectID")
		p.check(cfg.Notifier.PubSubTopic != "", "Notifier.PubSubTopic")
	case "kafka":
		p.check(len(cfg.Notifier.KafkaBrokers) > 0, "Notifier.KafkaBrokers")
		p.check(cfg.Notifier.KafkaTopic != "", "Notifier.KafkaTopic")
	default:
		p.check(false, "Notifier.Backend")
	}

	p.check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	p.check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	p.check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	p.check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(p) > 0 {
		return &ValidationError{fields: p}
	}
	return nil
}

// hasCheckoutGateway reports whether at least one gateway can open checkout sessions. The relay gateway
// needs both its signing secret and a checkout URL.
func hasCheckoutGateway(cfg Config) bool {
	stripe := cfg.PSP.StripeAPIKey != ""
	paypal := cfg.PSP.PayPalClientID != "" && cfg.PSP.PayPalSecret != ""
	relay := cfg.Webhooks.SigningSecret != "" && cfg.Webhooks.RelayCheckoutURL != ""
	return stripe || paypal || relay
}
