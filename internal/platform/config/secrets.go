package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	secretScheme       = "secret://"
	legacySecretScheme = "sm://"
)

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretError wraps a failed lookup. Ref is always in the secret:// form.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved to nothing. Error only prints
// redacted names so it is safe to log.
type MissingSecretsError struct {
	names    []string
	redacted []string
}

func newMissingSecretsError(names []string) *MissingSecretsError {
	sort.Strings(names)
	redacted := make([]string, len(names))
	for i, name := range names {
		redacted[i] = redactSecretName(name)
	}
	sort.Strings(redacted)
	return &MissingSecretsError{names: names, redacted: redacted}
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.redacted) == 0 {
		return "missing required secrets"
	}
	return "missing required secrets [" + strings.Join(e.redacted, ", ") + "]"
}

// RedactedNames returns the first 8 bytes of each field name's SHA-256, hex encoded and sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.redacted...)
}

func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

type secretField struct {
	name  string
	value *string
}

// secretFields lists the config values that may hold secret references.
func secretFields(cfg *Config) []secretField {
	return []secretField{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"PSP.PayPalSecret", &cfg.PSP.PayPalSecret},
		{"Webhooks.SigningSecret", &cfg.Webhooks.SigningSecret},
		{"Postgres.DSN", &cfg.Postgres.DSN},
		{"Redis.Password", &cfg.Redis.Password},
	}
}

// resolveSecrets replaces every secret reference in cfg and returns the resolved values by field name.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)
	for _, field := range secretFields(cfg) {
		value, err := resolveSecret(ctx, *field.value, resolver)
		if err != nil {
			return nil, err
		}
		*field.value = value
		resolved[field.name] = strings.TrimSpace(value)
	}
	return resolved, nil
}

func requireSecrets(o loaderOptions, resolved map[string]string) error {
	missing := findMissingSecrets(o.requiredSecrets, resolved)
	if missing == nil {
		return nil
	}
	if o.panicOnMissingSecrets {
		fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
		panic(missing)
	}
	return missing
}

// resolveSecret passes plain values through and looks up secret references.
func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretRef(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretRef reports whether value is a secret reference and returns it in secret:// form.
func secretRef(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(trimmed, secretScheme):
		return trimmed, true
	case strings.HasPrefix(trimmed, legacySecretScheme):
		return secretScheme + strings.TrimPrefix(trimmed, legacySecretScheme), true
	default:
		return "", false
	}
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return newMissingSecretsError(missing)
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
