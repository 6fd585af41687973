package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Option adjusts where Load and EnvironmentValues read values from.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile reads dotenv values from path. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names config fields, such as "PSP.StripeAPIKey", that must resolve to a non-empty
// value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// env is a stack of key/value sources ordered from highest precedence to lowest.
type env struct {
	layers []map[string]string
}

func (o loaderOptions) environment() (env, error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return env{}, err
	}
	var e env
	if o.envMap != nil {
		e.layers = append(e.layers, o.envMap)
	}
	if o.useSystemEnv {
		e.layers = append(e.layers, systemEnv())
	}
	if dotEnv != nil {
		e.layers = append(e.layers, dotEnv)
	}
	return e, nil
}

// EnvironmentValues returns the merged environment with the same precedence Load applies (explicit map,
// then process environment, then dotenv). cmd/api uses it to build the secret resolver before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	e, err := newLoaderOptions(opts).environment()
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	for i := len(e.layers) - 1; i >= 0; i-- {
		for key, value := range e.layers[i] {
			merged[key] = value
		}
	}
	return merged, nil
}

func (e env) lookup(key string) (string, bool) {
	for _, layer := range e.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

// str returns fallback when the key is unset or empty.
func (e env) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e env) lower(key, fallback string) string { return strings.ToLower(e.str(key, fallback)) }
func (e env) upper(key, fallback string) string { return strings.ToUpper(e.str(key, fallback)) }

// duration and integer ignore unparseable values and keep the fallback.
func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e.str(key, "")); err == nil {
		return n
	}
	return fallback
}

// rate parses a decimal. An unparseable value becomes -1 so validation rejects it.
func (e env) rate(key, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(e.str(key, ""))
	if raw == "" {
		return decimal.RequireFromString(fallback)
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NewFromInt(-1)
	}
	return parsed
}

// list splits a comma separated value, dropping blanks.
func (e env) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// routes parses "usd=stripe,eur=paypal" into a map keyed by the lowercased left-hand side.
func (e env) routes(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func systemEnv() map[string]string {
	values := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			values[key] = value
		}
	}
	return values
}

// loadDotEnv parses KEY=VALUE lines, tolerating comments, "export " prefixes and quoted values. A missing
// file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
