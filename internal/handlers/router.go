package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

// RouteRegistrar adds one area's endpoints to r.
type RouteRegistrar func(r chi.Router)

type routeArea int

// areas are mounted in declaration order
const (
	areaCheckout routeArea = iota
	areaWebhooks
	areaDownloads
	areaOrders
	areaCount
)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	metrics     http.Handler
	areas       [areaCount]RouteRegistrar
}

type Option func(*routerConfig)

// NewRouter builds the chi router. Probes and /metrics are served at the root and every order area is
// mounted under the base path.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode,
			fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed",
			fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics)
	}

	mountAreas := func(api chi.Router) {
		for _, register := range cfg.areas {
			if register != nil {
				api.Group(func(group chi.Router) { register(group) })
			}
		}
	}
	if cfg.basePath == "" || cfg.basePath == "/" {
		mountAreas(r)
	} else {
		r.Route(cfg.basePath, mountAreas)
	}
	return r
}

// WithBasePath moves the order areas. An empty path mounts them at the root.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) { cfg.basePath = path }
}

// WithMiddlewares appends router-wide middleware after the request id, real ip and timeout defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithMetricsHandler(handler http.Handler) Option {
	return func(cfg *routerConfig) { cfg.metrics = handler }
}

func WithCheckoutRoutes(reg RouteRegistrar) Option { return withArea(areaCheckout, reg) }

func WithWebhookRoutes(reg RouteRegistrar) Option { return withArea(areaWebhooks, reg) }

func WithDownloadRoutes(reg RouteRegistrar) Option { return withArea(areaDownloads, reg) }

func WithOrderRoutes(reg RouteRegistrar) Option { return withArea(areaOrders, reg) }

func withArea(area routeArea, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.areas[area] = reg }
}
