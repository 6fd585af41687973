package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

// DownloadHandlers redeems download tokens.
type DownloadHandlers struct {
	downloads services.DownloadService
	limiter   rateLimiter
}

// DownloadOption customises DownloadHandlers.
type DownloadOption func(*DownloadHandlers)

// WithDownloadRateLimit caps redemptions per client IP per minute.
func WithDownloadRateLimit(perMinute int, clock func() time.Time) DownloadOption {
	return func(h *DownloadHandlers) {
		h.limiter = newKeyedRateLimiter(perMinute, clock)
	}
}

// NewDownloadHandlers constructs download handlers.
func NewDownloadHandlers(downloads services.DownloadService, opts ...DownloadOption) *DownloadHandlers {
	h := &DownloadHandlers{downloads: downloads}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers GET /downloads/{token}.
func (h *DownloadHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/downloads/{token}", h.redeem)
}

type downloadResponse struct {
	Token     string `json:"token"`
	ProductID string `json:"productId"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
	Remaining int    `json:"remaining"`
}

func (h *DownloadHandlers) redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.downloads == nil {
		writeUnavailable(ctx, w, "download")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many download requests", http.StatusTooManyRequests).WithRetryable(true))
		return
	}

	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		writeInvalidRequest(ctx, w, "token is required")
		return
	}

	redemption, err := h.downloads.Redeem(ctx, token)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if wantsRedirect(r) {
		http.Redirect(w, r, redemption.File.URL, http.StatusFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, downloadResponse{
		Token:     redemption.Grant.Token,
		ProductID: redemption.Grant.ProductID,
		URL:       redemption.File.URL,
		ExpiresAt: formatTime(redemption.File.ExpiresAt),
		Remaining: redemption.Grant.Remaining(),
	})
}

func wantsRedirect(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("redirect"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
