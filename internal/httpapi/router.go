package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HealthCheck reports whether a backing store is reachable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Auth           AuthConfig
	RequestTimeout time.Duration
	Health         HealthCheck
	Logger         *slog.Logger
}

// NewRouter mounts the cart resource and /health.
func NewRouter(h *CartHandler, cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				respondError(w, http.StatusServiceUnavailable, cartapi.CodeInternal, "unhealthy")
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/carts", func(r chi.Router) {
		r.Use(BearerAuth(cfg.Auth))
		r.Get("/active/{accountId}", h.GetActive)
		r.Post("/add-cart-item", h.AddItem)
		r.Post("/update-cart-item", h.UpdateItem)
		r.Post("/remove-cart-item", h.RemoveItem)
		r.Post("/clear-cart", h.ClearCart)
		r.Patch("/{cartId}/status", h.SetStatus)
	})

	return otelhttp.NewHandler(r, "cart-service")
}
