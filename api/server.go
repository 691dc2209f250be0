/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. RealIP:      Client address from proxy headers, only with TrustProxy
  3. Logger:      Request logging (logrus)
  4. Recoverer:   Panic recovery (500 instead of crash)
  5. Metrics:     Prometheus request counters, by route pattern
  6. CORS:        Cross-origin requests for the back-office frontend
  7. Rate limit:  Per client IP, /api only
  8. Auth:        Actor from JWT or X-Actor, /api only

ROUTE GROUPS:
  /api/warehouses/*     Warehouse accounts and their ledgers
  /api/movements        Manual movements
  /api/entries/*        Reversals
  /api/deals/*          Deals
  /api/transfers/*      Transfers
  /api/prices/*         Price records, overlap check, volume selection
  /api/scenarios/*      Demo scenarios (dev only: DevRoutes; load and reset wipe the database)
  /healthz              Database ping
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging, auth, rate limit
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/fuel-ledger/metrics"
)

// RouterConfig carries the cross-cutting settings of the router.
type RouterConfig struct {
	Logger         *logrus.Logger
	Metrics        *metrics.Collector // nil disables /metrics
	AllowedOrigins []string
	Auth           AuthConfig
	RateLimitRPS   float64 // 0 disables
	RateLimitBurst int

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool
	// DevRoutes mounts /api/scenarios. Loading or resetting a scenario
	// deletes all ledger history.
	DevRoutes bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = h.logger
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Instrument)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware)
		}
		r.Use(authenticate(cfg.Auth))

		// Warehouse routes
		r.Route("/warehouses", func(r chi.Router) {
			r.Get("/", h.ListWarehouses)
			r.Post("/", h.CreateWarehouse)
			r.Get("/{id}", h.GetWarehouse)
			r.Delete("/{id}", h.DeleteWarehouse)
			r.Get("/{id}/entries", h.ListEntries)
			r.Get("/{id}/reconcile", h.Reconcile)
		})

		// Ledger routes
		r.Post("/movements", h.ApplyMovement)
		r.Post("/entries/{id}/reverse", h.ReverseEntry)

		// Deal routes
		r.Route("/deals", func(r chi.Router) {
			r.Post("/", h.CreateDeal)
			r.Get("/{id}", h.GetDeal)
			r.Put("/{id}", h.UpdateDeal)
			r.Delete("/{id}", h.DeleteDeal)
		})

		// Transfer routes
		r.Route("/transfers", func(r chi.Router) {
			r.Post("/", h.CreateTransfer)
			r.Get("/{id}", h.GetTransfer)
			r.Put("/{id}", h.UpdateTransfer)
			r.Delete("/{id}", h.DeleteTransfer)
		})

		// Price routes
		r.Route("/prices", func(r chi.Router) {
			r.Post("/", h.CreatePrice)
			r.Get("/check-overlap", h.CheckOverlap)
			r.Get("/selection", h.Selection)
			r.Get("/{id}", h.GetPrice)
			r.Put("/{id}", h.UpdatePrice)
			r.Put("/{id}/active", h.SetPriceActive)
			r.Post("/{id}/selection", h.RefreshSelection)
		})

		// Scenario routes (dev only)
		if cfg.DevRoutes {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
