/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Latency histogram by route pattern
  6. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /health                Liveness + store ping
  /metrics               Prometheus exposition
  /api/accounts          Public: open account
  /api/me/*              Authenticated caller

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Caller resolution
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional parts of the router.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics, when set, instruments every route and serves /metrics.
	Metrics interface {
		HTTP(next http.Handler) http.Handler
		Handler() http.Handler
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.HTTP)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", DevUserHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/accounts", h.OpenAccount)

		r.Route("/me", func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			r.Delete("/", h.CloseAccount)
			r.Get("/balance", h.GetBalance)
			r.Get("/movements", h.ListMovements)
			r.Post("/movements", h.ApplyMovement)
			r.Post("/credit-card/payments", h.PayCreditCard)
		})
	})

	return r
}
