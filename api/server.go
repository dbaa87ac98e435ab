/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/tenants/{tenantID}/collectibles/*  Payment records
  /api/tenants/{tenantID}/wallets/*       Balances by payer
  /api/wallets/{walletID}/*               Wallet log and audit
  /healthz                                Liveness and store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/mahall/collectible-ledger/logging"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins allows every origin.
func NewRouter(h *Handler, log logrus.FieldLogger, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Route("/collectibles", func(r chi.Router) {
				r.Get("/", h.ListCollectibles)
				r.Post("/", h.CreateCollectible)
				r.Post("/{recordID}/apply", h.ApplyCollectible)
			})
			r.Route("/wallets", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Post("/balances", h.GetBalances)
			})
		})

		r.Route("/wallets/{walletID}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/audit", h.AuditWallet)
		})
	})

	return r
}
