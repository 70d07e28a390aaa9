// Package httpserver assembles the HTTP surface of the plus engine.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecolebourse/plus-engine/internal/admin"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/leaderboard"
	"github.com/ecolebourse/plus-engine/internal/metrics"
	"github.com/ecolebourse/plus-engine/internal/risk"
	"github.com/ecolebourse/plus-engine/internal/trade"
)

// Deps are the services behind the router.
type Deps struct {
	Verifier      *identity.Verifier
	InternalToken string
	Trade         *trade.Service
	Hub           *trade.Hub
	Risk          *risk.Engine
	Leaderboard   *leaderboard.Aggregator
	Admin         *admin.Handler
}

// NewRouter builds the router:
//
//	/health, /metrics                  public
//	/api/v1/...                        bearer token
//	/api/v1/admin/...                  bearer token, admin role
//	/internal/tpsl/sweep               X-Internal-Token
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"plus-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Verifier.Middleware)

		if d.Hub != nil {
			r.Get("/ws", d.Hub.HandleWS)
		}
		d.Trade.Routes(r)
		d.Risk.Routes(r)
		d.Leaderboard.Routes(r)

		r.Route("/admin", func(r chi.Router) {
			r.Use(identity.RequireAdmin)
			d.Admin.Routes(r)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(identity.InternalToken(d.InternalToken))
		r.Post("/tpsl/sweep", d.Risk.HandleSweep)
	})

	return r
}
