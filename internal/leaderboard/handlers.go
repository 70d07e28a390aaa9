package leaderboard

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
)

// Routes mounts the leaderboard endpoints behind the identity middleware.
func (a *Aggregator) Routes(r chi.Router) {
	r.Get("/leaderboard", a.HandleLeaderboard)
	r.Get("/leaderboard/me", a.HandleMe)
}

// HandleLeaderboard handles GET /api/v1/leaderboard?period=week&promo=2026
func (a *Aggregator) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	period, err := ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	entries, err := a.Compute(r.Context(), Query{Period: period, Promo: r.URL.Query().Get("promo")})
	if err != nil {
		slog.Error("leaderboard failed", "period", period, "err", err)
		apperr.Write(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{
		"period":  period,
		"entries": entries,
	})
}

// HandleMe handles GET /api/v1/leaderboard/me?period=week
func (a *Aggregator) HandleMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}
	period, err := ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		apperr.Write(w, err)
		return
	}
	entry, err := a.UserBadges(r.Context(), caller.UserID, period)
	if err != nil {
		if apperr.CodeOf(err) == apperr.Internal {
			slog.Error("leaderboard failed", "period", period, "err", err)
		}
		apperr.Write(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, entry)
}
