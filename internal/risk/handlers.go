package risk

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/model"
)

// Routes mounts the rule endpoints. The router must already carry the
// identity middleware.
func (e *Engine) Routes(r chi.Router) {
	r.Post("/tpsl", e.HandleArm)
	r.Get("/tpsl", e.HandleList)
	r.Get("/tpsl/{ruleID}", e.HandleGet)
	r.Delete("/tpsl/{ruleID}", e.HandleDisarm)
}

// HandleArm handles POST /api/v1/tpsl
func (e *Engine) HandleArm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req ArmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	req.UserID = caller.UserID
	rule, err := e.Arm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, rule)
}

// HandleList handles GET /api/v1/tpsl
func (e *Engine) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	rules, err := e.Rules(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []model.TpslRule{}
	}
	apperr.WriteJSON(w, http.StatusOK, rules)
}

// HandleGet handles GET /api/v1/tpsl/{ruleID}
func (e *Engine) HandleGet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	detail, err := e.Rule(r.Context(), caller.UserID, chi.URLParam(r, "ruleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, detail)
}

// HandleDisarm handles DELETE /api/v1/tpsl/{ruleID}
func (e *Engine) HandleDisarm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	if err := e.Disarm(r.Context(), caller.UserID, chi.URLParam(r, "ruleID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSweep handles POST /internal/tpsl/sweep, the cron trigger. It sits
// behind the internal token middleware, not the identity one.
func (e *Engine) HandleSweep(w http.ResponseWriter, r *http.Request) {
	fired, err := e.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if fired == nil {
		fired = []Fired{}
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"fired": fired})
}

func callerOf(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "missing identity"))
	}
	return id, ok
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.CodeOf(err) == apperr.Internal {
		slog.Error("tpsl request failed", "err", err)
	}
	apperr.Write(w, err)
}
