// Package admin exposes the narrow back-office surface the engine needs:
// the trading fee setting and seeding accounts with starting cash.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/store"
)

// MaxFeeBps caps the trading fee at 100%.
const MaxFeeBps = 10000

// Handler serves the admin endpoints.
type Handler struct {
	store store.Store
}

// NewHandler creates an admin handler.
func NewHandler(st store.Store) *Handler {
	return &Handler{store: st}
}

// Routes mounts the admin endpoints. Callers must wrap r with the identity
// middleware and identity.RequireAdmin.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/settings", h.HandleGetSettings)
	r.Put("/settings", h.HandlePutSettings)
	r.Post("/users", h.HandleCreateUser)
}

// HandleGetSettings handles GET /api/v1/admin/settings
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, s)
}

// HandlePutSettings handles PUT /api/v1/admin/settings
func (h *Handler) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s model.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	if s.TradingFeeBps < 0 || s.TradingFeeBps > MaxFeeBps {
		writeError(w, apperr.New(apperr.InvalidRequest, "trading_fee_bps must be between 0 and 10000"))
		return
	}
	if err := h.store.UpdateSettings(r.Context(), s); err != nil {
		writeError(w, err)
		return
	}

	caller, _ := identity.FromContext(r.Context())
	slog.Info("settings updated", "by", caller.UserID, "trading_fee_bps", s.TradingFeeBps)
	apperr.WriteJSON(w, http.StatusOK, s)
}

// CreateUserRequest seeds an account.
type CreateUserRequest struct {
	ID           string          `json:"id,omitempty"` // defaults to a new UUID; use the auth subject
	Email        string          `json:"email"`
	Promo        string          `json:"promo,omitempty"`
	Role         string          `json:"role,omitempty"`
	StartingCash decimal.Decimal `json:"starting_cash"`
}

// HandleCreateUser handles POST /api/v1/admin/users
func (h *Handler) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	u, err := newUser(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			err = apperr.New(apperr.Conflict, "user id or email already exists")
		}
		writeError(w, err)
		return
	}

	slog.Info("user created", "user", u.ID, "promo", u.Promo, "role", u.Role, "starting_cash", u.StartingCash.String())
	apperr.WriteJSON(w, http.StatusCreated, u)
}

func newUser(req CreateUserRequest) (*model.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, apperr.New(apperr.InvalidRequest, "a valid email is required")
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case "":
		role = model.RoleUser
	case model.RoleUser, model.RoleAdmin:
	default:
		return nil, apperr.New(apperr.InvalidRequest, "role must be user or admin")
	}
	if req.StartingCash.IsNegative() {
		return nil, apperr.New(apperr.InvalidRequest, "starting_cash must not be negative")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	return &model.User{
		ID:           id,
		Email:        strings.ToLower(addr.Address),
		Promo:        strings.TrimSpace(req.Promo),
		Role:         role,
		Cash:         req.StartingCash,
		StartingCash: req.StartingCash,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func writeError(w http.ResponseWriter, err error) {
	if apperr.CodeOf(err) == apperr.Internal {
		slog.Error("admin request failed", "err", err)
	}
	apperr.Write(w, err)
}
