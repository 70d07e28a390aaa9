package trade

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/metrics"
	"github.com/ecolebourse/plus-engine/internal/model"
)

// CloseBody is the optional JSON body of the close endpoint.
type CloseBody struct {
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
}

// --- HTTP Handlers ---

// Routes mounts the trading endpoints. The router must already carry the
// identity middleware.
func (s *Service) Routes(r chi.Router) {
	r.Post("/plus/orders", s.HandleOpen)
	r.Post("/plus/positions/{positionID}/close", s.HandleClose)
	r.Post("/orders", s.HandleSpot)
	r.Get("/orders", s.HandleListOrders)
	r.Get("/portfolio", s.HandlePortfolio)
}

// HandleOpen handles POST /api/v1/plus/orders
func (s *Service) HandleOpen(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	res, err := s.Open(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, res)
}

// HandleClose handles POST /api/v1/plus/positions/{positionID}/close
// An empty body closes the whole position.
func (s *Service) HandleClose(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var body CloseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	res, err := s.Close(r.Context(), CloseRequest{
		UserID:     caller.UserID,
		PositionID: chi.URLParam(r, "positionID"),
		Quantity:   body.Quantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, res)
}

// HandleSpot handles POST /api/v1/orders
func (s *Service) HandleSpot(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req SpotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return
	}
	res, err := s.Spot(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, res)
}

// HandleListOrders handles GET /api/v1/orders?limit=N
func (s *Service) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, apperr.New(apperr.InvalidRequest, "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	orders, err := s.store.ListOrdersByUser(r.Context(), caller.UserID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	apperr.WriteJSON(w, http.StatusOK, orders)
}

// HandlePortfolio handles GET /api/v1/portfolio
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	p, err := s.Portfolio(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, p)
}

func callerOf(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "missing identity"))
	}
	return id, ok
}

// writeError counts the rejection and writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.Internal {
		slog.Error("request failed", "err", err)
	}
	metrics.OrderRejections.WithLabelValues(string(code)).Inc()
	apperr.Write(w, err)
}
