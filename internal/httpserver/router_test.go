package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/admin"
	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/httpserver"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/leaderboard"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/risk"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/trade"
)

// flatPrices prices every symbol at 100 EUR.
type flatPrices struct{}

func (flatPrices) PriceEUR(_ context.Context, sym string) (quote.EURQuote, error) {
	return quote.EURQuote{Symbol: sym, PriceEUR: decimal.NewFromInt(100)}, nil
}

func (flatPrices) CloseEUR(_ context.Context, sym string, _ time.Time) (quote.EURQuote, error) {
	return quote.EURQuote{Symbol: sym, PriceEUR: decimal.NewFromInt(100)}, nil
}

type testEnv struct {
	handler  http.Handler
	store    *store.MemoryStore
	verifier *identity.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	v := identity.NewVerifier("test-secret", "plus-test")
	svc := trade.NewService(ms, flatPrices{}, nil, trade.DefaultOptions())

	h := httpserver.NewRouter(httpserver.Deps{
		Verifier:      v,
		InternalToken: "cron-token",
		Trade:         svc,
		Hub:           trade.NewHub(),
		Risk:          risk.NewEngine(ms, flatPrices{}, svc, nil, 2),
		Leaderboard:   leaderboard.NewAggregator(ms, flatPrices{}, time.UTC, leaderboard.DefaultRules(), 2),
		Admin:         admin.NewHandler(ms),
	})
	return &testEnv{handler: h, store: ms, verifier: v}
}

func (e *testEnv) token(t *testing.T, id, role string) string {
	t.Helper()
	tok, err := e.verifier.Sign(identity.Identity{UserID: id, Email: id + "@example.com", Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/portfolio", "/api/v1/tpsl", "/api/v1/leaderboard", "/api/v1/admin/settings"} {
		if w := env.do(http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: expected 401, got %d", path, w.Code)
		}
	}
	if w := env.do(http.MethodPost, "/internal/tpsl/sweep", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("sweep without internal token: expected 401, got %d", w.Code)
	}
}

func TestAdminFlow(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.token(t, "root", model.RoleAdmin)
	userTok := env.token(t, "alice", model.RoleUser)

	if w := env.do(http.MethodGet, "/api/v1/admin/settings", userTok, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", w.Code)
	}

	w := env.do(http.MethodPut, "/api/v1/admin/settings", adminTok, map[string]any{"trading_fee_bps": 25})
	if w.Code != http.StatusOK {
		t.Fatalf("put settings: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if s, _ := env.store.GetSettings(context.Background()); s.TradingFeeBps != 25 {
		t.Errorf("fee = %d, want 25", s.TradingFeeBps)
	}
	if w := env.do(http.MethodPut, "/api/v1/admin/settings", adminTok, map[string]any{"trading_fee_bps": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("negative fee: expected 400, got %d", w.Code)
	}

	body := map[string]any{"id": "alice", "email": "Alice@Example.com", "promo": "2026", "starting_cash": "10000"}
	w = env.do(http.MethodPost, "/api/v1/admin/users", adminTok, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	u, err := env.store.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Email != "alice@example.com" || u.Role != model.RoleUser || !u.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("unexpected user %+v", u)
	}

	w = env.do(http.MethodPost, "/api/v1/admin/users", adminTok, body)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate user: expected 409, got %d", w.Code)
	}
	var errBody map[string]string
	json.Unmarshal(w.Body.Bytes(), &errBody)
	if errBody["code"] != string(apperr.Conflict) {
		t.Errorf("code = %q, want CONFLICT", errBody["code"])
	}

	if w := env.do(http.MethodPost, "/api/v1/admin/users", adminTok, map[string]any{"email": "nope"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad email: expected 400, got %d", w.Code)
	}
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	adminTok := env.token(t, "root", model.RoleAdmin)
	userTok := env.token(t, "alice", model.RoleUser)

	env.do(http.MethodPost, "/api/v1/admin/users", adminTok, map[string]any{"id": "alice", "email": "alice@example.com", "starting_cash": "10000"})

	w := env.do(http.MethodPost, "/api/v1/plus/orders", userTok, map[string]any{
		"symbol": "AAPL", "kind": "LEVERAGED", "side": "LONG", "quantity": "10", "leverage": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var opened trade.OpenResult
	json.Unmarshal(w.Body.Bytes(), &opened)

	w = env.do(http.MethodPost, "/api/v1/tpsl", userTok, map[string]any{"position_id": opened.PositionID, "sl": "100"})
	if w.Code != http.StatusCreated {
		t.Fatalf("arm: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/tpsl/sweep", nil)
	req.Header.Set("X-Internal-Token", "cron-token")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", rec.Code)
	}
	var out struct {
		Fired []risk.Fired `json:"fired"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Fired) != 1 || out.Fired[0].Reason != model.ReasonSL {
		t.Fatalf("expected the stop to fire at 100, got %+v", out.Fired)
	}

	w = env.do(http.MethodGet, "/api/v1/leaderboard?period=season", userTok, nil)
	if w.Code != http.StatusOK {
		t.Errorf("leaderboard: expected 200, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/v1/leaderboard/me?period=day", userTok, nil)
	if w.Code != http.StatusOK {
		t.Errorf("leaderboard/me: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
