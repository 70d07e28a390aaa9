package leaderboard_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/cache"
	"github.com/ecolebourse/plus-engine/internal/leaderboard"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// fakePrices serves live prices and closes, and records requested close days.
type fakePrices struct {
	mu     sync.Mutex
	now    map[string]decimal.Decimal
	closes map[string]decimal.Decimal
	days   []time.Time
}

func (f *fakePrices) PriceEUR(_ context.Context, sym string) (quote.EURQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.now[sym]
	if !ok {
		return quote.EURQuote{}, apperr.New(apperr.QuoteUnavailable, sym)
	}
	return quote.EURQuote{Symbol: sym, PriceEUR: p}, nil
}

func (f *fakePrices) CloseEUR(_ context.Context, sym string, day time.Time) (quote.EURQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, day)
	p, ok := f.closes[sym]
	if !ok {
		return quote.EURQuote{}, apperr.New(apperr.QuoteUnavailable, sym)
	}
	return quote.EURQuote{Symbol: sym, PriceEUR: p}, nil
}

// Wednesday 14 October 2026, noon in Paris. The week began Monday the 12th.
var (
	at         = time.Date(2026, 10, 14, 12, 0, 0, 0, paris)
	beforeWeek = time.Date(2026, 10, 5, 10, 0, 0, 0, paris)
	inWeek     = time.Date(2026, 10, 13, 15, 0, 0, 0, paris)
)

type seed struct {
	user      model.User
	positions []model.Position
	orders    []model.Order
}

func newStore(t *testing.T, seeds ...seed) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for i, s := range seeds {
		u := s.user
		u.Email = u.ID + "@example.com"
		u.Role = model.RoleUser
		if u.StartingCash.IsZero() {
			u.StartingCash = d(10000)
		}
		u.CreatedAt = beforeWeek.Add(time.Duration(i) * time.Minute)
		if err := ms.CreateUser(ctx, &u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		err := ms.InTx(ctx, func(tx store.Tx) error {
			for j := range s.positions {
				p := s.positions[j]
				p.ID = u.ID + "-" + p.Symbol
				p.UserID = u.ID
				if err := tx.UpsertPosition(ctx, &p); err != nil {
					return err
				}
			}
			for j := range s.orders {
				o := s.orders[j]
				o.ID = u.ID + "-order-" + string(rune('a'+j))
				o.UserID = u.ID
				if err := tx.InsertOrder(ctx, &o); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}
	return ms
}

func byUser(entries []leaderboard.Entry) map[string]leaderboard.Entry {
	m := make(map[string]leaderboard.Entry, len(entries))
	for _, e := range entries {
		m[e.UserID] = e
	}
	return m
}

// --- Periods ---

func TestStart(t *testing.T) {
	cases := []struct {
		period leaderboard.Period
		now    time.Time
		want   time.Time
	}{
		{leaderboard.Day, at, time.Date(2026, 10, 14, 0, 0, 0, 0, paris)},
		{leaderboard.Week, at, time.Date(2026, 10, 12, 0, 0, 0, 0, paris)},
		{leaderboard.Week, time.Date(2026, 10, 18, 23, 0, 0, 0, paris), time.Date(2026, 10, 12, 0, 0, 0, 0, paris)},
		{leaderboard.Week, time.Date(2026, 10, 12, 0, 30, 0, 0, paris), time.Date(2026, 10, 12, 0, 0, 0, 0, paris)},
		{leaderboard.Month, at, time.Date(2026, 10, 1, 0, 0, 0, 0, paris)},
		// 23:30 UTC on the 31st is already November in Paris.
		{leaderboard.Month, time.Date(2026, 10, 31, 23, 30, 0, 0, time.UTC), time.Date(2026, 11, 1, 0, 0, 0, 0, paris)},
	}
	for _, tc := range cases {
		got, ok := leaderboard.Start(tc.period, tc.now, paris)
		if !ok || !got.Equal(tc.want) {
			t.Errorf("Start(%s, %s) = %s, want %s", tc.period, tc.now, got, tc.want)
		}
	}
	if _, ok := leaderboard.Start(leaderboard.Season, at, paris); ok {
		t.Error("season has no start")
	}
}

func TestParsePeriod(t *testing.T) {
	if p, err := leaderboard.ParsePeriod(""); err != nil || p != leaderboard.Week {
		t.Errorf("empty period = %q, %v; want week", p, err)
	}
	if p, err := leaderboard.ParsePeriod(" Month "); err != nil || p != leaderboard.Month {
		t.Errorf("Month = %q, %v", p, err)
	}
	if _, err := leaderboard.ParsePeriod("year"); apperr.CodeOf(err) != apperr.InvalidRequest {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}

// --- Badges ---

func TestBadges(t *testing.T) {
	rules := leaderboard.DefaultRules()
	cases := []struct {
		name   string
		entry  leaderboard.Entry
		period leaderboard.Period
		want   []string
	}{
		{"nothing", leaderboard.Entry{Rank: 11, Perf: d(-0.01), Orders: 1}, leaderboard.Week, []string{}},
		{"top rank", leaderboard.Entry{Rank: 10, Perf: d(0), Orders: 0}, leaderboard.Week, []string{"top10"}},
		{"big gainer at threshold", leaderboard.Entry{Rank: 20, Perf: d(0.05)}, leaderboard.Week, []string{"big_gainer"}},
		{"active trader", leaderboard.Entry{Rank: 20, Perf: d(-0.2), Orders: 5}, leaderboard.Week, []string{"active_trader"}},
		{"comeback", leaderboard.Entry{Rank: 20, Perf: d(0.01), Orders: 3}, leaderboard.Day, []string{"comeback"}},
		{"no comeback in season", leaderboard.Entry{Rank: 20, Perf: d(0.01), Orders: 3}, leaderboard.Season, []string{}},
		{"all", leaderboard.Entry{Rank: 1, Perf: d(0.3), Orders: 9}, leaderboard.Month, []string{"top10", "big_gainer", "active_trader", "comeback"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := leaderboard.Badges(tc.entry, tc.period, rules)
			if len(got) != len(tc.want) {
				t.Fatalf("Badges = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Badges = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

// --- Compute ---

func TestCompute_Season(t *testing.T) {
	ms := newStore(t,
		seed{
			user:      model.User{ID: "alice", Promo: "2026", Cash: d(9000)},
			positions: []model.Position{{Symbol: "AAPL", Quantity: d(10), AvgPrice: d(100)}},
		},
		seed{
			user:      model.User{ID: "eve", Promo: "2027", Cash: d(9000)},
			positions: []model.Position{{Symbol: "GONE", Quantity: d(10), AvgPrice: d(100)}},
		},
	)
	prices := &fakePrices{now: map[string]decimal.Decimal{"AAPL": d(110)}}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 2)

	entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season, At: at})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(entries) != 2 || entries[0].UserID != "alice" || entries[0].Rank != 1 {
		t.Fatalf("unexpected ranking %+v", entries)
	}
	if !entries[0].Perf.Equal(d(0.01)) || !entries[0].EquityNow.Equal(d(10100)) {
		t.Errorf("alice perf=%s equity=%s, want 0.01 and 10100", entries[0].Perf, entries[0].EquityNow)
	}
	// Unpriced holdings count as zero on the season board.
	if !entries[1].Perf.Equal(d(-0.1)) {
		t.Errorf("eve perf = %s, want -0.1", entries[1].Perf)
	}
	if len(prices.days) != 0 {
		t.Error("season must not fetch historical closes")
	}

	promo, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season, Promo: "2027", At: at})
	if len(promo) != 1 || promo[0].UserID != "eve" || promo[0].Rank != 1 {
		t.Errorf("promo filter: %+v", promo)
	}
}

func TestCompute_WeekReversesOrders(t *testing.T) {
	ms := newStore(t,
		// Held 10 AAPL before the week, opened a 10x long during it.
		seed{
			user: model.User{ID: "alice", Cash: d(8900)},
			positions: []model.Position{
				{Symbol: "AAPL", Quantity: d(10), AvgPrice: d(100)},
				{Symbol: "AAPL::LEV:LONG:10x", Quantity: d(10), AvgPrice: d(100)},
			},
			orders: []model.Order{
				{Symbol: "AAPL", Side: "BUY", Quantity: d(10), Price: d(100), CashDelta: d(-1000), AvgPrice: d(100), CreatedAt: beforeWeek},
				{Symbol: "AAPL::LEV:LONG:10x", Side: "LEVERAGED:LONG:10x", Quantity: d(10), Price: d(100), CashDelta: d(-100), AvgPrice: d(100), CreatedAt: inWeek},
			},
		},
		// Sold out during the week.
		seed{
			user: model.User{ID: "bob", Cash: d(10500)},
			orders: []model.Order{
				{Symbol: "AAPL", Side: "SELL", Quantity: d(5), Price: d(100), CashDelta: d(500), AvgPrice: d(80), CreatedAt: inWeek},
			},
		},
		// Closed a 2x long opened before the week.
		seed{
			user: model.User{ID: "carol", Cash: d(10150)},
			orders: []model.Order{
				{Symbol: "AAPL::LEV:LONG:2x", Side: "CLOSE:LEV:LONG:2x", Quantity: d(10), Price: d(110), CashDelta: d(600), AvgPrice: d(100), CreatedAt: inWeek},
			},
		},
	)
	prices := &fakePrices{
		now:    map[string]decimal.Decimal{"AAPL": d(110)},
		closes: map[string]decimal.Decimal{"AAPL": d(100)},
	}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 2).
		WithValuation(leaderboard.Liquidation)

	entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Week, At: at})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	got := byUser(entries)

	alice := got["alice"]
	// now: 8900 + 10*110 + (100 margin + 100 pnl); start: 9000 + 10*100
	if !alice.EquityNow.Equal(d(10200)) || !alice.EquityStart.Equal(d(10000)) || !alice.Perf.Equal(d(0.02)) {
		t.Errorf("alice now=%s start=%s perf=%s", alice.EquityNow, alice.EquityStart, alice.Perf)
	}
	if alice.Orders != 1 {
		t.Errorf("alice orders in week = %d, want 1", alice.Orders)
	}

	bob := got["bob"]
	if !bob.EquityStart.Equal(d(10500)) || !bob.Perf.IsZero() {
		t.Errorf("bob start=%s perf=%s, want 10500 and 0", bob.EquityStart, bob.Perf)
	}

	carol := got["carol"]
	// start: 9550 cash + 500 margin at the 100 close
	if !carol.EquityStart.Equal(d(10050)) || !carol.Perf.Equal(d(0.00995)) {
		t.Errorf("carol start=%s perf=%s, want 10050 and 0.00995", carol.EquityStart, carol.Perf)
	}

	if entries[0].UserID != "alice" || entries[1].UserID != "carol" || entries[2].UserID != "bob" {
		t.Errorf("unexpected order: %s, %s, %s", entries[0].UserID, entries[1].UserID, entries[2].UserID)
	}
	for _, e := range entries {
		if len(e.Badges) != 1 || e.Badges[0] != leaderboard.BadgeTop10 {
			t.Errorf("%s badges = %v, want [top10]", e.UserID, e.Badges)
		}
	}

	wantDay := time.Date(2026, 10, 11, 0, 0, 0, 0, paris)
	for _, day := range prices.days {
		if !day.Equal(wantDay) {
			t.Errorf("close requested for %s, want %s", day, wantDay)
		}
	}
}

func TestCompute_ReversesWeightedAverage(t *testing.T) {
	// Start: 10 @100 at 10x. During the week 10 more @120, average now 110.
	ms := newStore(t, seed{
		user:      model.User{ID: "dave", Cash: d(9780)},
		positions: []model.Position{{Symbol: "AAPL::LEV:LONG:10x", Quantity: d(20), AvgPrice: d(110)}},
		orders: []model.Order{
			{Symbol: "AAPL::LEV:LONG:10x", Side: "LEVERAGED:LONG:10x", Quantity: d(10), Price: d(120), CashDelta: d(-120), AvgPrice: d(110), CreatedAt: inWeek},
		},
	})
	prices := &fakePrices{
		now:    map[string]decimal.Decimal{"AAPL": d(120)},
		closes: map[string]decimal.Decimal{"AAPL": d(100)},
	}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1).
		WithValuation(leaderboard.Liquidation)

	entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Week, At: at})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := entries[0]
	// start: 9900 + 100 margin; now: 9780 + 220 margin + 200 pnl
	if !e.EquityStart.Equal(d(10000)) || !e.EquityNow.Equal(d(10200)) {
		t.Errorf("start=%s now=%s, want 10000 and 10200", e.EquityStart, e.EquityNow)
	}
}

func TestCompute_SyntheticValuation(t *testing.T) {
	ms := newStore(t, seed{
		user:      model.User{ID: "alice", Cash: d(9900)},
		positions: []model.Position{{Symbol: "AAPL::LEV:LONG:10x", Quantity: d(10), AvgPrice: d(100)}},
	})
	prices := &fakePrices{now: map[string]decimal.Decimal{"AAPL": d(110)}}

	cases := []struct {
		valuation leaderboard.Valuation
		equity    float64
		perf      float64
	}{
		// 9900 + 10 * 110
		{leaderboard.MarkToMarket, 11000, 0.1},
		// 9900 + 100 margin + 100 pnl
		{leaderboard.Liquidation, 10100, 0.01},
	}
	for _, tc := range cases {
		t.Run(string(tc.valuation), func(t *testing.T) {
			agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1).WithValuation(tc.valuation)
			entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season, At: at})
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if !entries[0].EquityNow.Equal(d(tc.equity)) || !entries[0].Perf.Equal(d(tc.perf)) {
				t.Errorf("equity=%s perf=%s, want %v and %v", entries[0].EquityNow, entries[0].Perf, tc.equity, tc.perf)
			}
		})
	}

	// The default follows quantity times price.
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1)
	entries, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season, At: at})
	if !entries[0].EquityNow.Equal(d(11000)) {
		t.Errorf("default valuation equity = %s, want 11000", entries[0].EquityNow)
	}
}

func TestCompute_WeekMarkToMarket(t *testing.T) {
	// Opened a 10x long during the week at 100; the base is now 110.
	ms := newStore(t, seed{
		user:      model.User{ID: "alice", Cash: d(9900)},
		positions: []model.Position{{Symbol: "AAPL::LEV:LONG:10x", Quantity: d(10), AvgPrice: d(100)}},
		orders: []model.Order{
			{Symbol: "AAPL::LEV:LONG:10x", Side: "LEVERAGED:LONG:10x", Quantity: d(10), Price: d(100), CashDelta: d(-100), AvgPrice: d(100), CreatedAt: inWeek},
		},
	})
	prices := &fakePrices{
		now:    map[string]decimal.Decimal{"AAPL": d(110)},
		closes: map[string]decimal.Decimal{"AAPL": d(100)},
	}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1)

	entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Week, At: at})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	e := entries[0]
	// start: 10000 cash, nothing held; now: 9900 + 10*110
	if !e.EquityStart.Equal(d(10000)) || !e.EquityNow.Equal(d(11000)) || !e.Perf.Equal(d(0.1)) {
		t.Errorf("start=%s now=%s perf=%s, want 10000, 11000, 0.1", e.EquityStart, e.EquityNow, e.Perf)
	}
}

func TestParseValuation(t *testing.T) {
	if v, err := leaderboard.ParseValuation(""); err != nil || v != leaderboard.MarkToMarket {
		t.Errorf("empty valuation = %q, %v; want mark", v, err)
	}
	if v, err := leaderboard.ParseValuation(" Liquidation "); err != nil || v != leaderboard.Liquidation {
		t.Errorf("Liquidation = %q, %v", v, err)
	}
	if _, err := leaderboard.ParseValuation("book"); err == nil {
		t.Error("expected an error for an unknown valuation")
	}
}

func TestCompute_MissingCloseFallsBackToCurrent(t *testing.T) {
	ms := newStore(t, seed{
		user:      model.User{ID: "alice", Cash: d(9000)},
		positions: []model.Position{{Symbol: "AAPL", Quantity: d(10), AvgPrice: d(100)}},
	})
	prices := &fakePrices{now: map[string]decimal.Decimal{"AAPL": d(110)}}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1)

	entries, err := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Day, At: at})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !entries[0].EquityStart.Equal(d(10100)) || !entries[0].Perf.IsZero() {
		t.Errorf("start=%s perf=%s, want 10100 and 0", entries[0].EquityStart, entries[0].Perf)
	}
}

func TestCompute_CachesResults(t *testing.T) {
	ms := newStore(t, seed{user: model.User{ID: "alice", Cash: d(10000)}})
	prices := &fakePrices{}
	agg := leaderboard.NewAggregator(ms, prices, paris, leaderboard.DefaultRules(), 1).
		WithCache(cache.NewMemory[[]leaderboard.Entry]("leaderboard-test"), time.Minute)

	first, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season})
	if err := ms.CreateUser(context.Background(), &model.User{ID: "bob", Email: "bob@example.com", Cash: d(1), StartingCash: d(1)}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	second, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season})
	if len(first) != 1 || len(second) != 1 {
		t.Errorf("cached board should be reused, got %d then %d entries", len(first), len(second))
	}
}

func TestCompute_HistoricalQueryBypassesCache(t *testing.T) {
	ms := newStore(t, seed{user: model.User{ID: "alice", Cash: d(10000)}})
	agg := leaderboard.NewAggregator(ms, &fakePrices{}, paris, leaderboard.DefaultRules(), 1).
		WithCache(cache.NewMemory[[]leaderboard.Entry]("leaderboard-test"), time.Minute)

	live, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season})
	if err := ms.CreateUser(context.Background(), &model.User{ID: "bob", Email: "bob@example.com", Cash: d(1), StartingCash: d(1)}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	past, _ := agg.Compute(context.Background(), leaderboard.Query{Period: leaderboard.Season, At: at})
	if len(live) != 1 || len(past) != 2 {
		t.Errorf("a board at a given instant must not come from the live cache, got %d then %d entries", len(live), len(past))
	}
}

func TestUserBadges(t *testing.T) {
	ms := newStore(t, seed{user: model.User{ID: "alice", Cash: d(11000)}})
	agg := leaderboard.NewAggregator(ms, &fakePrices{}, paris, leaderboard.DefaultRules(), 1)

	e, err := agg.UserBadges(context.Background(), "alice", leaderboard.Season)
	if err != nil {
		t.Fatalf("user badges: %v", err)
	}
	if e.Rank != 1 || len(e.Badges) != 2 {
		t.Errorf("expected rank 1 with top10 and big_gainer, got %+v", e)
	}
	if _, err := agg.UserBadges(context.Background(), "ghost", leaderboard.Season); apperr.CodeOf(err) != apperr.UserNotFound {
		t.Errorf("expected USER_NOT_FOUND, got %v", err)
	}
}

// --- HTTP ---

func TestHandleLeaderboard(t *testing.T) {
	ms := newStore(t, seed{user: model.User{ID: "alice", Cash: d(10000)}})
	agg := leaderboard.NewAggregator(ms, &fakePrices{}, paris, leaderboard.DefaultRules(), 1)
	r := chi.NewRouter()
	agg.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/leaderboard?period=season", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Period  string              `json:"period"`
		Entries []leaderboard.Entry `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Period != "season" || len(body.Entries) != 1 {
		t.Errorf("unexpected body %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/leaderboard?period=decade", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad period: expected 400, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/leaderboard/me", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("me without identity: expected 401, got %d", w.Code)
	}
}
