// Package leaderboard ranks users by portfolio performance over a period
// and derives their badges.
//
// Season performance is equity against starting cash. For bounded periods
// the equity at period start is rebuilt by reversing every order since the
// start (cash via CashDelta, quantities and average prices per position
// key) and re-pricing the start holdings at the last close before the
// period began. Positions are valued as quantity times the base price; the
// Liquidation valuation instead counts synthetic positions at what closing
// them would credit before fees.
//
// Pricing is lossy but available: a symbol that cannot be priced is valued
// through a fallback price or at zero, never aborting the ranking.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/cache"
	"github.com/ecolebourse/plus-engine/internal/metrics"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/pnl"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/symbol"
)

// Period is a ranking window.
type Period string

const (
	Day    Period = "day"
	Week   Period = "week"
	Month  Period = "month"
	Season Period = "season"
)

// ParsePeriod validates a period name. Empty selects Week.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Week, nil
	case Day, Week, Month, Season:
		return p, nil
	default:
		return "", apperr.New(apperr.InvalidRequest, fmt.Sprintf("period %q must be day, week, month or season", s))
	}
}

// Start returns the beginning of the period containing now, in loc. Days
// start at midnight, weeks on Monday, months on the 1st. Season has no
// start and reports false.
func Start(p Period, now time.Time, loc *time.Location) (time.Time, bool) {
	t := now.In(loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch p {
	case Day:
		return midnight, true
	case Week:
		back := (int(t.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -back), true
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc), true
	default:
		return time.Time{}, false
	}
}

// Valuation selects how held positions count toward equity.
type Valuation string

const (
	// MarkToMarket values every position at quantity times the base price.
	MarkToMarket Valuation = "mark"
	// Liquidation values synthetic positions at margin plus P&L (leveraged)
	// or intrinsic value (options); spot holdings are unchanged.
	Liquidation Valuation = "liquidation"
)

// ParseValuation validates a valuation name. Empty selects MarkToMarket.
func ParseValuation(s string) (Valuation, error) {
	switch v := Valuation(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return MarkToMarket, nil
	case MarkToMarket, Liquidation:
		return v, nil
	default:
		return "", fmt.Errorf("valuation %q must be mark or liquidation", s)
	}
}

// Pricer supplies live and historical EUR prices.
type Pricer interface {
	quote.EURPricer
	CloseEUR(ctx context.Context, symbol string, day time.Time) (quote.EURQuote, error)
}

// Query selects a leaderboard.
type Query struct {
	Period Period
	Promo  string    // empty ranks every user
	At     time.Time // zero means now
}

// Entry is one ranked user.
type Entry struct {
	Rank        int             `json:"rank"`
	UserID      string          `json:"user_id"`
	Promo       string          `json:"promo,omitempty"`
	EquityNow   decimal.Decimal `json:"equity_now"`
	EquityStart decimal.Decimal `json:"equity_start"`
	Perf        decimal.Decimal `json:"perf"`
	Orders      int             `json:"orders"`
	Badges      []string        `json:"badges"`
}

// Aggregator computes leaderboards.
type Aggregator struct {
	store       store.Store
	prices      Pricer
	loc         *time.Location
	rules       Rules
	concurrency int
	valuation   Valuation
	results     cache.Cache[[]Entry] // optional
	resultTTL   time.Duration
}

// NewAggregator creates an aggregator ranking in loc.
func NewAggregator(st store.Store, prices Pricer, loc *time.Location, rules Rules, concurrency int) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Aggregator{store: st, prices: prices, loc: loc, rules: rules, concurrency: concurrency, valuation: MarkToMarket}
}

// WithValuation switches how positions are valued. Unknown values keep
// MarkToMarket.
func (a *Aggregator) WithValuation(v Valuation) *Aggregator {
	if v == Liquidation {
		a.valuation = Liquidation
	} else {
		a.valuation = MarkToMarket
	}
	return a
}

// WithCache memoizes computed rankings for ttl.
func (a *Aggregator) WithCache(c cache.Cache[[]Entry], ttl time.Duration) *Aggregator {
	if ttl > 0 {
		a.results = c
		a.resultTTL = ttl
	}
	return a
}

// Compute ranks the users selected by q, best performance first.
func (a *Aggregator) Compute(ctx context.Context, q Query) ([]Entry, error) {
	at := q.At
	if at.IsZero() {
		at = time.Now()
	}
	if a.results == nil {
		return a.compute(ctx, q.Period, q.Promo, at)
	}
	if !q.At.IsZero() {
		// Historical boards are computed on demand.
		return a.compute(ctx, q.Period, q.Promo, at)
	}
	key := fmt.Sprintf("leaderboard:%s:%s:%s", a.valuation, q.Period, q.Promo)
	return a.results.GetOrRefresh(ctx, key, a.resultTTL, func(ctx context.Context) ([]Entry, error) {
		return a.compute(ctx, q.Period, q.Promo, at)
	})
}

// UserBadges returns the entry of one user on the full (unfiltered) board.
func (a *Aggregator) UserBadges(ctx context.Context, userID string, period Period) (*Entry, error) {
	entries, err := a.Compute(ctx, Query{Period: period})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].UserID == userID {
			return &entries[i], nil
		}
	}
	return nil, apperr.New(apperr.UserNotFound, "user "+userID+" not found")
}

// holding is a position replayed backwards through the order log.
type holding struct {
	qty decimal.Decimal
	avg decimal.Decimal
}

func (a *Aggregator) compute(ctx context.Context, period Period, promo string, at time.Time) ([]Entry, error) {
	begin := time.Now()
	defer func() { metrics.LeaderboardDuration.WithLabelValues(string(period)).Observe(time.Since(begin).Seconds()) }()

	start, bounded := Start(period, at, a.loc)

	users, err := a.store.ListUsers(ctx, promo)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	included := make(map[string]bool, len(users))
	for _, u := range users {
		included[u.ID] = true
	}

	all, err := a.store.ListAllPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	// Season counts every order; the zero time selects the whole log.
	orders, err := a.store.ListOrdersSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	positions := make(map[string][]model.Position)
	bases := make(map[string]bool)
	for _, p := range all {
		if included[p.UserID] {
			positions[p.UserID] = append(positions[p.UserID], p)
			bases[symbol.Base(p.Symbol)] = true
		}
	}
	userOrders := make(map[string][]model.Order)
	for _, o := range orders {
		if included[o.UserID] && !o.CreatedAt.After(at) {
			userOrders[o.UserID] = append(userOrders[o.UserID], o)
			if bounded {
				bases[symbol.Base(o.Symbol)] = true
			}
		}
	}

	symbols := make([]string, 0, len(bases))
	for b := range bases {
		symbols = append(symbols, b)
	}
	sort.Strings(symbols)

	now, failed := quote.PriceAll(ctx, a.prices, symbols, a.concurrency)
	for sym, err := range failed {
		slog.Warn("leaderboard quote unavailable", "symbol", sym, "err", err)
	}
	var closes map[string]decimal.Decimal
	if bounded {
		// The last close before the period began.
		closes = a.closeAll(ctx, symbols, start.AddDate(0, 0, -1))
	}

	priceNow := func(base string) decimal.Decimal {
		if q, ok := now[base]; ok {
			return q.PriceEUR
		}
		if bounded {
			return closes[base]
		}
		return decimal.Zero
	}
	priceStart := func(base string) decimal.Decimal {
		if p, ok := closes[base]; ok {
			return p
		}
		if q, ok := now[base]; ok {
			return q.PriceEUR
		}
		return decimal.Zero
	}

	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		e := Entry{UserID: u.ID, Promo: u.Promo, Orders: len(userOrders[u.ID])}

		e.EquityNow = u.Cash
		held := make(map[string]*holding)
		for _, p := range positions[u.ID] {
			e.EquityNow = e.EquityNow.Add(a.value(p.Symbol, p.Quantity, p.AvgPrice, priceNow(symbol.Base(p.Symbol))))
			held[p.Symbol] = &holding{qty: p.Quantity, avg: p.AvgPrice}
		}

		if bounded {
			e.EquityStart = u.Cash
			rev := userOrders[u.ID]
			for i := len(rev) - 1; i >= 0; i-- {
				o := rev[i]
				e.EquityStart = e.EquityStart.Sub(o.CashDelta)
				h := held[o.Symbol]
				if h == nil {
					h = &holding{}
					held[o.Symbol] = h
				}
				h.reverse(o)
			}
			for sym, h := range held {
				if h.qty.IsPositive() {
					e.EquityStart = e.EquityStart.Add(a.value(sym, h.qty, h.avg, priceStart(symbol.Base(sym))))
				}
			}
			if e.EquityStart.IsPositive() {
				e.Perf = e.EquityNow.Sub(e.EquityStart).Div(e.EquityStart)
			}
		} else {
			e.EquityStart = u.StartingCash
			if u.StartingCash.IsPositive() {
				e.Perf = e.EquityNow.Div(u.StartingCash).Sub(decimal.NewFromInt(1))
			}
		}
		e.Perf = e.Perf.Round(6)
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Perf.Equal(entries[j].Perf) {
			return entries[i].Perf.GreaterThan(entries[j].Perf)
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].Badges = Badges(entries[i], period, a.rules)
	}
	return entries, nil
}

// closeAll fetches the close on day for every symbol. Symbols without a
// close are absent from the result.
func (a *Aggregator) closeAll(ctx context.Context, symbols []string, day time.Time) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(symbols))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			q, err := a.prices.CloseEUR(ctx, sym, day)
			if err != nil {
				slog.Warn("leaderboard close unavailable", "symbol", sym, "day", day.Format("2006-01-02"), "err", err)
				return nil
			}
			mu.Lock()
			out[sym] = q.PriceEUR
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// reverse undoes o. Fills that added quantity are removed and the average
// is un-weighted; reductions are added back at the average they left.
func (h *holding) reverse(o model.Order) {
	if adds(o.Side) {
		prev := h.qty.Sub(o.Quantity)
		if !prev.IsPositive() {
			h.qty, h.avg = decimal.Zero, decimal.Zero
			return
		}
		after := h.avg
		if o.AvgPrice.IsPositive() {
			after = o.AvgPrice
		}
		h.avg = after.Mul(h.qty).Sub(o.Quantity.Mul(o.Price)).Div(prev)
		h.qty = prev
		return
	}
	h.qty = h.qty.Add(o.Quantity)
	if o.AvgPrice.IsPositive() {
		h.avg = o.AvgPrice
	}
}

// adds reports whether an order side tag increased a position: BUY and the
// LEVERAGED:/OPTION: opens. SELL and CLOSE: reduce.
func adds(side string) bool {
	return side == model.SideBuy ||
		strings.HasPrefix(side, string(symbol.Leveraged)+":") ||
		strings.HasPrefix(side, string(symbol.Option)+":")
}

// value is what qty of key counts for at price under the aggregator's
// valuation, zero when the price is unknown.
func (a *Aggregator) value(key string, qty, avg, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	if a.valuation != Liquidation {
		return qty.Mul(price)
	}
	v, ok := pnl.LiquidationValue(pnl.Snapshot{Instrument: symbol.Decode(key), Quantity: qty, AvgPrice: avg}, price)
	if !ok {
		return decimal.Zero
	}
	return v
}
