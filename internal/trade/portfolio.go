package trade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/pnl"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/symbol"
)

// portfolioConcurrency bounds parallel quote fetches for one portfolio.
const portfolioConcurrency = 4

// PositionView is a holding valued at the live price.
type PositionView struct {
	model.Position
	Instrument symbol.Instrument `json:"instrument"`
	LastPrice  decimal.Decimal   `json:"last_price_eur"`
	Valuation  pnl.Result        `json:"valuation"`
	Value      decimal.Decimal   `json:"value_eur"` // what a full close returns before fees
	Priced     bool              `json:"priced"`
}

// Portfolio is the account summary.
type Portfolio struct {
	UserID         string          `json:"user_id"`
	Cash           decimal.Decimal `json:"cash"`
	StartingCash   decimal.Decimal `json:"starting_cash"`
	Positions      []PositionView  `json:"positions"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	Performance    decimal.Decimal `json:"performance"` // equity/starting_cash - 1
}

// Portfolio values every holding of userID. Holdings whose quote fails are
// listed with Priced=false and contribute nothing to equity.
func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.UserNotFound, "user "+userID+" not found")
	}
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	bases := make([]string, 0, len(positions))
	seen := make(map[string]bool)
	for _, p := range positions {
		b := symbol.Base(p.Symbol)
		if !seen[b] {
			seen[b] = true
			bases = append(bases, b)
		}
	}
	prices, failed := quote.PriceAll(ctx, s.prices, bases, portfolioConcurrency)
	for sym, err := range failed {
		slog.Warn("portfolio quote unavailable", "user", userID, "symbol", sym, "err", err)
	}

	out := &Portfolio{
		UserID:       userID,
		Cash:         user.Cash,
		StartingCash: user.StartingCash,
		Positions:    make([]PositionView, 0, len(positions)),
	}
	for _, p := range positions {
		inst := symbol.Decode(p.Symbol)
		view := PositionView{Position: p, Instrument: inst}
		if q, ok := prices[inst.Base]; ok {
			snap := pnl.Snapshot{Instrument: inst, Quantity: p.Quantity, AvgPrice: p.AvgPrice}
			view.LastPrice = q.PriceEUR
			view.Valuation = pnl.Value(snap, q.PriceEUR)
			view.Value, view.Priced = pnl.LiquidationValue(snap, q.PriceEUR)
		}
		out.PositionsValue = out.PositionsValue.Add(view.Value)
		out.Positions = append(out.Positions, view)
	}
	out.Equity = out.Cash.Add(out.PositionsValue)
	if user.StartingCash.IsPositive() {
		out.Performance = out.Equity.Div(user.StartingCash).Sub(decimal.NewFromInt(1))
	}
	return out, nil
}
