package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/metrics"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/symbol"
)

// SpotRequest is a plain buy or sell of a ticker.
type SpotRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // BUY or SELL
	Quantity decimal.Decimal `json:"quantity"`

	// Within, when set, runs inside the fill transaction after the order is
	// written. An error rolls the fill back.
	Within func(ctx context.Context, tx store.Tx, res *SpotResult) error `json:"-"`
}

// SpotResult is returned by Spot.
type SpotResult struct {
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price_eur"`
	Fee        decimal.Decimal `json:"fee_eur"`
	CashDelta  decimal.Decimal `json:"cash_delta_eur"`
}

// Spot executes a plain order. A buy debits qty*price + fee and averages
// into the holding; a sell credits qty*price - fee and leaves the average
// unchanged.
func (s *Service) Spot(ctx context.Context, caller identity.Identity, req SpotRequest) (*SpotResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("spot").Observe(time.Since(start).Seconds()) }()

	base := symbol.NormalizeBase(req.Symbol)
	if base == "" {
		return nil, apperr.New(apperr.SymbolRequired, "symbol is required")
	}
	if strings.Contains(base, "::") {
		return nil, apperr.New(apperr.SymbolRequired, "plain ticker required, got "+base)
	}
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != model.SideBuy && side != model.SideSell {
		return nil, apperr.New(apperr.SideInvalid, fmt.Sprintf("side %q must be BUY or SELL", req.Side))
	}
	if !req.Quantity.IsPositive() {
		return nil, apperr.New(apperr.QuantityInvalid, "quantity must be positive")
	}

	q, err := s.prices.PriceEUR(ctx, base)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	price := q.PriceEUR
	gross := price.Mul(req.Quantity)
	fee := gross.Mul(settings.FeeRate())
	res := &SpotResult{
		OrderID:  uuid.New().String(),
		Symbol:   base,
		Side:     side,
		Quantity: req.Quantity,
		Price:    price,
		Fee:      fee,
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := lockUser(ctx, tx, caller.UserID)
		if err != nil {
			return err
		}

		var avg decimal.Decimal
		if side == model.SideBuy {
			required := gross.Add(fee)
			if !caller.IsAdmin() && user.Cash.LessThan(required) {
				return apperr.New(apperr.InsufficientCash,
					fmt.Sprintf("required %s EUR, available %s EUR", required.StringFixed(2), user.Cash.StringFixed(2)))
			}
			res.CashDelta = required.Neg()
			pos, err := s.accumulate(ctx, tx, user.ID, base, req.Quantity, price)
			if err != nil {
				return err
			}
			res.PositionID = pos.ID
			avg = pos.AvgPrice
		} else {
			pos, err := tx.GetPositionBySymbol(ctx, user.ID, base)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.PositionNotFound, "no holding of "+base)
			}
			if err != nil {
				return err
			}
			if req.Quantity.GreaterThan(pos.Quantity) {
				return apperr.New(apperr.QuantityInvalid,
					fmt.Sprintf("quantity %s exceeds holding %s", req.Quantity, pos.Quantity))
			}
			proceeds := gross.Sub(fee)
			if proceeds.IsNegative() {
				proceeds = decimal.Zero
			}
			res.CashDelta = proceeds
			res.PositionID = pos.ID
			avg = pos.AvgPrice

			remaining := pos.Quantity.Sub(req.Quantity)
			if remaining.IsPositive() {
				pos.Quantity = remaining
				pos.UpdatedAt = s.now()
				if err := tx.UpsertPosition(ctx, pos); err != nil {
					return err
				}
			} else if err := tx.DeletePosition(ctx, pos.ID); err != nil {
				return err
			}
		}

		if err := tx.AdjustCash(ctx, user.ID, res.CashDelta); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &model.Order{
			ID:        res.OrderID,
			UserID:    user.ID,
			Symbol:    base,
			Side:      side,
			Quantity:  req.Quantity,
			Price:     price,
			Fee:       fee,
			CashDelta: res.CashDelta,
			AvgPrice:  avg,
			CreatedAt: s.now(),
		}); err != nil {
			return err
		}

		if req.Within != nil {
			return req.Within(ctx, tx, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(symbol.Spot), side).Inc()
	slog.Info("spot order filled",
		"order_id", res.OrderID,
		"user", caller.UserID,
		"symbol", base,
		"side", side,
		"qty", req.Quantity.String(),
		"price", price.String(),
	)
	s.publish(caller.UserID, Event{
		Type:      EventOrderFilled,
		OrderID:   res.OrderID,
		Symbol:    base,
		Side:      side,
		Quantity:  req.Quantity.String(),
		Price:     price.String(),
		CashDelta: res.CashDelta.String(),
	})
	return res, nil
}
