// Package pnl computes profit and loss for synthetic positions.
//
// It is stateless: a position snapshot and the current EUR price go in, a
// Result comes out. Invalid inputs (non-positive quantity, negative prices)
// produce a Result with Valid=false instead of an error, so aggregate views
// can keep going and callers decide what to do with the gap.
//
// All monetary values use shopspring/decimal, never float64.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/symbol"
)

// Snapshot is the part of a position the engine needs.
type Snapshot struct {
	Instrument symbol.Instrument
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal // EUR
}

// Result is the valuation of a snapshot at one price. Percentages are
// fractions (0.1 == 10%).
type Result struct {
	Kind        symbol.Kind     `json:"kind"`
	PnL         decimal.Decimal `json:"pnl_eur"`
	Notional    decimal.Decimal `json:"notional_eur"`
	Margin      decimal.Decimal `json:"margin_eur"`
	PctNotional decimal.Decimal `json:"pnl_pct_notional"`
	PctMargin   decimal.Decimal `json:"pnl_pct_margin"`
	Valid       bool            `json:"valid"`
}

func invalid(kind symbol.Kind) Result {
	return Result{Kind: kind}
}

func validInputs(s Snapshot, last decimal.Decimal) bool {
	return s.Quantity.IsPositive() && !s.AvgPrice.IsNegative() && !last.IsNegative()
}

// Compute values a LEVERAGED or OPTION snapshot at last. Spot holdings are
// valued by Spot; passing one here yields an invalid result.
//
//	LEVERAGED: pnl = (last-avg) * qty * direction, margin = notional / leverage
//	OPTION:    pnl = intrinsic value only, CALL max(0,last-avg)*qty,
//	           PUT max(0,avg-last)*qty. The premium was debited at open.
func Compute(s Snapshot, last decimal.Decimal) Result {
	kind := s.Instrument.Kind
	if !validInputs(s, last) {
		return invalid(kind)
	}

	notional := s.AvgPrice.Mul(s.Quantity)

	switch kind {
	case symbol.Leveraged:
		direction := decimal.NewFromInt(int64(s.Instrument.Direction()))
		lev := decimal.NewFromInt(int64(symbol.ClampLeverage(s.Instrument.Leverage)))
		pnl := last.Sub(s.AvgPrice).Mul(s.Quantity).Mul(direction)
		margin := notional.Div(lev)
		return Result{
			Kind:        kind,
			PnL:         pnl,
			Notional:    notional,
			Margin:      margin,
			PctNotional: ratio(pnl, notional),
			PctMargin:   ratio(pnl, margin),
			Valid:       true,
		}

	case symbol.Option:
		pnl := Intrinsic(s.Instrument.Side, s.AvgPrice, last).Mul(s.Quantity)
		return Result{
			Kind:        kind,
			PnL:         pnl,
			Notional:    notional,
			PctNotional: ratio(pnl, notional),
			Valid:       true,
		}

	default:
		return invalid(kind)
	}
}

// Spot is the plain market-value difference of a spot holding. Margin equals
// the notional since the position is fully paid.
func Spot(s Snapshot, last decimal.Decimal) Result {
	if !validInputs(s, last) {
		return invalid(symbol.Spot)
	}
	notional := s.AvgPrice.Mul(s.Quantity)
	pnl := last.Sub(s.AvgPrice).Mul(s.Quantity)
	return Result{
		Kind:        symbol.Spot,
		PnL:         pnl,
		Notional:    notional,
		Margin:      notional,
		PctNotional: ratio(pnl, notional),
		PctMargin:   ratio(pnl, notional),
		Valid:       true,
	}
}

// Value dispatches to Spot or Compute depending on the instrument kind.
func Value(s Snapshot, last decimal.Decimal) Result {
	if s.Instrument.Kind == symbol.Spot {
		return Spot(s, last)
	}
	return Compute(s, last)
}

// Intrinsic is the per-unit exercise value of an option struck at strike.
func Intrinsic(side string, strike, last decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if side == symbol.Put {
		v = strike.Sub(last)
	} else {
		v = last.Sub(strike)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// LiquidationValue is the cash a full close would return before fees:
// spot qty*last, leveraged max(0, margin+pnl), option intrinsic value.
// The boolean is false when the snapshot cannot be valued.
func LiquidationValue(s Snapshot, last decimal.Decimal) (decimal.Decimal, bool) {
	if s.Instrument.Kind == symbol.Spot {
		if !validInputs(s, last) {
			return decimal.Zero, false
		}
		return last.Mul(s.Quantity), true
	}

	r := Compute(s, last)
	if !r.Valid {
		return decimal.Zero, false
	}
	if r.Kind == symbol.Option {
		return r.PnL, true
	}
	v := r.Margin.Add(r.PnL)
	if v.IsNegative() {
		return decimal.Zero, true
	}
	return v, true
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}
