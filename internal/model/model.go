// Package model defines the core domain types shared across the plus engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Roles carried by the identity token.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User holds the simulated trading account of one student.
// Cash is only mutated by order execution and liquidation, under transaction.
type User struct {
	ID           string          `json:"id" db:"id"`
	Email        string          `json:"email" db:"email"`
	Promo        string          `json:"promo,omitempty" db:"promo"`
	Role         string          `json:"role" db:"role"`
	Cash         decimal.Decimal `json:"cash" db:"cash"`                   // EUR
	StartingCash decimal.Decimal `json:"starting_cash" db:"starting_cash"` // season baseline, EUR
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is a holding keyed by (UserID, Symbol). Symbol is either a plain
// ticker or an encoded synthetic key (see package symbol). Quantity is
// strictly positive while the row exists.
type Position struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"` // EUR, volume weighted
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of a fill. Once created, orders are never
// modified or deleted.
type Order struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      string          `json:"side" db:"side"` // BUY, SELL, LEVERAGED:LONG:10x, CLOSE:LEV:LONG:10x, ...
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"` // EUR per unit
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	CashDelta decimal.Decimal `json:"cash_delta" db:"cash_delta"` // signed: -debit, +credit
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`   // position average after the fill
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Order sides for spot fills.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Rule states. A rule moves ARMED -> EVALUATING while a sweep holds it, then
// to DISARMED on success or back to ARMED when the close fails.
const (
	RuleArmed      = "ARMED"
	RuleEvaluating = "EVALUATING"
	RuleDisarmed   = "DISARMED"
)

// Quantity modes for a rule.
const (
	QtyModeAll  = "ALL"
	QtyModePart = "PART"
)

// Trigger reasons.
const (
	ReasonTP = "TP"
	ReasonSL = "SL"
)

// TpslRule is one take-profit / stop-loss order protecting a position.
type TpslRule struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	BaseSymbol  string           `json:"base_symbol" db:"base_symbol"`
	PositionSym string           `json:"position_sym" db:"position_sym"`
	Side        string           `json:"side" db:"side"` // LONG or SHORT
	QtyMode     string           `json:"qty_mode" db:"qty_mode"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty" db:"quantity"`
	TP          *decimal.Decimal `json:"tp,omitempty" db:"tp"`
	SL          *decimal.Decimal `json:"sl,omitempty" db:"sl"`
	State       string           `json:"state" db:"state"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// IsArmed reports whether the rule is waiting for its threshold.
func (r *TpslRule) IsArmed() bool {
	return r.State == RuleArmed
}

// TpslTrigger logs one firing of a rule.
type TpslTrigger struct {
	ID        string          `json:"id" db:"id"`
	RuleID    string          `json:"rule_id" db:"rule_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Reason    string          `json:"reason" db:"reason"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	OrderID   string          `json:"order_id" db:"order_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Settings is the singleton configuration row (id=1).
type Settings struct {
	TradingFeeBps int64 `json:"trading_fee_bps" db:"trading_fee_bps"`
}

// FeeRate returns the fee as a fraction (25 bps -> 0.0025).
func (s Settings) FeeRate() decimal.Decimal {
	if s.TradingFeeBps <= 0 {
		return decimal.Zero
	}
	return decimal.New(s.TradingFeeBps, -4)
}
