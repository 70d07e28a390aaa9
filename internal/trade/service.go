// Package trade executes fills against the position ledger: opening and
// closing leveraged/option positions, plain spot orders, and the portfolio
// view. Every fill debits or credits cash, adjusts the position and appends
// one order row inside a single transaction.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/metrics"
	"github.com/ecolebourse/plus-engine/internal/model"
	"github.com/ecolebourse/plus-engine/internal/pnl"
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/symbol"
)

// Publisher pushes events to a user's live connections.
type Publisher interface {
	Publish(userID string, ev Event)
}

// Options holds the instrument policy.
type Options struct {
	OptionPremiumRate decimal.Decimal // fraction of notional debited at option open
	MaxLeverage       int             // capped at symbol.MaxLeverage
}

// DefaultOptions returns a 5% option premium and the codec's leverage cap.
func DefaultOptions() Options {
	return Options{
		OptionPremiumRate: decimal.New(5, -2),
		MaxLeverage:       symbol.MaxLeverage,
	}
}

// Service executes orders. Concurrent fills for the same user serialize on
// the user row lock taken at the start of each transaction.
type Service struct {
	store  store.Store
	prices quote.EURPricer
	pub    Publisher // optional
	opts   Options
	now    func() time.Time
}

// NewService creates a new trade service.
// Pass nil for pub if live push is not needed.
func NewService(st store.Store, prices quote.EURPricer, pub Publisher, opts Options) *Service {
	if opts.MaxLeverage < symbol.MinLeverage || opts.MaxLeverage > symbol.MaxLeverage {
		opts.MaxLeverage = symbol.MaxLeverage
	}
	if !opts.OptionPremiumRate.IsPositive() {
		opts.OptionPremiumRate = DefaultOptions().OptionPremiumRate
	}
	return &Service{
		store:  st,
		prices: prices,
		pub:    pub,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// --- Open ---

// OpenRequest opens or adds to a leveraged or option position.
type OpenRequest struct {
	Symbol   string          `json:"symbol"`
	Kind     string          `json:"kind"` // LEVERAGED or OPTION
	Side     string          `json:"side"` // LONG/SHORT or CALL/PUT
	Quantity decimal.Decimal `json:"quantity"`
	Leverage int             `json:"leverage,omitempty"`
}

// OpenResult is returned by Open.
type OpenResult struct {
	OrderID         string            `json:"order_id"`
	PositionID      string            `json:"position_id"`
	Symbol          string            `json:"symbol"`
	Instrument      symbol.Instrument `json:"instrument"`
	Quantity        decimal.Decimal   `json:"quantity"`
	EntryPrice      decimal.Decimal   `json:"entry_price_eur"`
	MarginOrPremium decimal.Decimal   `json:"margin_or_premium_eur"`
	Fee             decimal.Decimal   `json:"fee_eur"`
	CashAfter       decimal.Decimal   `json:"cash_after"`
}

// parseKind accepts the full kind name or its short tag.
func parseKind(s string) (symbol.Kind, bool) {
	switch symbol.NormalizeBase(s) {
	case "LEVERAGED", "LEV":
		return symbol.Leveraged, true
	case "OPTION", "OPT":
		return symbol.Option, true
	}
	return "", false
}

// Open debits margin (leveraged) or premium (option) plus fee and adds the
// quantity to the position at the live EUR price. Admins skip the cash check.
func (s *Service) Open(ctx context.Context, caller identity.Identity, req OpenRequest) (*OpenResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("open").Observe(time.Since(start).Seconds()) }()

	if symbol.NormalizeBase(req.Symbol) == "" {
		return nil, apperr.New(apperr.SymbolRequired, "symbol is required")
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		return nil, apperr.New(apperr.ModeInvalid, fmt.Sprintf("kind %q must be LEVERAGED or OPTION", req.Kind))
	}
	lev := req.Leverage
	if kind == symbol.Leveraged && lev > s.opts.MaxLeverage {
		lev = s.opts.MaxLeverage
	}
	inst, err := symbol.New(req.Symbol, kind, req.Side, lev)
	if err != nil {
		return nil, instrumentErr(err)
	}
	if !req.Quantity.IsPositive() {
		return nil, apperr.New(apperr.QuantityInvalid, "quantity must be positive")
	}

	q, err := s.prices.PriceEUR(ctx, inst.Base)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	price := q.PriceEUR
	notional := price.Mul(req.Quantity)
	var charge decimal.Decimal
	if kind == symbol.Leveraged {
		charge = notional.Div(decimal.NewFromInt(int64(inst.Leverage)))
	} else {
		charge = notional.Mul(s.opts.OptionPremiumRate)
	}
	// Leveraged fees apply to the full notional, option fees to the premium.
	feeBase := notional
	if kind == symbol.Option {
		feeBase = charge
	}
	fee := feeBase.Mul(settings.FeeRate())
	required := charge.Add(fee)

	key := symbol.Encode(inst)
	res := &OpenResult{
		OrderID:         uuid.New().String(),
		Symbol:          key,
		Instrument:      inst,
		Quantity:        req.Quantity,
		EntryPrice:      price,
		MarginOrPremium: charge,
		Fee:             fee,
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := lockUser(ctx, tx, caller.UserID)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && user.Cash.LessThan(required) {
			return apperr.New(apperr.InsufficientCash,
				fmt.Sprintf("required %s EUR, available %s EUR", required.StringFixed(2), user.Cash.StringFixed(2)))
		}
		if err := tx.AdjustCash(ctx, user.ID, required.Neg()); err != nil {
			return err
		}
		res.CashAfter = user.Cash.Sub(required)

		pos, err := s.accumulate(ctx, tx, user.ID, key, req.Quantity, price)
		if err != nil {
			return err
		}
		res.PositionID = pos.ID

		return tx.InsertOrder(ctx, &model.Order{
			ID:        res.OrderID,
			UserID:    user.ID,
			Symbol:    key,
			Side:      string(kind) + ":" + sideTag(inst),
			Quantity:  req.Quantity,
			Price:     price,
			Fee:       fee,
			CashDelta: required.Neg(),
			AvgPrice:  pos.AvgPrice,
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(kind), "OPEN").Inc()
	slog.Info("plus position opened",
		"order_id", res.OrderID,
		"user", caller.UserID,
		"symbol", key,
		"qty", req.Quantity.String(),
		"price", price.String(),
		"charge", charge.String(),
		"fee", fee.String(),
		"admin_override", caller.IsAdmin(),
	)
	s.publish(caller.UserID, Event{
		Type:      EventOrderFilled,
		OrderID:   res.OrderID,
		Symbol:    key,
		Side:      "OPEN",
		Quantity:  req.Quantity.String(),
		Price:     price.String(),
		CashDelta: required.Neg().String(),
	})
	return res, nil
}

// sideTag renders "LONG:10x" or "CALL" for order side tags.
func sideTag(inst symbol.Instrument) string {
	if inst.Kind == symbol.Leveraged {
		return fmt.Sprintf("%s:%dx", inst.Side, inst.Leverage)
	}
	return inst.Side
}

// accumulate adds qty at price to the position under key, creating it when
// absent. The average price is volume weighted.
func (s *Service) accumulate(ctx context.Context, tx store.Tx, userID, key string, qty, price decimal.Decimal) (*model.Position, error) {
	now := s.now()
	pos, err := tx.GetPositionBySymbol(ctx, userID, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			ID:        uuid.New().String(),
			UserID:    userID,
			Symbol:    key,
			Quantity:  qty,
			AvgPrice:  price,
			CreatedAt: now,
		}
	case err != nil:
		return nil, err
	default:
		newQty := pos.Quantity.Add(qty)
		pos.AvgPrice = pos.Quantity.Mul(pos.AvgPrice).Add(qty.Mul(price)).Div(newQty)
		pos.Quantity = newQty
	}
	pos.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// --- Close ---

// CloseRequest closes all or part of a leveraged or option position.
type CloseRequest struct {
	UserID     string
	PositionID string
	Quantity   *decimal.Decimal // nil closes everything

	// Within, when set, runs inside the close transaction after the order is
	// written. An error rolls the whole close back.
	Within func(ctx context.Context, tx store.Tx, res *CloseResult) error
}

// CloseResult is returned by Close.
type CloseResult struct {
	OrderID      string            `json:"order_id"`
	PositionID   string            `json:"position_id"`
	Symbol       string            `json:"symbol"`
	Instrument   symbol.Instrument `json:"instrument"`
	ClosedQty    decimal.Decimal   `json:"closed_qty"`
	RemainingQty decimal.Decimal   `json:"remaining_qty"`
	Price        decimal.Decimal   `json:"price_eur"`
	PnL          decimal.Decimal   `json:"pnl_eur"`
	Fee          decimal.Decimal   `json:"fee_eur"`
	CashCredited decimal.Decimal   `json:"cash_credited_eur"`
}

// Close liquidates quantity (default all) of a synthetic position at the
// live price. Leveraged: margin released + pnl - fee on exit notional.
// Option: intrinsic - fee on intrinsic. Credits are floored at zero. The
// average price of a partially closed position is unchanged.
func (s *Service) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.WithLabelValues("close").Observe(time.Since(start).Seconds()) }()

	pos, err := s.store.GetPosition(ctx, req.PositionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && pos.UserID != req.UserID) {
		return nil, apperr.New(apperr.PositionNotFound, "position "+req.PositionID+" not found")
	}
	if err != nil {
		return nil, err
	}
	inst := symbol.Decode(pos.Symbol)
	if !inst.IsSynthetic() {
		return nil, apperr.New(apperr.NotAPlusPosition, pos.Symbol+" is a spot holding")
	}
	if req.Quantity != nil && !req.Quantity.IsPositive() {
		return nil, apperr.New(apperr.QuantityInvalid, "quantity must be positive")
	}

	q, err := s.prices.PriceEUR(ctx, inst.Base)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	price := q.PriceEUR

	res := &CloseResult{
		OrderID:    uuid.New().String(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Instrument: inst,
		Price:      price,
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := lockUser(ctx, tx, req.UserID); err != nil {
			return err
		}
		// Re-read under lock: a concurrent close may have reduced or removed it.
		cur, err := tx.GetPosition(ctx, req.PositionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && (cur.UserID != req.UserID || cur.Symbol != pos.Symbol)) {
			return apperr.New(apperr.PositionNotFound, "position "+req.PositionID+" not found")
		}
		if err != nil {
			return err
		}

		qty := cur.Quantity
		if req.Quantity != nil {
			if req.Quantity.GreaterThan(cur.Quantity) {
				return apperr.New(apperr.QuantityInvalid,
					fmt.Sprintf("quantity %s exceeds position %s", req.Quantity, cur.Quantity))
			}
			qty = *req.Quantity
		}

		r := pnl.Compute(pnl.Snapshot{Instrument: inst, Quantity: qty, AvgPrice: cur.AvgPrice}, price)
		if !r.Valid {
			return fmt.Errorf("close %s: position cannot be valued", cur.ID)
		}

		var gross, fee decimal.Decimal
		if inst.Kind == symbol.Leveraged {
			gross = r.Margin.Add(r.PnL)
			fee = price.Mul(qty).Mul(settings.FeeRate())
		} else {
			gross = r.PnL
			fee = r.PnL.Mul(settings.FeeRate())
		}
		credit := gross.Sub(fee)
		if credit.IsNegative() {
			credit = decimal.Zero
		}

		if credit.IsPositive() {
			if err := tx.AdjustCash(ctx, req.UserID, credit); err != nil {
				return err
			}
		}

		remaining := cur.Quantity.Sub(qty)
		if remaining.IsPositive() {
			cur.Quantity = remaining
			cur.UpdatedAt = s.now()
			if err := tx.UpsertPosition(ctx, cur); err != nil {
				return err
			}
		} else if err := tx.DeletePosition(ctx, cur.ID); err != nil {
			return err
		}

		res.ClosedQty = qty
		res.RemainingQty = remaining
		res.PnL = r.PnL
		res.Fee = fee
		res.CashCredited = credit

		if err := tx.InsertOrder(ctx, &model.Order{
			ID:        res.OrderID,
			UserID:    req.UserID,
			Symbol:    cur.Symbol,
			Side:      "CLOSE:" + inst.Tag(),
			Quantity:  qty,
			Price:     price,
			Fee:       fee,
			CashDelta: credit,
			AvgPrice:  cur.AvgPrice,
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

	metrics.OrdersTotal.WithLabelValues(string(inst.Kind), "CLOSE").Inc()
	slog.Info("plus position closed",
		"order_id", res.OrderID,
		"user", req.UserID,
		"symbol", res.Symbol,
		"qty", res.ClosedQty.String(),
		"price", price.String(),
		"pnl", res.PnL.String(),
		"credit", res.CashCredited.String(),
	)
	s.publish(req.UserID, Event{
		Type:      EventPositionClosed,
		OrderID:   res.OrderID,
		Symbol:    res.Symbol,
		Side:      "CLOSE",
		Quantity:  res.ClosedQty.String(),
		Price:     price.String(),
		CashDelta: res.CashCredited.String(),
	})
	return res, nil
}

// --- Helpers ---

func lockUser(ctx context.Context, tx store.Tx, userID string) (*model.User, error) {
	user, err := tx.LockUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.UserNotFound, "user "+userID+" not found")
	}
	return user, err
}

func instrumentErr(err error) error {
	switch {
	case errors.Is(err, symbol.ErrEmptyBase), errors.Is(err, symbol.ErrInvalidBase):
		return apperr.New(apperr.SymbolRequired, err.Error())
	case errors.Is(err, symbol.ErrInvalidSide):
		return apperr.New(apperr.SideInvalid, err.Error())
	case errors.Is(err, symbol.ErrInvalidKind):
		return apperr.New(apperr.ModeInvalid, err.Error())
	default:
		return err
	}
}

func (s *Service) publish(userID string, ev Event) {
	if s.pub == nil {
		return
	}
	ev.At = s.now()
	s.pub.Publish(userID, ev)
}
