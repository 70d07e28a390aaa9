// Package risk implements take-profit / stop-loss rules. A rule is armed on
// one position and evaluated against the live base price on every sweep;
// when its threshold is crossed the position is closed through the trade
// service and the rule is disarmed in the same transaction.
//
// Rule lifecycle:
//
//	ARMED -> EVALUATING -> DISARMED   (close committed)
//	           |
//	           +-------> ARMED        (close failed, retried next sweep)
//
// The EVALUATING claim is a compare-and-swap, so overlapping sweeps never
// fire the same rule twice.
package risk

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
	"github.com/ecolebourse/plus-engine/internal/quote"
	"github.com/ecolebourse/plus-engine/internal/store"
	"github.com/ecolebourse/plus-engine/internal/symbol"
	"github.com/ecolebourse/plus-engine/internal/trade"
)

// Executor is the part of the trade service the engine closes positions with.
type Executor interface {
	Close(ctx context.Context, req trade.CloseRequest) (*trade.CloseResult, error)
	Spot(ctx context.Context, caller identity.Identity, req trade.SpotRequest) (*trade.SpotResult, error)
}

// errRuleChanged aborts a close whose rule left EVALUATING while the close
// was in flight (a concurrent disarm won).
var errRuleChanged = errors.New("risk: rule state changed during close")

// Engine arms, disarms and sweeps rules.
type Engine struct {
	store       store.Store
	prices      quote.EURPricer
	exec        Executor
	pub         trade.Publisher // optional
	concurrency int
	now         func() time.Time
}

// NewEngine creates a risk engine. concurrency bounds parallel quote
// fetches during a sweep. Pass nil for pub if live push is not needed.
func NewEngine(st store.Store, prices quote.EURPricer, exec Executor, pub trade.Publisher, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:       st,
		prices:      prices,
		exec:        exec,
		pub:         pub,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// --- Arm / Disarm ---

// ArmRequest protects one position. Either PositionSym or PositionID
// identifies it; PositionID wins when both are set.
type ArmRequest struct {
	UserID      string           `json:"-"`
	PositionSym string           `json:"position_sym"`
	PositionID  string           `json:"position_id,omitempty"`
	TP          *decimal.Decimal `json:"tp,omitempty"`
	SL          *decimal.Decimal `json:"sl,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"` // nil protects the whole position
}

// Arm creates an armed rule. The rule side follows the instrument's profit
// direction: LONG for leveraged longs, calls and spot; SHORT for leveraged
// shorts and puts.
func (e *Engine) Arm(ctx context.Context, req ArmRequest) (*model.TpslRule, error) {
	if req.TP == nil && req.SL == nil {
		return nil, apperr.New(apperr.TpslRequired, "tp or sl is required")
	}
	for name, v := range map[string]*decimal.Decimal{"tp": req.TP, "sl": req.SL} {
		if v != nil && !v.IsPositive() {
			return nil, apperr.New(apperr.InvalidRequest, name+" must be positive")
		}
	}
	if req.Quantity != nil && !req.Quantity.IsPositive() {
		return nil, apperr.New(apperr.QuantityInvalid, "quantity must be positive")
	}

	pos, err := e.findPosition(ctx, req)
	if err != nil {
		return nil, err
	}
	inst := symbol.Decode(pos.Symbol)

	side := symbol.Long
	if inst.Direction() < 0 {
		side = symbol.Short
	}
	mode := model.QtyModeAll
	if req.Quantity != nil {
		mode = model.QtyModePart
	}

	now := e.now()
	rule := &model.TpslRule{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		BaseSymbol:  inst.Base,
		PositionSym: pos.Symbol,
		Side:        side,
		QtyMode:     mode,
		Quantity:    req.Quantity,
		TP:          req.TP,
		SL:          req.SL,
		State:       model.RuleArmed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}

	slog.Info("tpsl rule armed",
		"rule_id", rule.ID,
		"user", rule.UserID,
		"position", rule.PositionSym,
		"side", side,
		"tp", decimalOrNil(rule.TP),
		"sl", decimalOrNil(rule.SL),
		"qty_mode", mode,
	)
	return rule, nil
}

func (e *Engine) findPosition(ctx context.Context, req ArmRequest) (*model.Position, error) {
	if req.PositionID != "" {
		pos, err := e.store.GetPosition(ctx, req.PositionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && pos.UserID != req.UserID) {
			return nil, apperr.New(apperr.PositionNotFound, "position "+req.PositionID+" not found")
		}
		return pos, err
	}

	key := symbol.Encode(symbol.Decode(req.PositionSym))
	if key == "" {
		return nil, apperr.New(apperr.SymbolRequired, "position_sym or position_id is required")
	}
	positions, err := e.store.ListPositions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == key {
			return &positions[i], nil
		}
	}
	return nil, apperr.New(apperr.PositionNotFound, "no position "+key)
}

// Disarm stops a rule. Disarming a rule that is already disarmed is a
// no-op. A rule claimed by an in-flight sweep is disarmed too; that sweep's
// close then rolls back.
func (e *Engine) Disarm(ctx context.Context, userID, ruleID string) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rule.UserID != userID) {
		return apperr.New(apperr.RuleNotFound, "rule "+ruleID+" not found")
	}
	if err != nil {
		return err
	}

	// The state can bounce EVALUATING -> ARMED between attempts.
	for attempt := 0; attempt < 3; attempt++ {
		for _, from := range []string{model.RuleArmed, model.RuleEvaluating} {
			ok, err := e.store.TransitionRule(ctx, ruleID, from, model.RuleDisarmed)
			if err != nil {
				return fmt.Errorf("disarm rule: %w", err)
			}
			if ok {
				slog.Info("tpsl rule disarmed", "rule_id", ruleID, "user", userID, "from", from)
				return nil
			}
		}
		cur, err := e.store.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if cur.State == model.RuleDisarmed {
			return nil
		}
	}
	return fmt.Errorf("disarm rule %s: state kept changing", ruleID)
}

// --- Evaluation ---

// Evaluate reports whether px crosses one of the rule's thresholds. For a
// LONG rule TP fires at px >= tp and SL at px <= sl; SHORT mirrors both.
// TP is checked first.
func Evaluate(rule model.TpslRule, px decimal.Decimal) (reason string, hit bool) {
	short := rule.Side == symbol.Short
	if rule.TP != nil {
		if (!short && px.GreaterThanOrEqual(*rule.TP)) || (short && px.LessThanOrEqual(*rule.TP)) {
			return model.ReasonTP, true
		}
	}
	if rule.SL != nil {
		if (!short && px.LessThanOrEqual(*rule.SL)) || (short && px.GreaterThanOrEqual(*rule.SL)) {
			return model.ReasonSL, true
		}
	}
	return "", false
}

// Fired describes one rule that closed its position during a sweep.
type Fired struct {
	RuleID    string          `json:"rule_id"`
	UserID    string          `json:"user_id"`
	Reason    string          `json:"reason"`
	OrderID   string          `json:"order_id"`
	ClosedQty decimal.Decimal `json:"closed_qty"`
	PriceEUR  decimal.Decimal `json:"price_eur"`
}

// Sweep evaluates every armed rule once. Base prices are fetched
// concurrently; rules are then fired one at a time. A failing rule is
// logged and re-armed without stopping the sweep.
func (e *Engine) Sweep(ctx context.Context) ([]Fired, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	rules, err := e.store.ListArmedRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list armed rules: %w", err)
	}
	metrics.ArmedRules.Set(float64(len(rules)))
	if len(rules) == 0 {
		return nil, nil
	}

	bases := make([]string, 0, len(rules))
	seen := make(map[string]bool)
	for _, r := range rules {
		if !seen[r.BaseSymbol] {
			seen[r.BaseSymbol] = true
			bases = append(bases, r.BaseSymbol)
		}
	}
	prices, failed := quote.PriceAll(ctx, e.prices, bases, e.concurrency)
	for sym, err := range failed {
		slog.Warn("tpsl quote unavailable", "symbol", sym, "err", err)
	}

	var fired []Fired
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		q, ok := prices[rule.BaseSymbol]
		if !ok {
			continue
		}
		reason, hit := Evaluate(rule, q.PriceEUR)
		if !hit {
			continue
		}
		f, err := e.fire(ctx, rule, reason, q.PriceEUR)
		if err != nil {
			slog.Warn("tpsl close failed, rule re-armed",
				"rule_id", rule.ID,
				"user", rule.UserID,
				"reason", reason,
				"err", err,
			)
			continue
		}
		if f != nil {
			fired = append(fired, *f)
		}
	}

	if len(fired) > 0 {
		slog.Info("tpsl sweep fired rules", "armed", len(rules), "fired", len(fired))
	}
	return fired, nil
}

// fire claims the rule and closes its position. It returns nil, nil when
// the rule was claimed elsewhere or its position no longer exists.
func (e *Engine) fire(ctx context.Context, rule model.TpslRule, reason string, px decimal.Decimal) (*Fired, error) {
	claimed, err := e.store.TransitionRule(ctx, rule.ID, model.RuleArmed, model.RuleEvaluating)
	if err != nil {
		return nil, fmt.Errorf("claim rule: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	pos, err := e.positionOf(ctx, rule)
	if err != nil {
		e.rearm(ctx, rule.ID)
		return nil, err
	}
	if pos == nil {
		if _, err := e.store.TransitionRule(ctx, rule.ID, model.RuleEvaluating, model.RuleDisarmed); err != nil {
			return nil, fmt.Errorf("disarm orphaned rule: %w", err)
		}
		slog.Info("tpsl rule disarmed, position gone", "rule_id", rule.ID, "position", rule.PositionSym)
		return nil, nil
	}

	qty := pos.Quantity
	if rule.QtyMode == model.QtyModePart && rule.Quantity != nil && rule.Quantity.LessThan(pos.Quantity) {
		qty = *rule.Quantity
	}

	out := &Fired{RuleID: rule.ID, UserID: rule.UserID, Reason: reason, PriceEUR: px}
	logTrigger := func(ctx context.Context, tx store.Tx, orderID string, closed decimal.Decimal) error {
		ok, err := tx.TransitionRule(ctx, rule.ID, model.RuleEvaluating, model.RuleDisarmed)
		if err != nil {
			return err
		}
		if !ok {
			return errRuleChanged
		}
		out.OrderID = orderID
		out.ClosedQty = closed
		return tx.InsertTrigger(ctx, &model.TpslTrigger{
			ID:        uuid.New().String(),
			RuleID:    rule.ID,
			Price:     px,
			Reason:    reason,
			Quantity:  closed,
			OrderID:   orderID,
			CreatedAt: e.now(),
		})
	}

	if symbol.Decode(pos.Symbol).IsSynthetic() {
		_, err = e.exec.Close(ctx, trade.CloseRequest{
			UserID:     rule.UserID,
			PositionID: pos.ID,
			Quantity:   &qty,
			Within: func(ctx context.Context, tx store.Tx, res *trade.CloseResult) error {
				return logTrigger(ctx, tx, res.OrderID, res.ClosedQty)
			},
		})
	} else {
		_, err = e.exec.Spot(ctx, identity.Identity{UserID: rule.UserID, Role: model.RoleUser}, trade.SpotRequest{
			Symbol:   pos.Symbol,
			Side:     model.SideSell,
			Quantity: qty,
			Within: func(ctx context.Context, tx store.Tx, res *trade.SpotResult) error {
				return logTrigger(ctx, tx, res.OrderID, res.Quantity)
			},
		})
	}
	if errors.Is(err, errRuleChanged) {
		slog.Info("tpsl rule disarmed during close", "rule_id", rule.ID)
		return nil, nil
	}
	if err != nil {
		e.rearm(ctx, rule.ID)
		metrics.TpslFailures.Inc()
		return nil, err
	}

	metrics.TpslTriggers.WithLabelValues(reason).Inc()
	slog.Info("tpsl rule triggered",
		"rule_id", rule.ID,
		"user", rule.UserID,
		"position", rule.PositionSym,
		"reason", reason,
		"price", px.String(),
		"qty", out.ClosedQty.String(),
		"order_id", out.OrderID,
	)
	if e.pub != nil {
		e.pub.Publish(rule.UserID, trade.Event{
			Type:     trade.EventTpslTriggered,
			OrderID:  out.OrderID,
			Symbol:   rule.PositionSym,
			Quantity: out.ClosedQty.String(),
			Price:    px.String(),
			RuleID:   rule.ID,
			Reason:   reason,
			At:       e.now(),
		})
	}
	return out, nil
}

// positionOf returns the position a rule protects, or nil when it is gone.
func (e *Engine) positionOf(ctx context.Context, rule model.TpslRule) (*model.Position, error) {
	positions, err := e.store.ListPositions(ctx, rule.UserID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == rule.PositionSym {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) rearm(ctx context.Context, ruleID string) {
	if _, err := e.store.TransitionRule(ctx, ruleID, model.RuleEvaluating, model.RuleArmed); err != nil {
		slog.Error("tpsl re-arm failed", "rule_id", ruleID, "err", err)
	}
}

// --- Queries ---

// Rules returns the rules of a user, newest first.
func (e *Engine) Rules(ctx context.Context, userID string) ([]model.TpslRule, error) {
	return e.store.ListRulesByUser(ctx, userID)
}

// RuleDetail is a rule with its trigger log.
type RuleDetail struct {
	model.TpslRule
	Triggers []model.TpslTrigger `json:"triggers"`
}

// Rule returns one rule of userID with its triggers.
func (e *Engine) Rule(ctx context.Context, userID, ruleID string) (*RuleDetail, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rule.UserID != userID) {
		return nil, apperr.New(apperr.RuleNotFound, "rule "+ruleID+" not found")
	}
	if err != nil {
		return nil, err
	}
	triggers, err := e.store.ListTriggers(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if triggers == nil {
		triggers = []model.TpslTrigger{}
	}
	return &RuleDetail{TpslRule: *rule, Triggers: triggers}, nil
}

func decimalOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
