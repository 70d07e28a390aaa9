package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	userColumns = `id, email, promo, role, cash::TEXT, starting_cash::TEXT, created_at`

	positionColumns = `id, user_id, symbol, quantity::TEXT, avg_price::TEXT, created_at, updated_at`

	orderColumns = `id, user_id, symbol, side, quantity::TEXT, price::TEXT, fee::TEXT, cash_delta::TEXT, avg_price::TEXT, created_at`

	ruleColumns = `id, user_id, base_symbol, position_sym, side, qty_mode,
	               quantity::TEXT, tp::TEXT, sl::TEXT, state, created_at, updated_at`
)

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, promo, role, cash, starting_cash, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		u.ID, u.Email, u.Promo, u.Role, u.Cash.String(), u.StartingCash.String(), u.CreatedAt,
	)
	return mapErr(err, "create user "+u.ID)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "get user "+id)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, promo string) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE $1 = '' OR promo = $1
		 ORDER BY created_at`, promo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, `WHERE user_id = $1 ORDER BY symbol`, userID)
}

func (s *PostgresStore) ListAllPositions(ctx context.Context) ([]model.Position, error) {
	return listPositions(ctx, s.pool, `ORDER BY user_id, symbol`)
}

// --- Orders ---

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersSince(ctx context.Context, since time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Rules ---

func (s *PostgresStore) CreateRule(ctx context.Context, r *model.TpslRule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tpsl_rules (id, user_id, base_symbol, position_sym, side, qty_mode,
		                         quantity, tp, sl, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		r.ID, r.UserID, r.BaseSymbol, r.PositionSym, r.Side, r.QtyMode,
		nullableDecimal(r.Quantity), nullableDecimal(r.TP), nullableDecimal(r.SL),
		r.State, r.CreatedAt, r.UpdatedAt,
	)
	return mapErr(err, "create rule "+r.ID)
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*model.TpslRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM tpsl_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, mapErr(err, "get rule "+id)
	}
	return r, nil
}

func (s *PostgresStore) ListArmedRules(ctx context.Context) ([]model.TpslRule, error) {
	return listRules(ctx, s.pool, `WHERE state = $1 ORDER BY created_at`, model.RuleArmed)
}

func (s *PostgresStore) ListRulesByUser(ctx context.Context, userID string) ([]model.TpslRule, error) {
	return listRules(ctx, s.pool, `WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) TransitionRule(ctx context.Context, id, from, to string) (bool, error) {
	return transitionRule(ctx, s.pool, id, from, to)
}

func (s *PostgresStore) ListTriggers(ctx context.Context, ruleID string) ([]model.TpslTrigger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, price::TEXT, reason, quantity::TEXT, order_id, created_at
		 FROM tpsl_triggers WHERE rule_id = $1 ORDER BY created_at`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []model.TpslTrigger
	for rows.Next() {
		var t model.TpslTrigger
		var priceS, qtyS string
		if err := rows.Scan(&t.ID, &t.RuleID, &priceS, &t.Reason, &qtyS, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		t.Quantity, _ = decimal.NewFromString(qtyS)
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (model.Settings, error) {
	var settings model.Settings
	err := s.pool.QueryRow(ctx, `SELECT trading_fee_bps FROM settings WHERE id = 1`).
		Scan(&settings.TradingFeeBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings, nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, settings model.Settings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (id, trading_fee_bps) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET trading_fee_bps = EXCLUDED.trading_fee_bps`,
		settings.TradingFeeBps)
	return err
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, mapErr(err, "lock user "+id)
	}
	return u, nil
}

func (t *pgTx) AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET cash = cash + $2::NUMERIC WHERE id = $1`, userID, delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust cash %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, t.tx, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) GetPositionBySymbol(ctx context.Context, userID, symbol string) (*model.Position, error) {
	return getPosition(ctx, t.tx, `WHERE user_id = $1 AND symbol = $2 FOR UPDATE`, userID, symbol)
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, quantity, avg_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Symbol, p.Quantity.String(), p.AvgPrice.String(), p.CreatedAt, p.UpdatedAt,
	)
	return mapErr(err, "upsert position "+p.ID)
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, quantity, price, fee, cash_delta, avg_price, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		o.ID, o.UserID, o.Symbol, o.Side,
		o.Quantity.String(), o.Price.String(), o.Fee.String(), o.CashDelta.String(), o.AvgPrice.String(),
		o.CreatedAt,
	)
	return mapErr(err, "insert order "+o.ID)
}

func (t *pgTx) InsertTrigger(ctx context.Context, tr *model.TpslTrigger) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO tpsl_triggers (id, rule_id, price, reason, quantity, order_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)`,
		tr.ID, tr.RuleID, tr.Price.String(), tr.Reason, tr.Quantity.String(), tr.OrderID, tr.CreatedAt,
	)
	return mapErr(err, "insert trigger "+tr.ID)
}

func (t *pgTx) TransitionRule(ctx context.Context, id, from, to string) (bool, error) {
	return transitionRule(ctx, t.tx, id, from, to)
}

// --- Shared query helpers ---

func transitionRule(ctx context.Context, q querier, id, from, to string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE tpsl_rules SET state = $3, updated_at = now()
		 WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tpsl_rules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func getPosition(ctx context.Context, q querier, where string, args ...any) (*model.Position, error) {
	row := q.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions `+where, args...)
	p, err := scanPosition(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("get position %v", args))
	}
	return p, nil
}

func listPositions(ctx context.Context, q querier, tail string, args ...any) ([]model.Position, error) {
	rows, err := q.Query(ctx, `SELECT `+positionColumns+` FROM positions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func listRules(ctx context.Context, q querier, tail string, args ...any) ([]model.TpslRule, error) {
	rows, err := q.Query(ctx, `SELECT `+ruleColumns+` FROM tpsl_rules `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.TpslRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var cashS, startS string
	if err := row.Scan(&u.ID, &u.Email, &u.Promo, &u.Role, &cashS, &startS, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Cash, _ = decimal.NewFromString(cashS)
	u.StartingCash, _ = decimal.NewFromString(startS)
	return &u, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var qtyS, avgS string
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &qtyS, &avgS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.AvgPrice, _ = decimal.NewFromString(avgS)
	return &p, nil
}

func scanRule(row rowScanner) (*model.TpslRule, error) {
	var r model.TpslRule
	var qtyS, tpS, slS *string
	if err := row.Scan(&r.ID, &r.UserID, &r.BaseSymbol, &r.PositionSym, &r.Side, &r.QtyMode,
		&qtyS, &tpS, &slS, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Quantity = parseNullable(qtyS)
	r.TP = parseNullable(tpS)
	r.SL = parseNullable(slS)
	return &r, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qtyS, priceS, feeS, deltaS, avgS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side,
			&qtyS, &priceS, &feeS, &deltaS, &avgS, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qtyS)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Fee, _ = decimal.NewFromString(feeS)
		o.CashDelta, _ = decimal.NewFromString(deltaS)
		o.AvgPrice, _ = decimal.NewFromString(avgS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNullable(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

// mapErr translates pgx errors into store sentinels.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
