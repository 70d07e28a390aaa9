package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on boot. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
  id            TEXT PRIMARY KEY,
  email         TEXT NOT NULL UNIQUE,
  promo         TEXT NOT NULL DEFAULT '',
  role          TEXT NOT NULL DEFAULT 'user',
  cash          NUMERIC(20,6) NOT NULL,
  starting_cash NUMERIC(20,6) NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS users_promo_idx ON users (promo);

CREATE TABLE IF NOT EXISTS positions (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  symbol     TEXT NOT NULL,
  quantity   NUMERIC(28,10) NOT NULL CHECK (quantity > 0),
  avg_price  NUMERIC(28,10) NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  symbol     TEXT NOT NULL,
  side       TEXT NOT NULL,
  quantity   NUMERIC(28,10) NOT NULL,
  price      NUMERIC(28,10) NOT NULL,
  fee        NUMERIC(20,6) NOT NULL DEFAULT 0,
  cash_delta NUMERIC(20,6) NOT NULL DEFAULT 0,
  avg_price  NUMERIC(28,10) NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_created_idx ON orders (created_at);

CREATE TABLE IF NOT EXISTS tpsl_rules (
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  base_symbol  TEXT NOT NULL,
  position_sym TEXT NOT NULL,
  side         TEXT NOT NULL,
  qty_mode     TEXT NOT NULL,
  quantity     NUMERIC(28,10),
  tp           NUMERIC(28,10),
  sl           NUMERIC(28,10),
  state        TEXT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tpsl_rules_state_idx ON tpsl_rules (state);

CREATE TABLE IF NOT EXISTS tpsl_triggers (
  id         TEXT PRIMARY KEY,
  rule_id    TEXT NOT NULL REFERENCES tpsl_rules(id),
  price      NUMERIC(28,10) NOT NULL,
  reason     TEXT NOT NULL,
  quantity   NUMERIC(28,10) NOT NULL,
  order_id   TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
  id              INTEGER PRIMARY KEY CHECK (id = 1),
  trading_fee_bps BIGINT NOT NULL DEFAULT 0 CHECK (trading_fee_bps >= 0)
);
INSERT INTO settings (id, trading_fee_bps) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
