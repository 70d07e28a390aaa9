package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	err := s.CreateUser(context.Background(), &model.User{
		ID: "u1", Email: "a@example.com", Promo: "2025", Role: model.RoleUser,
		Cash: d(1000), StartingCash: d(1000), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestMemoryStore_TxCommit(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUser(ctx, "u1"); err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, "u1", d(-100)); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Symbol: "AAPL", Quantity: d(1), AvgPrice: d(100)}); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, &model.Order{ID: "o1", UserID: "u1", Symbol: "AAPL", CashDelta: d(-100), CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(900)) {
		t.Errorf("cash = %s, want 900", u.Cash)
	}
	if _, err := s.GetPosition(ctx, "p1"); err != nil {
		t.Errorf("position not committed: %v", err)
	}
	orders, _ := s.ListOrdersByUser(ctx, "u1", 0)
	if len(orders) != 1 {
		t.Errorf("expected 1 order, got %d", len(orders))
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		_ = tx.AdjustCash(ctx, "u1", d(-500))
		_ = tx.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Symbol: "AAPL", Quantity: d(1), AvgPrice: d(500)})
		_ = tx.InsertOrder(ctx, &model.Order{ID: "o1", UserID: "u1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := s.GetUser(ctx, "u1")
	if !u.Cash.Equal(d(1000)) {
		t.Errorf("cash = %s, want 1000 after rollback", u.Cash)
	}
	if _, err := s.GetPosition(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("position should not exist after rollback, got %v", err)
	}
	if orders, _ := s.ListOrdersByUser(ctx, "u1", 0); len(orders) != 0 {
		t.Errorf("orders should be empty after rollback, got %d", len(orders))
	}
}

func TestMemoryStore_PositionUniqueness(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Symbol: "AAPL::OPT:CALL", Quantity: d(1)}); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, &model.Position{ID: "p2", UserID: "u1", Symbol: "AAPL::OPT:CALL", Quantity: d(1)})
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_TransitionRule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateRule(ctx, &model.TpslRule{ID: "r1", UserID: "u1", State: model.RuleArmed, CreatedAt: time.Now()})

	ok, err := s.TransitionRule(ctx, "r1", model.RuleArmed, model.RuleEvaluating)
	if err != nil || !ok {
		t.Fatalf("first claim should succeed, got %v %v", ok, err)
	}
	ok, err = s.TransitionRule(ctx, "r1", model.RuleArmed, model.RuleEvaluating)
	if err != nil || ok {
		t.Errorf("second claim should be refused, got %v %v", ok, err)
	}
	if armed, _ := s.ListArmedRules(ctx); len(armed) != 0 {
		t.Errorf("no rule should be armed, got %d", len(armed))
	}
	if _, err := s.TransitionRule(ctx, "missing", model.RuleArmed, model.RuleDisarmed); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListOrdersSince(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_ = s.InTx(ctx, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			_ = tx.InsertOrder(ctx, &model.Order{ID: string(rune('a' + i)), UserID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		}
		return nil
	})

	orders, _ := s.ListOrdersSince(ctx, base.Add(time.Hour))
	if len(orders) != 2 || orders[0].ID != "b" {
		t.Errorf("unexpected orders %+v", orders)
	}
	latest, _ := s.ListOrdersByUser(ctx, "u1", 1)
	if len(latest) != 1 || latest[0].ID != "c" {
		t.Errorf("expected newest order first, got %+v", latest)
	}
}

func TestMemoryStore_ListUsersByPromo(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	_ = s.CreateUser(ctx, &model.User{ID: "u2", Email: "b@example.com", Promo: "2026", CreatedAt: time.Now()})

	if all, _ := s.ListUsers(ctx, ""); len(all) != 2 {
		t.Errorf("expected 2 users, got %d", len(all))
	}
	if promo, _ := s.ListUsers(ctx, "2026"); len(promo) != 1 || promo[0].ID != "u2" {
		t.Errorf("unexpected promo filter result %+v", promo)
	}
	if err := s.CreateUser(ctx, &model.User{ID: "u3", Email: "b@example.com"}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate email should conflict, got %v", err)
	}
}

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	primary := NewMemoryStore()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	if err := s.UpdateSettings(ctx, model.Settings{TradingFeeBps: 25}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TradingFeeBps != 25 {
		t.Errorf("fee bps = %d, want 25", got.TradingFeeBps)
	}
}

func TestCachedStore_LogsFailedInvalidation(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	if err := s.UpdateSettings(context.Background(), model.Settings{TradingFeeBps: 40}); err != nil {
		t.Fatalf("update must succeed when only the cache is down: %v", err)
	}
	if !strings.Contains(buf.String(), "settings cache invalidation failed") {
		t.Errorf("expected a warning for the failed invalidation, got %q", buf.String())
	}
}
