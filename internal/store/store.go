// Package store defines the persistence interface for the plus engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for settings), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned on a uniqueness violation.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for settings.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users, filtered by promo when promo is non-empty.
	ListUsers(ctx context.Context, promo string) ([]model.User, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns the holdings of one user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListAllPositions returns every holding, for the leaderboard.
	ListAllPositions(ctx context.Context) ([]model.Position, error)

	// --- Immutable order log ---

	// ListOrdersByUser returns the most recent orders of a user, newest first.
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]model.Order, error)

	// ListOrdersSince returns every order created at or after since, oldest first.
	ListOrdersSince(ctx context.Context, since time.Time) ([]model.Order, error)

	// --- TP/SL rules ---

	// CreateRule persists a new armed rule.
	CreateRule(ctx context.Context, r *model.TpslRule) error

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, id string) (*model.TpslRule, error)

	// ListArmedRules returns every rule in the ARMED state.
	ListArmedRules(ctx context.Context) ([]model.TpslRule, error)

	// ListRulesByUser returns the rules of a user, newest first.
	ListRulesByUser(ctx context.Context, userID string) ([]model.TpslRule, error)

	// TransitionRule moves a rule from one state to another. It reports
	// false without error when the rule is not in the from state.
	TransitionRule(ctx context.Context, id, from, to string) (bool, error)

	// ListTriggers returns the trigger log of a rule.
	ListTriggers(ctx context.Context, ruleID string) ([]model.TpslTrigger, error)

	// --- Settings ---

	// GetSettings returns the singleton settings row.
	GetSettings(ctx context.Context) (model.Settings, error)

	// UpdateSettings overwrites the singleton settings row.
	UpdateSettings(ctx context.Context, s model.Settings) error

	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside a transaction. Every
// cash-mutating transaction must start with LockUser so concurrent fills
// for the same user serialize.
type Tx interface {
	// LockUser reads a user and holds its row until the transaction ends.
	LockUser(ctx context.Context, id string) (*model.User, error)

	// AdjustCash adds delta (signed) to the user's cash.
	AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error

	// GetPosition reads a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetPositionBySymbol reads the position of userID under symbol.
	GetPositionBySymbol(ctx context.Context, userID, symbol string) (*model.Position, error)

	// UpsertPosition inserts p or overwrites the row with the same ID.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position row.
	DeletePosition(ctx context.Context, id string) error

	// InsertOrder appends to the order log.
	InsertOrder(ctx context.Context, o *model.Order) error

	// InsertTrigger appends to the trigger log.
	InsertTrigger(ctx context.Context, t *model.TpslTrigger) error

	// TransitionRule is the transactional form of Store.TransitionRule.
	TransitionRule(ctx context.Context, id, from, to string) (bool, error)
}

// DefaultSettings is returned before the settings row is first written.
var DefaultSettings = model.Settings{TradingFeeBps: 0}
