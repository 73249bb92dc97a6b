// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a guarded write would violate a
	// non-negativity invariant. Callers that validated under a per-user
	// lock should never see it; if they do, it indicates a locking bug.
	ErrConflict = errors.New("store: conditional write failed")
)

// TradeSettlement is the atomic effect of one settled order: a balance
// adjustment, an absolute holding update, and a history append. All three
// commit together or not at all.
type TradeSettlement struct {
	UserID       string
	CoinID       string
	BalanceDelta decimal.Decimal // negative for a buy (debit), positive for a sell (credit)
	NewQuantity  decimal.Decimal // resulting holding quantity; zero removes the holding
	NewAvgCost   decimal.Decimal
	Record       *model.TradeRecord
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Coin catalog ---

	// UpsertCoin creates or replaces a catalog entry.
	UpsertCoin(ctx context.Context, coin *model.Coin) error

	// GetCoin retrieves a coin by ID. Returns ErrNotFound if unknown.
	GetCoin(ctx context.Context, id string) (*model.Coin, error)

	// ListCoins returns the full catalog.
	ListCoins(ctx context.Context) ([]model.Coin, error)

	// --- Wallet balances ---

	// GetBalance returns a user's wallet balance, zero if no row exists.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// CreditBalance adds amount to a user's balance, creating the row
	// if absent. Amount must be positive.
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// DebitBalance subtracts amount from a user's balance. The write is
	// guarded so the balance can never go negative; a guard miss returns
	// ErrConflict.
	DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error

	// --- Holdings ---

	// GetHolding retrieves one holding. Returns ErrNotFound if the user
	// holds none of the coin.
	GetHolding(ctx context.Context, userID, coinID string) (*model.Holding, error)

	// ListHoldings returns all of a user's holdings.
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// --- Settlement ---

	// SettleTrade applies a settlement atomically: guarded balance
	// adjustment, holding upsert (or removal when NewQuantity is zero),
	// and history append. Assigns Record.Seq and returns the record.
	// Returns ErrConflict if the balance guard fails.
	SettleTrade(ctx context.Context, st *TradeSettlement) (*model.TradeRecord, error)

	// --- Trade history (append-only; writes only via SettleTrade) ---

	// GetTradesByUser returns a user's trade records ordered by
	// sequence ascending.
	GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// GetTradesByCoin returns all trade records for a coin ordered by
	// sequence ascending.
	GetTradesByCoin(ctx context.Context, coinID string) ([]model.TradeRecord, error)

	// --- Watchlists ---

	// AddWatchlistCoin adds a coin to a user's watchlist. Idempotent.
	AddWatchlistCoin(ctx context.Context, userID, coinID string) error

	// RemoveWatchlistCoin removes a coin from a user's watchlist. Idempotent.
	RemoveWatchlistCoin(ctx context.Context, userID, coinID string) error

	// GetWatchlist returns the coins on a user's watchlist.
	GetWatchlist(ctx context.Context, userID string) ([]model.Coin, error)
}
