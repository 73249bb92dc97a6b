package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/model"
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

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS coins (
			id     TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			name   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS balances (
			user_id    TEXT PRIMARY KEY,
			amount     NUMERIC NOT NULL DEFAULT 0 CHECK (amount >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS holdings (
			user_id    TEXT NOT NULL,
			coin_id    TEXT NOT NULL,
			quantity   NUMERIC NOT NULL CHECK (quantity >= 0),
			avg_cost   NUMERIC NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, coin_id)
		);
		CREATE TABLE IF NOT EXISTS trade_history (
			seq             BIGSERIAL PRIMARY KEY,
			id              UUID NOT NULL,
			user_id         TEXT NOT NULL,
			coin_id         TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        NUMERIC NOT NULL,
			execution_price NUMERIC NOT NULL,
			buying_price    NUMERIC NOT NULL,
			selling_price   NUMERIC NOT NULL,
			realized_pnl    NUMERIC NOT NULL,
			timestamp       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trade_history_user ON trade_history (user_id, seq);
		CREATE INDEX IF NOT EXISTS idx_trade_history_coin ON trade_history (coin_id, seq);
		CREATE TABLE IF NOT EXISTS watchlists (
			user_id TEXT NOT NULL,
			coin_id TEXT NOT NULL,
			PRIMARY KEY (user_id, coin_id)
		);
	`)
	return err
}

// --- Coin catalog ---

func (s *PostgresStore) UpsertCoin(ctx context.Context, c *model.Coin) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coins (id, symbol, name) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET symbol = $2, name = $3`,
		c.ID, c.Symbol, c.Name,
	)
	return err
}

func (s *PostgresStore) GetCoin(ctx context.Context, id string) (*model.Coin, error) {
	var c model.Coin
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name FROM coins WHERE id = $1`, id).
		Scan(&c.ID, &c.Symbol, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get coin %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCoins(ctx context.Context) ([]model.Coin, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name FROM coins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coins []model.Coin
	for rows.Next() {
		var c model.Coin
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Name); err != nil {
			return nil, err
		}
		coins = append(coins, c)
	}
	return coins, rows.Err()
}

// --- Wallet balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var amountS string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE user_id = $1`, userID).
		Scan(&amountS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", userID, err)
	}
	amount, _ := decimal.NewFromString(amountS)
	return amount, nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, amount, updated_at) VALUES ($1, $2::NUMERIC, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET amount = balances.amount + $2::NUMERIC, updated_at = NOW()`,
		userID, amount.String(),
	)
	return err
}

func (s *PostgresStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE balances
		 SET amount = amount - $2::NUMERIC, updated_at = NOW()
		 WHERE user_id = $1 AND amount >= $2::NUMERIC`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit balance %s: %w", userID, err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, coinID string) (*model.Holding, error) {
	var h model.Holding
	var qtyS, avgCostS string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, coin_id, quantity::TEXT, avg_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 AND coin_id = $2`, userID, coinID).
		Scan(&h.UserID, &h.CoinID, &qtyS, &avgCostS, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", userID, coinID, err)
	}

	h.Quantity, _ = decimal.NewFromString(qtyS)
	h.AvgCost, _ = decimal.NewFromString(avgCostS)
	return &h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, coin_id, quantity::TEXT, avg_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 ORDER BY coin_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var qtyS, avgCostS string
		if err := rows.Scan(&h.UserID, &h.CoinID, &qtyS, &avgCostS, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Quantity, _ = decimal.NewFromString(qtyS)
		h.AvgCost, _ = decimal.NewFromString(avgCostS)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Settlement ---

// SettleTrade runs the balance adjustment, holding update, and history
// append in one transaction. The balance UPDATE is guarded so a stale
// in-process view can never drive the balance negative.
func (s *PostgresStore) SettleTrade(ctx context.Context, st *TradeSettlement) (*model.TradeRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle trade: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if st.NewQuantity.IsNegative() {
		return nil, ErrConflict
	}

	if st.BalanceDelta.IsNegative() {
		// Debit (buy): guarded update, the row must already exist with
		// enough funds.
		debit := st.BalanceDelta.Neg()
		tag, err := tx.Exec(ctx,
			`UPDATE balances
			 SET amount = amount - $2::NUMERIC, updated_at = NOW()
			 WHERE user_id = $1 AND amount >= $2::NUMERIC`,
			st.UserID, debit.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("settle trade: debit: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil, ErrConflict
		}
	} else {
		// Credit (sell): the row may not exist yet.
		_, err := tx.Exec(ctx,
			`INSERT INTO balances (user_id, amount, updated_at) VALUES ($1, $2::NUMERIC, NOW())
			 ON CONFLICT (user_id) DO UPDATE
			 SET amount = balances.amount + $2::NUMERIC, updated_at = NOW()`,
			st.UserID, st.BalanceDelta.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("settle trade: credit: %w", err)
		}
	}

	if st.NewQuantity.IsZero() {
		_, err = tx.Exec(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND coin_id = $2`,
			st.UserID, st.CoinID,
		)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO holdings (user_id, coin_id, quantity, avg_cost, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, NOW())
			 ON CONFLICT (user_id, coin_id) DO UPDATE
			 SET quantity = $3::NUMERIC, avg_cost = $4::NUMERIC, updated_at = NOW()`,
			st.UserID, st.CoinID, st.NewQuantity.String(), st.NewAvgCost.String(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("settle trade: holding: %w", err)
	}

	r := st.Record
	err = tx.QueryRow(ctx,
		`INSERT INTO trade_history
		   (id, user_id, coin_id, side, quantity, execution_price,
		    buying_price, selling_price, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
		 RETURNING seq`,
		r.ID, r.UserID, r.CoinID, r.Side,
		r.Quantity.String(), r.ExecutionPrice.String(),
		r.BuyingPrice.String(), r.SellingPrice.String(), r.RealizedPnL.String(),
		r.Timestamp,
	).Scan(&r.Seq)
	if err != nil {
		return nil, fmt.Errorf("settle trade: history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle trade: commit: %w", err)
	}

	record := *r
	return &record, nil
}

// --- Trade history ---

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, user_id, coin_id, side,
		        quantity::TEXT, execution_price::TEXT,
		        buying_price::TEXT, selling_price::TEXT, realized_pnl::TEXT, timestamp
		 FROM trade_history WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

func (s *PostgresStore) GetTradesByCoin(ctx context.Context, coinID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, user_id, coin_id, side,
		        quantity::TEXT, execution_price::TEXT,
		        buying_price::TEXT, selling_price::TEXT, realized_pnl::TEXT, timestamp
		 FROM trade_history WHERE coin_id = $1 ORDER BY seq`, coinID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeRecords(rows)
}

// --- Watchlists ---

func (s *PostgresStore) AddWatchlistCoin(ctx context.Context, userID, coinID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchlists (user_id, coin_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, coin_id) DO NOTHING`,
		userID, coinID,
	)
	return err
}

func (s *PostgresStore) RemoveWatchlistCoin(ctx context.Context, userID, coinID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM watchlists WHERE user_id = $1 AND coin_id = $2`,
		userID, coinID,
	)
	return err
}

func (s *PostgresStore) GetWatchlist(ctx context.Context, userID string) ([]model.Coin, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT w.coin_id, COALESCE(c.symbol, ''), COALESCE(c.name, '')
		 FROM watchlists w LEFT JOIN coins c ON c.id = w.coin_id
		 WHERE w.user_id = $1 ORDER BY w.coin_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coins []model.Coin
	for rows.Next() {
		var c model.Coin
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Name); err != nil {
			return nil, err
		}
		coins = append(coins, c)
	}
	return coins, rows.Err()
}

// scanTradeRecords reads pgx rows into TradeRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTradeRecords(rows pgxRows) ([]model.TradeRecord, error) {
	var records []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var qtyS, execS, buyS, sellS, pnlS string

		if err := rows.Scan(&r.Seq, &r.ID, &r.UserID, &r.CoinID, &r.Side,
			&qtyS, &execS, &buyS, &sellS, &pnlS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Quantity, _ = decimal.NewFromString(qtyS)
		r.ExecutionPrice, _ = decimal.NewFromString(execS)
		r.BuyingPrice, _ = decimal.NewFromString(buyS)
		r.SellingPrice, _ = decimal.NewFromString(sellS)
		r.RealizedPnL, _ = decimal.NewFromString(pnlS)

		records = append(records, r)
	}
	return records, rows.Err()
}
