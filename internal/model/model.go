// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Coin is a catalog entry for a tradable asset. Price is never stored
// here; it is always fetched fresh from the price oracle.
type Coin struct {
	ID     string `json:"id" db:"id"`
	Symbol string `json:"symbol" db:"symbol"`
	Name   string `json:"name" db:"name"`
}

// Balance is a user's wallet balance in the quote currency.
// Invariant: Amount >= 0 at all times.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Holding is a user's owned quantity of one coin plus its average cost
// basis. AvgCost is meaningful only while Quantity > 0; a holding whose
// quantity reaches zero is removed from the store.
type Holding struct {
	UserID    string          `json:"user_id" db:"user_id"`
	CoinID    string          `json:"coin_id" db:"coin_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is an immutable record of one settled order.
// Once appended, these are never modified or deleted.
//
// For a BUY, BuyingPrice carries the execution price and SellingPrice is
// zero. For a SELL, SellingPrice carries the execution price and
// BuyingPrice carries the average cost basis the realized P&L was
// computed against — not a second transaction.
type TradeRecord struct {
	Seq            int64           `json:"seq" db:"seq"` // monotonically increasing, store-assigned
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	CoinID         string          `json:"coin_id" db:"coin_id"`
	Side           string          `json:"side" db:"side"` // "BUY" or "SELL"
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	ExecutionPrice decimal.Decimal `json:"execution_price" db:"execution_price"`
	BuyingPrice    decimal.Decimal `json:"buying_price" db:"buying_price"`
	SellingPrice   decimal.Decimal `json:"selling_price" db:"selling_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is one holding marked to the current oracle price.
type Position struct {
	CoinID        string          `json:"coin_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // currentValue - quantity*avgCost
}

// Portfolio aggregates a user's balance and marked positions.
type Portfolio struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	Positions  []Position      `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"` // balance + Σ currentValue
	TotalPnL   decimal.Decimal `json:"total_pnl"`   // Σ unrealizedPnL
}
