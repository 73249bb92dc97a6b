// Package ledger owns wallet balances and per-coin holdings. It is the
// only component permitted to mutate them.
//
// Mutations for a single user are serialized by a per-user lock so two
// concurrent orders cannot both be accepted against the same stale
// balance. Different users never contend with each other.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/model"
	"github.com/cointrack/portfolio-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a buy or withdrawal would
	// drive the wallet balance negative. State is untouched.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when a sell exceeds the held
	// quantity. State is untouched.
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")

	// ErrInvalidAmount is returned for non-positive quantities, prices,
	// or wallet amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// userLocks hands out one mutex per user ID. Locks are never removed;
// the map grows with the active user set, which is bounded in practice.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (ul *userLocks) get(userID string) *sync.Mutex {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	l, ok := ul.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		ul.locks[userID] = l
	}
	return l
}

// Ledger is the authoritative owner of wallet balances and holdings.
type Ledger struct {
	store store.Store
	locks userLocks
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		locks: userLocks{locks: make(map[string]*sync.Mutex)},
	}
}

// GetBalance returns a user's wallet balance, zero if the user has none.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return l.store.GetBalance(ctx, userID)
}

// GetHolding returns a user's holding of one coin. A user who holds none
// of the coin gets a zero-quantity holding with zero average cost.
func (l *Ledger) GetHolding(ctx context.Context, userID, coinID string) (model.Holding, error) {
	h, err := l.store.GetHolding(ctx, userID, coinID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Holding{UserID: userID, CoinID: coinID}, nil
	}
	if err != nil {
		return model.Holding{}, err
	}
	return *h, nil
}

// ApplyBuy debits quantity*price from the wallet and folds the purchase
// into the holding using a weighted-average cost basis:
//
//	newAvgCost = (oldQty*oldAvgCost + quantity*price) / (oldQty + quantity)
//
// The debit, the holding update, and the trade-record append commit as
// one atomic unit. Returns the new holding and the appended record.
func (l *Ledger) ApplyBuy(ctx context.Context, userID, coinID string, quantity, price decimal.Decimal) (model.Holding, *model.TradeRecord, error) {
	if quantity.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return model.Holding{}, nil, ErrInvalidAmount
	}

	lock := l.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return model.Holding{}, nil, fmt.Errorf("apply buy: %w", err)
	}

	cost := quantity.Mul(price)
	if balance.LessThan(cost) {
		return model.Holding{}, nil, ErrInsufficientFunds
	}

	prior, err := l.GetHolding(ctx, userID, coinID)
	if err != nil {
		return model.Holding{}, nil, fmt.Errorf("apply buy: %w", err)
	}

	newQty := prior.Quantity.Add(quantity)
	newAvgCost := price
	if prior.Quantity.IsPositive() {
		totalCost := prior.Quantity.Mul(prior.AvgCost).Add(cost)
		newAvgCost = totalCost.Div(newQty)
	}

	record := &model.TradeRecord{
		ID:             uuid.New().String(),
		UserID:         userID,
		CoinID:         coinID,
		Side:           model.SideBuy,
		Quantity:       quantity,
		ExecutionPrice: price,
		BuyingPrice:    price,
		SellingPrice:   decimal.Zero,
		RealizedPnL:    decimal.Zero,
		Timestamp:      time.Now().UTC(),
	}

	record, err = l.store.SettleTrade(ctx, &store.TradeSettlement{
		UserID:       userID,
		CoinID:       coinID,
		BalanceDelta: cost.Neg(),
		NewQuantity:  newQty,
		NewAvgCost:   newAvgCost,
		Record:       record,
	})
	if err != nil {
		return model.Holding{}, nil, fmt.Errorf("apply buy: %w", err)
	}

	holding := model.Holding{
		UserID:    userID,
		CoinID:    coinID,
		Quantity:  newQty,
		AvgCost:   newAvgCost,
		UpdatedAt: record.Timestamp,
	}
	return holding, record, nil
}

// ApplySell credits quantity*price to the wallet, decrements the holding
// (average cost unchanged for the remainder), and records the realized
// P&L locked in against the cost basis:
//
//	realizedPnL = (price - avgCost) * quantity
//
// The credit, the holding update, and the trade-record append commit as
// one atomic unit.
func (l *Ledger) ApplySell(ctx context.Context, userID, coinID string, quantity, price decimal.Decimal) (model.Holding, *model.TradeRecord, error) {
	if quantity.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return model.Holding{}, nil, ErrInvalidAmount
	}

	lock := l.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := l.GetHolding(ctx, userID, coinID)
	if err != nil {
		return model.Holding{}, nil, fmt.Errorf("apply sell: %w", err)
	}
	if prior.Quantity.LessThan(quantity) {
		return model.Holding{}, nil, ErrInsufficientHoldings
	}

	proceeds := quantity.Mul(price)
	realizedPnL := price.Sub(prior.AvgCost).Mul(quantity)
	newQty := prior.Quantity.Sub(quantity)

	newAvgCost := prior.AvgCost
	if newQty.IsZero() {
		newAvgCost = decimal.Zero // basis undefined once nothing is held
	}

	record := &model.TradeRecord{
		ID:             uuid.New().String(),
		UserID:         userID,
		CoinID:         coinID,
		Side:           model.SideSell,
		Quantity:       quantity,
		ExecutionPrice: price,
		BuyingPrice:    prior.AvgCost,
		SellingPrice:   price,
		RealizedPnL:    realizedPnL,
		Timestamp:      time.Now().UTC(),
	}

	record, err = l.store.SettleTrade(ctx, &store.TradeSettlement{
		UserID:       userID,
		CoinID:       coinID,
		BalanceDelta: proceeds,
		NewQuantity:  newQty,
		NewAvgCost:   newAvgCost,
		Record:       record,
	})
	if err != nil {
		return model.Holding{}, nil, fmt.Errorf("apply sell: %w", err)
	}

	holding := model.Holding{
		UserID:    userID,
		CoinID:    coinID,
		Quantity:  newQty,
		AvgCost:   newAvgCost,
		UpdatedAt: record.Timestamp,
	}
	return holding, record, nil
}

// Deposit credits amount to a user's wallet.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	lock := l.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.store.CreditBalance(ctx, userID, amount); err != nil {
		return decimal.Zero, fmt.Errorf("deposit: %w", err)
	}
	return l.store.GetBalance(ctx, userID)
}

// Withdraw debits amount from a user's wallet. Fails with
// ErrInsufficientFunds if the balance would go negative.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	lock := l.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	err := l.store.DebitBalance(ctx, userID, amount)
	if errors.Is(err, store.ErrConflict) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdraw: %w", err)
	}
	return l.store.GetBalance(ctx, userID)
}
