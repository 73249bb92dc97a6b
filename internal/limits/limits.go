// Package limits enforces per-order and per-position size limits.
//
// These are operational guardrails in front of settlement: a fat-finger
// order or a runaway client is rejected before any ledger access. They
// are distinct from balance and holding sufficiency checks, which the
// ledger owns.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderTooLarge is returned when an order's notional value
	// (quantity * price) exceeds the per-order maximum.
	ErrOrderTooLarge = errors.New("limits: order notional exceeds maximum")

	// ErrPositionLimitExceeded is returned when a buy would push a
	// holding's quantity beyond the per-position maximum.
	ErrPositionLimitExceeded = errors.New("limits: position quantity limit exceeded")
)

// OrderLimiter validates order size against configured maximums.
// A zero maximum disables that check.
type OrderLimiter struct {
	// MaxOrderNotional is the largest allowed quantity*price per order.
	MaxOrderNotional decimal.Decimal

	// MaxPositionQty is the largest allowed holding quantity per coin
	// after a buy. Sells are never blocked by this limit.
	MaxPositionQty decimal.Decimal
}

// NewOrderLimiter creates a limiter with the given maximums.
func NewOrderLimiter(maxOrderNotional, maxPositionQty decimal.Decimal) *OrderLimiter {
	return &OrderLimiter{
		MaxOrderNotional: maxOrderNotional,
		MaxPositionQty:   maxPositionQty,
	}
}

// CheckBuy validates a buy of quantity at price on top of an existing
// held quantity.
func (l *OrderLimiter) CheckBuy(quantity, price, heldQty decimal.Decimal) error {
	if err := l.checkNotional(quantity, price); err != nil {
		return err
	}
	if l.MaxPositionQty.IsPositive() && heldQty.Add(quantity).GreaterThan(l.MaxPositionQty) {
		return ErrPositionLimitExceeded
	}
	return nil
}

// CheckSell validates a sell of quantity at price. Sells reduce
// exposure, so only the notional bound applies.
func (l *OrderLimiter) CheckSell(quantity, price decimal.Decimal) error {
	return l.checkNotional(quantity, price)
}

func (l *OrderLimiter) checkNotional(quantity, price decimal.Decimal) error {
	if l.MaxOrderNotional.IsPositive() && quantity.Mul(price).GreaterThan(l.MaxOrderNotional) {
		return ErrOrderTooLarge
	}
	return nil
}
