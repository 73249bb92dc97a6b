// Package engine orchestrates order execution: it validates an order
// request, takes a single price snapshot from the oracle, and drives the
// ledger to settle or reject the order.
//
// Each order moves RECEIVED → VALIDATED → SETTLED, or RECEIVED →
// REJECTED. Both terminal states are final: there are no retries and no
// resubmission inside the engine — a financial debit must never be
// silently replayed, so callers resubmit a fresh order after a rejection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/ledger"
	"github.com/cointrack/portfolio-engine/internal/limits"
	"github.com/cointrack/portfolio-engine/internal/metrics"
	"github.com/cointrack/portfolio-engine/internal/model"
	"github.com/cointrack/portfolio-engine/internal/oracle"
	"github.com/cointrack/portfolio-engine/internal/store"
)

// Order result statuses.
const (
	StatusSettled  = "SETTLED"
	StatusRejected = "REJECTED"
)

// Rejection kinds surfaced on OrderResult.ErrorKind.
const (
	KindValidation           = "VALIDATION_ERROR"
	KindInsufficientFunds    = "INSUFFICIENT_FUNDS"
	KindInsufficientHoldings = "INSUFFICIENT_HOLDINGS"
	KindPriceUnavailable     = "PRICE_UNAVAILABLE"
	KindLimitExceeded        = "LIMIT_EXCEEDED"
	KindConcurrencyConflict  = "CONCURRENCY_CONFLICT"
)

// DefaultPriceTimeout bounds the oracle fetch, the only suspension point
// in the executor.
const DefaultPriceTimeout = 3 * time.Second

// OrderRequest is the ephemeral input for one order. It is consumed by
// the executor and either settles into a TradeRecord or is discarded.
type OrderRequest struct {
	UserID   string          `json:"user_id"`
	CoinID   string          `json:"coin_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     string          `json:"side"` // "BUY" or "SELL"
}

// OrderResult is the structured outcome returned to the caller. All
// rejection kinds come back here; nothing is thrown past the executor.
// ExecutionPrice and RealizedPnL always serialize; they are zero on a
// rejection.
type OrderResult struct {
	Status         string             `json:"status"` // SETTLED or REJECTED
	ErrorKind      string             `json:"error_kind,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	ExecutionPrice decimal.Decimal    `json:"execution_price"`
	RealizedPnL    decimal.Decimal    `json:"realized_pnl"`
	Holding        *model.Holding     `json:"holding,omitempty"`
	Record         *model.TradeRecord `json:"record,omitempty"`
}

// Executor drives one order from request to settlement or rejection.
type Executor struct {
	store        store.Store
	ledger       *ledger.Ledger
	oracle       oracle.Oracle
	limiter      *limits.OrderLimiter // optional; nil disables size limits
	priceTimeout time.Duration
}

// New creates an executor. Pass nil for limiter to disable size limits
// and 0 for priceTimeout to use the default.
func New(st store.Store, ldg *ledger.Ledger, orc oracle.Oracle, limiter *limits.OrderLimiter, priceTimeout time.Duration) *Executor {
	if priceTimeout <= 0 {
		priceTimeout = DefaultPriceTimeout
	}
	return &Executor{
		store:        st,
		ledger:       ldg,
		oracle:       orc,
		limiter:      limiter,
		priceTimeout: priceTimeout,
	}
}

// SubmitOrder executes one order. Rejections are returned as structured
// results; the error return carries only infrastructure failures.
//
// Exactly one price snapshot is fetched per order, before any per-user
// lock is taken; validation and execution use that identical value.
func (e *Executor) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	start := time.Now()

	// Pre-flight validation: no ledger access on these paths.
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return e.reject(req, KindValidation, fmt.Sprintf("side must be %s or %s", model.SideBuy, model.SideSell)), nil
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return e.reject(req, KindValidation, "quantity must be positive"), nil
	}
	if _, err := e.store.GetCoin(ctx, req.CoinID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.reject(req, KindValidation, "unknown coin: "+req.CoinID), nil
		}
		return nil, fmt.Errorf("submit order: coin lookup: %w", err)
	}

	// Single price snapshot, bounded; no user lock is held while waiting.
	priceCtx, cancel := context.WithTimeout(ctx, e.priceTimeout)
	price, err := e.oracle.GetCurrentPrice(priceCtx, req.CoinID)
	cancel()
	if err != nil {
		return e.reject(req, KindPriceUnavailable, err.Error()), nil
	}

	if err := e.checkLimits(ctx, req, price); err != nil {
		if errors.Is(err, limits.ErrOrderTooLarge) || errors.Is(err, limits.ErrPositionLimitExceeded) {
			return e.reject(req, KindLimitExceeded, err.Error()), nil
		}
		return nil, err
	}

	var (
		holding model.Holding
		record  *model.TradeRecord
	)
	if req.Side == model.SideBuy {
		holding, record, err = e.ledger.ApplyBuy(ctx, req.UserID, req.CoinID, req.Quantity, price)
	} else {
		holding, record, err = e.ledger.ApplySell(ctx, req.UserID, req.CoinID, req.Quantity, price)
	}

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return e.reject(req, KindInsufficientFunds, "balance too low for order cost"), nil
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return e.reject(req, KindInsufficientHoldings, "holding quantity too low"), nil
	case errors.Is(err, store.ErrConflict):
		// Should be unreachable under correct per-user serialization.
		slog.Error("settlement conflict despite per-user lock; locking invariant violated",
			"user", req.UserID,
			"coin", req.CoinID,
			"side", req.Side,
			"quantity", req.Quantity.String(),
		)
		return e.reject(req, KindConcurrencyConflict, "concurrent settlement conflict"), nil
	default:
		return nil, fmt.Errorf("submit order: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(req.Side, StatusSettled).Inc()
	metrics.SettlementLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())

	slog.Info("order settled",
		"trade_id", record.ID,
		"seq", record.Seq,
		"user", req.UserID,
		"coin", req.CoinID,
		"side", req.Side,
		"quantity", req.Quantity.String(),
		"price", price.String(),
		"realized_pnl", record.RealizedPnL.String(),
	)

	return &OrderResult{
		Status:         StatusSettled,
		ExecutionPrice: price,
		RealizedPnL:    record.RealizedPnL,
		Holding:        &holding,
		Record:         record,
	}, nil
}

// checkLimits applies the optional order-size guardrails using the
// price snapshot. The holding read here is advisory; sufficiency is
// still enforced under the per-user lock inside the ledger.
func (e *Executor) checkLimits(ctx context.Context, req OrderRequest, price decimal.Decimal) error {
	if e.limiter == nil {
		return nil
	}
	if req.Side == model.SideSell {
		return e.limiter.CheckSell(req.Quantity, price)
	}

	holding, err := e.ledger.GetHolding(ctx, req.UserID, req.CoinID)
	if err != nil {
		return fmt.Errorf("limit check: %w", err)
	}
	return e.limiter.CheckBuy(req.Quantity, price, holding.Quantity)
}

func (e *Executor) reject(req OrderRequest, kind, reason string) *OrderResult {
	side := req.Side
	if side != model.SideBuy && side != model.SideSell {
		side = "INVALID" // keep metric label cardinality bounded
	}
	metrics.OrdersTotal.WithLabelValues(side, StatusRejected).Inc()
	metrics.OrderRejections.WithLabelValues(kind).Inc()

	slog.Info("order rejected",
		"user", req.UserID,
		"coin", req.CoinID,
		"side", req.Side,
		"kind", kind,
		"reason", reason,
	)

	return &OrderResult{
		Status:    StatusRejected,
		ErrorKind: kind,
		Reason:    reason,
	}
}
