package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances, holdings, and the coin catalog. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. Trade history and watchlists are passthrough.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Coin catalog ---

func (s *CachedStore) UpsertCoin(ctx context.Context, c *model.Coin) error {
	if err := s.primary.UpsertCoin(ctx, c); err != nil {
		return err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, coinKey(c.ID), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) GetCoin(ctx context.Context, id string) (*model.Coin, error) {
	data, err := s.rdb.Get(ctx, coinKey(id)).Bytes()
	if err == nil {
		var c model.Coin
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCoin(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, coinKey(id), data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) ListCoins(ctx context.Context) ([]model.Coin, error) {
	return s.primary.ListCoins(ctx)
}

// --- Wallet balances ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, balanceKey(userID)).Result()
	if err == nil {
		if amount, perr := decimal.NewFromString(val); perr == nil {
			return amount, nil
		}
	}

	amount, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(userID), amount.String(), s.ttl)
	return amount, nil
}

func (s *CachedStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.CreditBalance(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID))
	return nil
}

func (s *CachedStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := s.primary.DebitBalance(ctx, userID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, balanceKey(userID))
	return nil
}

// --- Holdings ---

func (s *CachedStore) GetHolding(ctx context.Context, userID, coinID string) (*model.Holding, error) {
	data, err := s.rdb.Get(ctx, holdingCacheKey(userID, coinID)).Bytes()
	if err == nil {
		var h model.Holding
		if json.Unmarshal(data, &h) == nil {
			return &h, nil
		}
	}

	h, err := s.primary.GetHolding(ctx, userID, coinID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(h); err == nil {
		s.rdb.Set(ctx, holdingCacheKey(userID, coinID), data, s.ttl)
	}
	return h, nil
}

func (s *CachedStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, userID)
}

// --- Settlement ---

func (s *CachedStore) SettleTrade(ctx context.Context, st *TradeSettlement) (*model.TradeRecord, error) {
	record, err := s.primary.SettleTrade(ctx, st)
	if err != nil {
		return nil, err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, balanceKey(st.UserID), holdingCacheKey(st.UserID, st.CoinID))
	return record, nil
}

// --- Trade history (passthrough) ---

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) GetTradesByCoin(ctx context.Context, coinID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByCoin(ctx, coinID)
}

// --- Watchlists (passthrough) ---

func (s *CachedStore) AddWatchlistCoin(ctx context.Context, userID, coinID string) error {
	return s.primary.AddWatchlistCoin(ctx, userID, coinID)
}

func (s *CachedStore) RemoveWatchlistCoin(ctx context.Context, userID, coinID string) error {
	return s.primary.RemoveWatchlistCoin(ctx, userID, coinID)
}

func (s *CachedStore) GetWatchlist(ctx context.Context, userID string) ([]model.Coin, error) {
	return s.primary.GetWatchlist(ctx, userID)
}

// --- Cache keys ---

func coinKey(id string) string                       { return fmt.Sprintf("coin:%s", id) }
func balanceKey(userID string) string                { return fmt.Sprintf("balance:%s", userID) }
func holdingCacheKey(userID, coinID string) string   { return fmt.Sprintf("holding:%s:%s", userID, coinID) }
