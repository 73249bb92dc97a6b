package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/model"
)

type holdingKey struct {
	userID string
	coinID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	coins      map[string]*model.Coin
	balances   map[string]decimal.Decimal
	holdings   map[holdingKey]*model.Holding
	history    []model.TradeRecord
	watchlists map[string]map[string]bool // userID → set of coinIDs
	nextSeq    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coins:      make(map[string]*model.Coin),
		balances:   make(map[string]decimal.Decimal),
		holdings:   make(map[holdingKey]*model.Holding),
		watchlists: make(map[string]map[string]bool),
	}
}

// --- Coin catalog ---

func (s *MemoryStore) UpsertCoin(_ context.Context, c *model.Coin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.coins[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCoin(_ context.Context, id string) (*model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coins[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListCoins(_ context.Context) ([]model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coins := make([]model.Coin, 0, len(s.coins))
	for _, c := range s.coins {
		coins = append(coins, *c)
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].ID < coins[j].ID })
	return coins, nil
}

// --- Wallet balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[userID], nil
}

func (s *MemoryStore) CreditBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[userID] = s.balances[userID].Add(amount)
	return nil
}

func (s *MemoryStore) DebitBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.balances[userID]
	if current.LessThan(amount) {
		return ErrConflict
	}
	s.balances[userID] = current.Sub(amount)
	return nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, coinID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{userID, coinID}]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holdings []model.Holding
	for k, h := range s.holdings {
		if k.userID == userID {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].CoinID < holdings[j].CoinID })
	return holdings, nil
}

// --- Settlement ---

// SettleTrade applies the balance adjustment, holding update, and history
// append under one lock so no partial state is ever observable.
func (s *MemoryStore) SettleTrade(_ context.Context, st *TradeSettlement) (*model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newBalance := s.balances[st.UserID].Add(st.BalanceDelta)
	if newBalance.IsNegative() {
		return nil, ErrConflict
	}
	if st.NewQuantity.IsNegative() {
		return nil, ErrConflict
	}

	s.balances[st.UserID] = newBalance

	key := holdingKey{st.UserID, st.CoinID}
	if st.NewQuantity.IsZero() {
		delete(s.holdings, key)
	} else {
		s.holdings[key] = &model.Holding{
			UserID:    st.UserID,
			CoinID:    st.CoinID,
			Quantity:  st.NewQuantity,
			AvgCost:   st.NewAvgCost,
			UpdatedAt: time.Now().UTC(),
		}
	}

	s.nextSeq++
	record := *st.Record
	record.Seq = s.nextSeq
	s.history = append(s.history, record)

	return &record, nil
}

// --- Trade history ---

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, r := range s.history {
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByCoin(_ context.Context, coinID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, r := range s.history {
		if r.CoinID == coinID {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- Watchlists ---

func (s *MemoryStore) AddWatchlistCoin(_ context.Context, userID, coinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wl, ok := s.watchlists[userID]
	if !ok {
		wl = make(map[string]bool)
		s.watchlists[userID] = wl
	}
	wl[coinID] = true
	return nil
}

func (s *MemoryStore) RemoveWatchlistCoin(_ context.Context, userID, coinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchlists[userID], coinID)
	return nil
}

func (s *MemoryStore) GetWatchlist(_ context.Context, userID string) ([]model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var coins []model.Coin
	for coinID := range s.watchlists[userID] {
		if c, ok := s.coins[coinID]; ok {
			coins = append(coins, *c)
		} else {
			coins = append(coins, model.Coin{ID: coinID})
		}
	}
	sort.Slice(coins, func(i, j int) bool { return coins[i].ID < coins[j].ID })
	return coins, nil
}
