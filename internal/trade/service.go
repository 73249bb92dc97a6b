// Package trade provides the HTTP handlers for submitting orders and
// querying balances, holdings, trade history, portfolios, and watchlists.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/engine"
	"github.com/cointrack/portfolio-engine/internal/ledger"
	"github.com/cointrack/portfolio-engine/internal/model"
	"github.com/cointrack/portfolio-engine/internal/oracle"
	"github.com/cointrack/portfolio-engine/internal/store"
)

// Service handles the HTTP surface over the executor, ledger, and store.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	engine *engine.Executor
	oracle oracle.Oracle
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ldg *ledger.Ledger, exec *engine.Executor, orc oracle.Oracle, hub *WSHub) *Service {
	return &Service{
		store:  st,
		ledger: ldg,
		engine: exec,
		oracle: orc,
		wsHub:  hub,
	}
}

// Routes mounts all handlers on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.SubmitOrder)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/balance", s.GetBalance)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/holdings", s.ListHoldings)
		r.Get("/holdings/{coinID}", s.GetHolding)
		r.Get("/history", s.GetHistory)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/watchlist", s.GetWatchlist)
		r.Put("/watchlist/{coinID}", s.AddWatchlistCoin)
		r.Delete("/watchlist/{coinID}", s.RemoveWatchlistCoin)
	})

	r.Get("/coins", s.ListCoins)
	r.Post("/coins", s.UpsertCoin)
	r.Get("/coins/{coinID}", s.GetCoin)
	r.Get("/coins/{coinID}/history", s.GetCoinHistory)
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders.
// Settled orders return 200 with the settlement result; rejections carry
// the structured result with a status mapped from the rejection kind.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.CoinID == "" {
		writeError(w, "coin_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.SubmitOrder(r.Context(), req)
	if err != nil {
		writeError(w, "order execution failed", http.StatusInternalServerError)
		return
	}

	if result.Status == engine.StatusRejected {
		writeJSON(w, rejectionStatus(result.ErrorKind), result)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "trade_settled",
			UserID:      req.UserID,
			CoinID:      req.CoinID,
			Side:        req.Side,
			Quantity:    req.Quantity.String(),
			Price:       result.ExecutionPrice.String(),
			RealizedPnL: result.RealizedPnL.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// rejectionStatus maps a rejection kind to an HTTP status code.
func rejectionStatus(kind string) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindPriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		// Insufficient funds/holdings, concurrency conflict.
		return http.StatusConflict
	}
}

// --- Wallet ---

// amountRequest is the JSON body for deposits and withdrawals.
type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// balanceResponse is returned from balance-affecting endpoints.
type balanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := s.ledger.Deposit(r.Context(), userID, req.Amount)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// Withdraw handles POST /api/v1/users/{userID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := s.ledger.Withdraw(r.Context(), userID, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, "insufficient funds", http.StatusConflict)
		return
	case err != nil:
		writeError(w, "withdrawal failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// --- Holdings ---

// GetHolding handles GET /api/v1/users/{userID}/holdings/{coinID}
// A user who holds none of the coin gets a zero-quantity holding.
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	coinID := chi.URLParam(r, "coinID")

	holding, err := s.ledger.GetHolding(r.Context(), userID, coinID)
	if err != nil {
		writeError(w, "failed to load holding", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

// ListHoldings handles GET /api/v1/users/{userID}/holdings
func (s *Service) ListHoldings(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	holdings, err := s.store.ListHoldings(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// --- Trade history ---

// GetHistory handles GET /api/v1/users/{userID}/history
// Records are returned in settlement order (sequence ascending).
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := s.store.GetTradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load trade history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetCoinHistory handles GET /api/v1/coins/{coinID}/history
// Returns every trade settled against the coin, across all users, in
// settlement order (sequence ascending).
func (s *Service) GetCoinHistory(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "coinID")

	records, err := s.store.GetTradesByCoin(r.Context(), coinID)
	if err != nil {
		writeError(w, "failed to load trade history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Marks each holding to the current oracle price. When a quote is
// unavailable the holding is marked at its cost basis.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	holdings, err := s.store.ListHoldings(ctx, userID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}

	positions := make([]model.Position, 0, len(holdings))
	totalValue := balance
	totalPnL := decimal.Zero

	for _, h := range holdings {
		price := s.markPrice(ctx, h)

		symbol := h.CoinID
		if coin, err := s.store.GetCoin(ctx, h.CoinID); err == nil {
			symbol = coin.Symbol
		}

		value := price.Mul(h.Quantity)
		pnl := value.Sub(h.AvgCost.Mul(h.Quantity))

		positions = append(positions, model.Position{
			CoinID:        h.CoinID,
			Symbol:        symbol,
			Quantity:      h.Quantity,
			AvgCost:       h.AvgCost,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: pnl,
		})
		totalValue = totalValue.Add(value)
		totalPnL = totalPnL.Add(pnl)
	}

	writeJSON(w, http.StatusOK, model.Portfolio{
		UserID:     userID,
		Balance:    balance,
		Positions:  positions,
		TotalValue: totalValue,
		TotalPnL:   totalPnL,
	})
}

// markPrice fetches a bounded quote for portfolio marking, falling back
// to the holding's cost basis when the oracle cannot quote.
func (s *Service) markPrice(ctx context.Context, h model.Holding) decimal.Decimal {
	quoteCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	price, err := s.oracle.GetCurrentPrice(quoteCtx, h.CoinID)
	if err != nil {
		return h.AvgCost
	}
	return price
}

// --- Coin catalog ---

// ListCoins handles GET /api/v1/coins
func (s *Service) ListCoins(w http.ResponseWriter, r *http.Request) {
	coins, err := s.store.ListCoins(r.Context())
	if err != nil {
		writeError(w, "failed to list coins", http.StatusInternalServerError)
		return
	}
	if coins == nil {
		coins = []model.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

// UpsertCoin handles POST /api/v1/coins
func (s *Service) UpsertCoin(w http.ResponseWriter, r *http.Request) {
	var coin model.Coin
	if err := json.NewDecoder(r.Body).Decode(&coin); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if coin.ID == "" || coin.Symbol == "" {
		writeError(w, "id and symbol are required", http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertCoin(r.Context(), &coin); err != nil {
		writeError(w, "failed to save coin", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, coin)
}

// GetCoin handles GET /api/v1/coins/{coinID}
func (s *Service) GetCoin(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "coinID")

	coin, err := s.store.GetCoin(r.Context(), coinID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "coin not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load coin", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, coin)
}

// --- Watchlists ---
//
// Add and remove are two explicit idempotent operations, not a toggle:
// repeating either request leaves the watchlist in the same state.

// GetWatchlist handles GET /api/v1/users/{userID}/watchlist
func (s *Service) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	coins, err := s.store.GetWatchlist(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load watchlist", http.StatusInternalServerError)
		return
	}
	if coins == nil {
		coins = []model.Coin{}
	}
	writeJSON(w, http.StatusOK, coins)
}

// AddWatchlistCoin handles PUT /api/v1/users/{userID}/watchlist/{coinID}
func (s *Service) AddWatchlistCoin(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	coinID := chi.URLParam(r, "coinID")

	if _, err := s.store.GetCoin(r.Context(), coinID); errors.Is(err, store.ErrNotFound) {
		writeError(w, "coin not found", http.StatusNotFound)
		return
	}

	if err := s.store.AddWatchlistCoin(r.Context(), userID, coinID); err != nil {
		writeError(w, "failed to update watchlist", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveWatchlistCoin handles DELETE /api/v1/users/{userID}/watchlist/{coinID}
func (s *Service) RemoveWatchlistCoin(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	coinID := chi.URLParam(r, "coinID")

	if err := s.store.RemoveWatchlistCoin(r.Context(), userID, coinID); err != nil {
		writeError(w, "failed to update watchlist", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
