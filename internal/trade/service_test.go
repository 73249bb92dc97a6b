package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/cointrack/portfolio-engine/internal/engine"
	"github.com/cointrack/portfolio-engine/internal/ledger"
	"github.com/cointrack/portfolio-engine/internal/model"
	"github.com/cointrack/portfolio-engine/internal/oracle"
	"github.com/cointrack/portfolio-engine/internal/store"
	"github.com/cointrack/portfolio-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a Service over an in-memory store with coinX in
// the catalog (quoted at 50), user1 funded with 1000, and a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, *oracle.StaticOracle, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.UpsertCoin(ctx, &model.Coin{ID: "coinX", Symbol: "CNX", Name: "Coin X"}); err != nil {
		t.Fatalf("failed to seed coin: %v", err)
	}
	if err := ms.CreditBalance(ctx, "user1", d(1000)); err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}

	orc := oracle.NewStaticOracle(map[string]decimal.Decimal{"coinX": d(50)})
	ldg := ledger.New(ms)
	exec := engine.New(ms, ldg, orc, nil, time.Second)
	svc := trade.NewService(ms, ldg, exec, orc, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})
	return ms, orc, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doOrder(t *testing.T, router chi.Router, req engine.OrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/orders", req)
}

// --- Order endpoint ---

func TestSubmitOrder_BuySettles(t *testing.T) {
	ms, _, router := newTestEnv(t)

	w := doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(10), Side: model.SideBuy,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.OrderResult
	json.Unmarshal(w.Body.Bytes(), &result)

	if result.Status != engine.StatusSettled {
		t.Errorf("expected SETTLED, got %s", result.Status)
	}
	if !result.ExecutionPrice.Equal(d(50)) {
		t.Errorf("expected execution price 50, got %s", result.ExecutionPrice)
	}

	balance, _ := ms.GetBalance(context.Background(), "user1")
	if !balance.Equal(d(500)) {
		t.Errorf("expected balance 500, got %s", balance)
	}
}

func TestSubmitOrder_InsufficientFunds(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(100), Side: model.SideBuy,
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.OrderResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.ErrorKind != engine.KindInsufficientFunds {
		t.Errorf("expected INSUFFICIENT_FUNDS, got %s", result.ErrorKind)
	}

	// Rejections carry an explicit zero execution price, not an omitted field.
	var raw map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &raw)
	if string(raw["execution_price"]) != `"0"` {
		t.Errorf("expected explicit zero execution_price, got %s", raw["execution_price"])
	}
}

func TestSubmitOrder_UnknownCoin(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "nope", Quantity: d(1), Side: model.SideBuy,
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSubmitOrder_PriceUnavailable(t *testing.T) {
	ms, _, router := newTestEnv(t)

	// In the catalog but unknown to the oracle.
	ms.UpsertCoin(context.Background(), &model.Coin{ID: "coinY", Symbol: "CNY", Name: "Coin Y"})

	w := doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinY", Quantity: d(1), Side: model.SideBuy,
	})

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}

	var result engine.OrderResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.ErrorKind != engine.KindPriceUnavailable {
		t.Errorf("expected PRICE_UNAVAILABLE, got %s", result.ErrorKind)
	}
}

func TestSubmitOrder_MissingUserID(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doOrder(t, router, engine.OrderRequest{
		CoinID: "coinX", Quantity: d(1), Side: model.SideBuy,
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- History endpoint ---

func TestGetHistory_OrderedBySequence(t *testing.T) {
	_, orc, router := newTestEnv(t)

	doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(4), Side: model.SideBuy,
	})
	orc.SetPrice("coinX", d(60))
	doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(2), Side: model.SideSell,
	})

	req := httptest.NewRequest("GET", "/api/v1/users/user1/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var records []model.TradeRecord
	json.Unmarshal(w.Body.Bytes(), &records)

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Seq >= records[1].Seq {
		t.Errorf("records must be ordered by sequence ascending: %d then %d",
			records[0].Seq, records[1].Seq)
	}
	if records[0].Side != model.SideBuy || records[1].Side != model.SideSell {
		t.Errorf("unexpected record order: %s, %s", records[0].Side, records[1].Side)
	}
}

func TestGetCoinHistory_AllUsersInSettlementOrder(t *testing.T) {
	_, _, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/users/user2/deposit",
		map[string]string{"amount": "1000"})

	doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(4), Side: model.SideBuy,
	})
	doOrder(t, router, engine.OrderRequest{
		UserID: "user2", CoinID: "coinX", Quantity: d(2), Side: model.SideBuy,
	})

	req := httptest.NewRequest("GET", "/api/v1/coins/coinX/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var records []model.TradeRecord
	json.Unmarshal(w.Body.Bytes(), &records)

	if len(records) != 2 {
		t.Fatalf("expected 2 records across users, got %d", len(records))
	}
	if records[0].Seq >= records[1].Seq {
		t.Errorf("records must be ordered by sequence ascending: %d then %d",
			records[0].Seq, records[1].Seq)
	}
	if records[0].UserID != "user1" || records[1].UserID != "user2" {
		t.Errorf("unexpected user order: %s, %s", records[0].UserID, records[1].UserID)
	}

	// An untraded coin has an empty, non-null history.
	req = httptest.NewRequest("GET", "/api/v1/coins/coinZ/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	records = nil
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("expected empty history for untraded coin, got %d", len(records))
	}
}

func TestGetHistory_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/users/nobody/history", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []model.TradeRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("expected empty history, got %d", len(records))
	}
}

// --- Wallet endpoints ---

func TestDepositAndWithdraw(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users/user2/deposit",
		map[string]string{"amount": "300"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/v1/users/user2/withdraw",
		map[string]string{"amount": "100"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Balance.Equal(d(200)) {
		t.Errorf("expected balance 200, got %s", resp.Balance)
	}

	// Over-withdrawal is refused and leaves the balance untouched.
	w = doJSON(t, router, "POST", "/api/v1/users/user2/withdraw",
		map[string]string{"amount": "500"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for over-withdrawal, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/users/user2/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Balance.Equal(d(200)) {
		t.Errorf("balance should remain 200, got %s", resp.Balance)
	}
}

func TestDeposit_NonPositiveAmount(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/users/user2/deposit",
		map[string]string{"amount": "-5"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Holding and portfolio endpoints ---

func TestGetHolding_AbsentIsZero(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/users/user1/holdings/coinX", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var holding model.Holding
	json.Unmarshal(w.Body.Bytes(), &holding)
	if !holding.Quantity.IsZero() {
		t.Errorf("expected zero quantity, got %s", holding.Quantity)
	}
}

func TestGetPortfolio_MarksToOraclePrice(t *testing.T) {
	_, orc, router := newTestEnv(t)

	doOrder(t, router, engine.OrderRequest{
		UserID: "user1", CoinID: "coinX", Quantity: d(10), Side: model.SideBuy,
	})
	orc.SetPrice("coinX", d(60))

	req := httptest.NewRequest("GET", "/api/v1/users/user1/portfolio", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var portfolio model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &portfolio)

	if !portfolio.Balance.Equal(d(500)) {
		t.Errorf("expected balance 500, got %s", portfolio.Balance)
	}
	if len(portfolio.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(portfolio.Positions))
	}
	p := portfolio.Positions[0]
	if !p.CurrentValue.Equal(d(600)) {
		t.Errorf("expected current value 600, got %s", p.CurrentValue)
	}
	// Unrealized P&L = (60 - 50) * 10 = 100.
	if !p.UnrealizedPnL.Equal(d(100)) {
		t.Errorf("expected unrealized P&L 100, got %s", p.UnrealizedPnL)
	}
	if !portfolio.TotalValue.Equal(d(1100)) {
		t.Errorf("expected total value 1100, got %s", portfolio.TotalValue)
	}
}

// --- Watchlist endpoints ---

func TestWatchlist_AddRemoveIdempotent(t *testing.T) {
	_, _, router := newTestEnv(t)

	// Adding twice leaves a single entry.
	for i := 0; i < 2; i++ {
		w := doJSON(t, router, "PUT", "/api/v1/users/user1/watchlist/coinX", nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("add %d: expected 204, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/users/user1/watchlist", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var coins []model.Coin
	json.Unmarshal(w.Body.Bytes(), &coins)
	if len(coins) != 1 || coins[0].ID != "coinX" {
		t.Fatalf("expected [coinX], got %v", coins)
	}

	// Removing twice is equally safe.
	for i := 0; i < 2; i++ {
		w := doJSON(t, router, "DELETE", "/api/v1/users/user1/watchlist/coinX", nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("remove %d: expected 204, got %d", i, w.Code)
		}
	}

	req = httptest.NewRequest("GET", "/api/v1/users/user1/watchlist", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	coins = nil
	json.Unmarshal(w.Body.Bytes(), &coins)
	if len(coins) != 0 {
		t.Errorf("expected empty watchlist, got %v", coins)
	}
}

func TestWatchlist_AddUnknownCoin(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "PUT", "/api/v1/users/user1/watchlist/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Coin catalog endpoints ---

func TestCoinCatalog(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/coins",
		model.Coin{ID: "ethereum", Symbol: "ETH", Name: "Ethereum"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("GET", "/api/v1/coins/ethereum", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/coins/nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/coins", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var coins []model.Coin
	json.Unmarshal(rec.Body.Bytes(), &coins)
	if len(coins) != 2 {
		t.Errorf("expected 2 coins, got %d", len(coins))
	}
}
