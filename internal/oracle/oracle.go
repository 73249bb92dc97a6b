// Package oracle supplies current market prices for coins. The live
// implementation talks to a CoinGecko-compatible HTTP API; a fixed
// implementation backs tests and development.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrCoinNotFound is returned when the price source does not know
	// the coin.
	ErrCoinNotFound = errors.New("oracle: coin not found")

	// ErrPriceUnavailable is returned when the price source is
	// unreachable, times out, or returns an unusable response.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
)

// Oracle supplies the current quoted price for a coin. Implementations
// are assumed network-backed and therefore fallible and slow; callers
// bound every fetch with a context deadline.
type Oracle interface {
	GetCurrentPrice(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// HTTPOracle fetches prices from a CoinGecko-compatible simple-price
// endpoint: GET {base}/simple/price?ids={coin}&vs_currencies={currency}.
type HTTPOracle struct {
	baseURL  string
	currency string
	client   *http.Client
}

// NewHTTPOracle creates an oracle against the given API base URL.
// The client timeout is a last-resort bound; per-request deadlines come
// from the caller's context.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL:  baseURL,
		currency: "usd",
		client:   &http.Client{Timeout: timeout},
	}
}

// GetCurrentPrice fetches one price quote.
func (o *HTTPOracle) GetCurrentPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", o.currency)
	reqURL := fmt.Sprintf("%s/simple/price?%s", o.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, ErrCoinNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	// {"bitcoin":{"usd":64321.5}}
	var body map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	quotes, ok := body[coinID]
	if !ok {
		return decimal.Zero, ErrCoinNotFound
	}
	raw, ok := quotes[o.currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s quote for %s", ErrPriceUnavailable, o.currency, coinID)
	}

	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad price %q", ErrPriceUnavailable, raw.String())
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, price)
	}
	return price, nil
}

// StaticOracle serves fixed prices from memory. Used for testing and
// development when no market-data feed is configured.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle with the given fixed prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp}
}

// SetPrice sets or replaces the quoted price for a coin.
func (o *StaticOracle) SetPrice(coinID string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[coinID] = price
}

// GetCurrentPrice returns the fixed price, or ErrCoinNotFound.
func (o *StaticOracle) GetCurrentPrice(_ context.Context, coinID string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	price, ok := o.prices[coinID]
	if !ok {
		return decimal.Zero, ErrCoinNotFound
	}
	return price, nil
}
