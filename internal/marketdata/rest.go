package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is the minimal REST price response.
type PriceQuote struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// RestClient fetches a spot price outside the WebSocket channel. Every call
// must honor the context deadline; an unbounded external call is a design
// defect.
type RestClient interface {
	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)
}

const binanceRestBase = "https://api.binance.com"

// BinanceRest polls the Binance 24h ticker endpoint as the REST fallback
// price source.
type BinanceRest struct {
	baseURL string
	client  *http.Client
}

// NewBinanceRest creates the fallback REST client. timeout bounds each
// request end to end.
func NewBinanceRest(baseURL string, timeout time.Duration) *BinanceRest {
	if baseURL == "" {
		baseURL = binanceRestBase
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BinanceRest{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type binanceRestTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume    string `json:"volume"`
}

// GetPrice fetches the last traded price for the symbol's USDT pair.
func (r *BinanceRest) GetPrice(ctx context.Context, symbol string) (PriceQuote, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%sUSDT", r.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PriceQuote{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("rest price fetch for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PriceQuote{}, fmt.Errorf("rest price fetch for %s: status %d", symbol, resp.StatusCode)
	}

	var tick binanceRestTicker
	if err := json.NewDecoder(resp.Body).Decode(&tick); err != nil {
		return PriceQuote{}, fmt.Errorf("decode rest price for %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(tick.LastPrice)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("rest price for %s: bad price %q", symbol, tick.LastPrice)
	}
	volume, _ := decimal.NewFromString(tick.Volume)
	return PriceQuote{Price: price, Volume: volume}, nil
}
