package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Feed adapts one exchange's WebSocket protocol: it knows how to subscribe
// and how to normalize inbound ticker frames into PricePoints. Adapters are
// resolved once at startup.
type Feed interface {
	Name() string
	// SubscribePayload builds the subscription frame for the symbol set.
	SubscribePayload(symbols []string) interface{}
	// Parse normalizes one inbound frame. The bool is false for frames that
	// are not tickers (acks, heartbeats); an error marks a malformed ticker.
	Parse(raw []byte) (PricePoint, bool, error)
}

// NewFeed resolves an exchange name to its adapter.
func NewFeed(name string) (Feed, error) {
	switch strings.ToLower(name) {
	case "binance":
		return &binanceFeed{}, nil
	case "coinbase":
		return &coinbaseFeed{}, nil
	default:
		return nil, fmt.Errorf("unknown exchange feed %q", name)
	}
}

// binanceFeed speaks the Binance combined ticker protocol. Canonical symbols
// are base assets ("BTC"); the feed subscribes against the USDT pair.
type binanceFeed struct{}

func (f *binanceFeed) Name() string { return "binance" }

func (f *binanceFeed) SubscribePayload(symbols []string) interface{} {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"usdt@ticker")
	}
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
}

type binanceTicker struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Change    string `json:"p"`
	ChangePct string `json:"P"`
	Volume    string `json:"v"`
	High      string `json:"h"`
	Low       string `json:"l"`
}

func (f *binanceFeed) Parse(raw []byte) (PricePoint, bool, error) {
	var tick binanceTicker
	if err := json.Unmarshal(raw, &tick); err != nil {
		return PricePoint{}, false, fmt.Errorf("decode binance frame: %w", err)
	}
	if tick.EventType != "24hrTicker" {
		return PricePoint{}, false, nil
	}

	point := PricePoint{
		Symbol:    strings.TrimSuffix(tick.Symbol, "USDT"),
		Exchange:  f.Name(),
		Timestamp: time.Now().UTC(),
		Source:    SourceWebSocket,
	}
	var err error
	if point.Price, err = decimal.NewFromString(tick.Last); err != nil {
		return PricePoint{}, false, fmt.Errorf("binance ticker %s: bad price %q", tick.Symbol, tick.Last)
	}
	point.Change24h, _ = decimal.NewFromString(tick.Change)
	point.ChangePct24h, _ = decimal.NewFromString(tick.ChangePct)
	point.Volume24h, _ = decimal.NewFromString(tick.Volume)
	point.High24h, _ = decimal.NewFromString(tick.High)
	point.Low24h, _ = decimal.NewFromString(tick.Low)
	return point, true, nil
}

// coinbaseFeed speaks the Coinbase Exchange ticker channel. Canonical
// symbols map to USD products.
type coinbaseFeed struct{}

func (f *coinbaseFeed) Name() string { return "coinbase" }

func (f *coinbaseFeed) SubscribePayload(symbols []string) interface{} {
	products := make([]string, 0, len(symbols))
	for _, s := range symbols {
		products = append(products, strings.ToUpper(s)+"-USD")
	}
	return map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	}
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open      string `json:"open_24h"`
	Volume    string `json:"volume_24h"`
	High      string `json:"high_24h"`
	Low       string `json:"low_24h"`
}

func (f *coinbaseFeed) Parse(raw []byte) (PricePoint, bool, error) {
	var tick coinbaseTicker
	if err := json.Unmarshal(raw, &tick); err != nil {
		return PricePoint{}, false, fmt.Errorf("decode coinbase frame: %w", err)
	}
	if tick.Type != "ticker" {
		return PricePoint{}, false, nil
	}

	point := PricePoint{
		Symbol:    strings.TrimSuffix(tick.ProductID, "-USD"),
		Exchange:  f.Name(),
		Timestamp: time.Now().UTC(),
		Source:    SourceWebSocket,
	}
	var err error
	if point.Price, err = decimal.NewFromString(tick.Price); err != nil {
		return PricePoint{}, false, fmt.Errorf("coinbase ticker %s: bad price %q", tick.ProductID, tick.Price)
	}
	point.Volume24h, _ = decimal.NewFromString(tick.Volume)
	point.High24h, _ = decimal.NewFromString(tick.High)
	point.Low24h, _ = decimal.NewFromString(tick.Low)

	// Coinbase reports the 24h open instead of the change; derive both.
	if open, openErr := decimal.NewFromString(tick.Open); openErr == nil && !open.IsZero() {
		point.Change24h = point.Price.Sub(open)
		point.ChangePct24h = point.Change24h.Div(open).Mul(decimal.NewFromInt(100))
	}
	return point, true, nil
}
