// Package marketdata ingests real-time prices over exchange WebSocket feeds,
// normalizes them into canonical price points, caches them with
// priority-tiered TTLs, republishes them onto the shared event stream and
// falls back to REST polling whenever a symbol's WebSocket channel goes
// stale.
package marketdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source records how a price point was obtained.
type Source string

const (
	SourceWebSocket    Source = "websocket"
	SourceRESTFallback Source = "rest_fallback"
	SourceCached       Source = "cached"
)

// PricePoint is the canonical normalized price record. It is an immutable
// value: consumers always receive a fresh copy, never shared mutable state.
type PricePoint struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Change24h    decimal.Decimal `json:"change_24h"`
	ChangePct24h decimal.Decimal `json:"change_pct_24h"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
	Exchange     string          `json:"exchange"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       Source          `json:"source"`
}

// Tier classifies symbols by how aggressively they are cached and polled.
type Tier int

const (
	TierCold Tier = iota
	TierWarm
	TierHot
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	default:
		return "cold"
	}
}

// ErrPriceUnavailable is returned when neither the cache nor the REST
// fallback can produce a price.
var ErrPriceUnavailable = errors.New("price unavailable")

// ExchangeConfig describes one WebSocket feed.
type ExchangeConfig struct {
	Name                 string        `mapstructure:"name" yaml:"name"`
	URL                  string        `mapstructure:"url" yaml:"url"`
	Symbols              []string      `mapstructure:"symbols" yaml:"symbols"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
}

// Validate checks the exchange configuration and fills defaults.
func (c *ExchangeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("exchange requires a name")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("exchange %s requires at least one symbol", c.Name)
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	return nil
}

// Config configures the market data manager.
type Config struct {
	Exchanges []ExchangeConfig `mapstructure:"exchanges" yaml:"exchanges"`

	// Symbol tiering. Symbols in neither list are cold.
	HotSymbols  []string `mapstructure:"hot_symbols" yaml:"hot_symbols"`
	WarmSymbols []string `mapstructure:"warm_symbols" yaml:"warm_symbols"`

	// Cache TTLs per tier.
	HotTTL  time.Duration `mapstructure:"hot_ttl" yaml:"hot_ttl"`
	WarmTTL time.Duration `mapstructure:"warm_ttl" yaml:"warm_ttl"`
	ColdTTL time.Duration `mapstructure:"cold_ttl" yaml:"cold_ttl"`

	// Fallback polling base intervals per tier.
	HotFallbackBase  time.Duration `mapstructure:"hot_fallback_base" yaml:"hot_fallback_base"`
	WarmFallbackBase time.Duration `mapstructure:"warm_fallback_base" yaml:"warm_fallback_base"`
	ColdFallbackBase time.Duration `mapstructure:"cold_fallback_base" yaml:"cold_fallback_base"`

	// REST call budgets per tier.
	HotRestTimeout  time.Duration `mapstructure:"hot_rest_timeout" yaml:"hot_rest_timeout"`
	WarmRestTimeout time.Duration `mapstructure:"warm_rest_timeout" yaml:"warm_rest_timeout"`
	ColdRestTimeout time.Duration `mapstructure:"cold_rest_timeout" yaml:"cold_rest_timeout"`

	// StaleAfter is the WebSocket inactivity span that activates fallback.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`

	// Fallback interval clamps.
	FallbackMin time.Duration `mapstructure:"fallback_min" yaml:"fallback_min"`
	FallbackMax time.Duration `mapstructure:"fallback_max" yaml:"fallback_max"`

	// SubscriberBuffer sizes each subscriber's delivery channel.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	for i := range c.Exchanges {
		if err := c.Exchanges[i].Validate(); err != nil {
			return err
		}
	}
	if c.HotTTL <= 0 {
		c.HotTTL = 5 * time.Second
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = 30 * time.Second
	}
	if c.ColdTTL <= 0 {
		c.ColdTTL = 2 * time.Minute
	}
	if c.HotFallbackBase <= 0 {
		c.HotFallbackBase = 2 * time.Second
	}
	if c.WarmFallbackBase <= 0 {
		c.WarmFallbackBase = 5 * time.Second
	}
	if c.ColdFallbackBase <= 0 {
		c.ColdFallbackBase = 10 * time.Second
	}
	if c.HotRestTimeout <= 0 {
		c.HotRestTimeout = 2 * time.Second
	}
	if c.WarmRestTimeout <= 0 {
		c.WarmRestTimeout = 5 * time.Second
	}
	if c.ColdRestTimeout <= 0 {
		c.ColdRestTimeout = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.FallbackMin <= 0 {
		c.FallbackMin = time.Second
	}
	if c.FallbackMax <= 0 {
		c.FallbackMax = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return nil
}

// TierOf classifies a symbol.
func (c *Config) TierOf(symbol string) Tier {
	for _, s := range c.HotSymbols {
		if s == symbol {
			return TierHot
		}
	}
	for _, s := range c.WarmSymbols {
		if s == symbol {
			return TierWarm
		}
	}
	return TierCold
}

func (c *Config) ttlFor(t Tier) time.Duration {
	switch t {
	case TierHot:
		return c.HotTTL
	case TierWarm:
		return c.WarmTTL
	default:
		return c.ColdTTL
	}
}

func (c *Config) fallbackBase(t Tier) time.Duration {
	switch t {
	case TierHot:
		return c.HotFallbackBase
	case TierWarm:
		return c.WarmFallbackBase
	default:
		return c.ColdFallbackBase
	}
}

func (c *Config) restTimeout(t Tier) time.Duration {
	switch t {
	case TierHot:
		return c.HotRestTimeout
	case TierWarm:
		return c.WarmRestTimeout
	default:
		return c.ColdRestTimeout
	}
}
