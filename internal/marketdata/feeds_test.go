package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeedResolvesAdapters(t *testing.T) {
	for _, name := range []string{"binance", "Binance", "coinbase"} {
		feed, err := NewFeed(name)
		require.NoError(t, err)
		require.NotNil(t, feed)
	}

	_, err := NewFeed("kraken")
	require.Error(t, err)
}

func TestBinanceSubscribePayload(t *testing.T) {
	feed := &binanceFeed{}
	payload, ok := feed.SubscribePayload([]string{"BTC", "ETH"}).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "SUBSCRIBE", payload["method"])
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@ticker"}, payload["params"])
}

func TestBinanceParseNormalizesTicker(t *testing.T) {
	feed := &binanceFeed{}
	raw := []byte(`{"e":"24hrTicker","s":"ETHUSDT","c":"3000.25","p":"-50.5","P":"-1.66","v":"20000","h":"3100","l":"2950"}`)

	point, isTicker, err := feed.Parse(raw)
	require.NoError(t, err)
	require.True(t, isTicker)

	assert.Equal(t, "ETH", point.Symbol)
	assert.Equal(t, "binance", point.Exchange)
	assert.Equal(t, SourceWebSocket, point.Source)
	assert.True(t, point.Price.Equal(decimal.RequireFromString("3000.25")))
	assert.True(t, point.Change24h.Equal(decimal.RequireFromString("-50.5")))
	assert.True(t, point.High24h.Equal(decimal.NewFromInt(3100)))
	assert.False(t, point.Timestamp.IsZero())
}

func TestBinanceParseSkipsNonTickerFrames(t *testing.T) {
	feed := &binanceFeed{}

	_, isTicker, err := feed.Parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.False(t, isTicker)
}

func TestBinanceParseRejectsMalformedFrames(t *testing.T) {
	feed := &binanceFeed{}

	_, _, err := feed.Parse([]byte(`{{{`))
	require.Error(t, err)

	_, _, err = feed.Parse([]byte(`{"e":"24hrTicker","s":"BTCUSDT","c":"not-a-number"}`))
	require.Error(t, err)
}

func TestCoinbaseSubscribePayload(t *testing.T) {
	feed := &coinbaseFeed{}
	payload, ok := feed.SubscribePayload([]string{"btc"}).(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "subscribe", payload["type"])
	assert.Equal(t, []string{"BTC-USD"}, payload["product_ids"])
}

func TestCoinbaseParseDerivesChangeFromOpen(t *testing.T) {
	feed := &coinbaseFeed{}
	raw := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"51000","open_24h":"50000","volume_24h":"1200","high_24h":"51500","low_24h":"49800"}`)

	point, isTicker, err := feed.Parse(raw)
	require.NoError(t, err)
	require.True(t, isTicker)

	assert.Equal(t, "BTC", point.Symbol)
	assert.Equal(t, "coinbase", point.Exchange)
	assert.True(t, point.Change24h.Equal(decimal.NewFromInt(1000)))
	assert.True(t, point.ChangePct24h.Equal(decimal.NewFromInt(2)))
}

func TestCoinbaseParseSkipsHeartbeats(t *testing.T) {
	feed := &coinbaseFeed{}

	_, isTicker, err := feed.Parse([]byte(`{"type":"heartbeat","product_id":"BTC-USD"}`))
	require.NoError(t, err)
	assert.False(t, isTicker)
}
