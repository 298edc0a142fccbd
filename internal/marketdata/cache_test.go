package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPriceCacheMemoryRoundTrip(t *testing.T) {
	cfg := testMarketConfig()
	cache := NewPriceCache(&cfg, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, ok := cache.Get(ctx, "BTC")
	assert.False(t, ok)

	cache.Put(ctx, wsPoint("BTC", time.Now()))
	point, ok := cache.Get(ctx, "BTC")
	require.True(t, ok)
	assert.True(t, point.Price.Equal(decimal.NewFromInt(50_000)))
	assert.Equal(t, 1, cache.Len())
}

func TestPriceCacheSharedLayerFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testMarketConfig()
	ctx := context.Background()

	// One process writes the shared layer.
	writer := NewPriceCache(&cfg, client, zaptest.NewLogger(t))
	writer.Put(ctx, wsPoint("BTC", time.Now()))

	// A sibling with a cold memory map reads it back.
	reader := NewPriceCache(&cfg, client, zaptest.NewLogger(t))
	point, ok := reader.Get(ctx, "BTC")
	require.True(t, ok)
	assert.Equal(t, "BTC", point.Symbol)
	assert.True(t, point.Price.Equal(decimal.NewFromInt(50_000)))
}

func TestPriceCacheMalformedSharedEntryIsAMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testMarketConfig()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, priceKeyPrefix+"BTC", "not json", 0).Err())

	cache := NewPriceCache(&cfg, client, zaptest.NewLogger(t))
	_, ok := cache.Get(ctx, "BTC")
	assert.False(t, ok)
}

func TestFreshRespectsTierTTL(t *testing.T) {
	cfg := testMarketConfig()
	cache := NewPriceCache(&cfg, nil, zaptest.NewLogger(t))

	now := time.Now()
	cache.now = func() time.Time { return now }

	// BTC is hot (5s TTL), SOL warm (30s), DOGE cold (2m).
	assert.True(t, cache.Fresh(wsPoint("BTC", now.Add(-4*time.Second))))
	assert.False(t, cache.Fresh(wsPoint("BTC", now.Add(-6*time.Second))))

	assert.True(t, cache.Fresh(wsPoint("SOL", now.Add(-20*time.Second))))
	assert.False(t, cache.Fresh(wsPoint("SOL", now.Add(-31*time.Second))))

	assert.True(t, cache.Fresh(wsPoint("DOGE", now.Add(-90*time.Second))))
	assert.False(t, cache.Fresh(wsPoint("DOGE", now.Add(-3*time.Minute))))
}
