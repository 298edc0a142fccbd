package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const priceKeyPrefix = "md:price:"

// PriceCache holds the latest point per symbol with a TTL chosen by symbol
// tier. The in-memory map is authoritative; Redis is a best-effort shared
// layer so sibling processes see recent prices. Absence of Redis degrades to
// in-memory only.
type PriceCache struct {
	cfg    *Config
	rdb    *redis.Client
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]cachedEntry

	now func() time.Time
}

type cachedEntry struct {
	point    PricePoint
	storedAt time.Time
}

// NewPriceCache creates the tiered price cache. rdb may be nil.
func NewPriceCache(cfg *Config, rdb *redis.Client, logger *zap.Logger) *PriceCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceCache{
		cfg:     cfg,
		rdb:     rdb,
		logger:  logger,
		entries: make(map[string]cachedEntry),
		now:     time.Now,
	}
}

// Put stores a point under its symbol's tier TTL.
func (c *PriceCache) Put(ctx context.Context, point PricePoint) {
	c.mu.Lock()
	c.entries[point.Symbol] = cachedEntry{point: point, storedAt: c.now()}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	ttl := c.cfg.ttlFor(c.cfg.TierOf(point.Symbol))
	payload, err := json.Marshal(point)
	if err != nil {
		c.logger.Warn("failed to encode price point for cache", zap.String("symbol", point.Symbol), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, priceKeyPrefix+point.Symbol, payload, ttl).Err(); err != nil {
		c.logger.Warn("shared price cache write failed", zap.String("symbol", point.Symbol), zap.Error(err))
	}
}

// Get returns the latest stored point regardless of freshness; callers judge
// staleness against their own thresholds. The bool is false on a miss.
func (c *PriceCache) Get(ctx context.Context, symbol string) (PricePoint, bool) {
	c.mu.RLock()
	entry, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok {
		return entry.point, true
	}

	if c.rdb == nil {
		return PricePoint{}, false
	}
	payload, err := c.rdb.Get(ctx, priceKeyPrefix+symbol).Bytes()
	if err != nil {
		return PricePoint{}, false
	}
	var point PricePoint
	if err := json.Unmarshal(payload, &point); err != nil {
		// Round-trip mismatch is a data-integrity failure: log and treat as
		// a miss.
		c.logger.Warn("malformed cached price point", zap.String("symbol", symbol), zap.Error(err))
		return PricePoint{}, false
	}

	c.mu.Lock()
	c.entries[symbol] = cachedEntry{point: point, storedAt: c.now()}
	c.mu.Unlock()
	return point, true
}

// Fresh reports whether the cached point for symbol is within its tier TTL.
func (c *PriceCache) Fresh(point PricePoint) bool {
	ttl := c.cfg.ttlFor(c.cfg.TierOf(point.Symbol))
	return c.now().Sub(point.Timestamp) <= ttl
}

// Len returns the number of symbols held in memory.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
