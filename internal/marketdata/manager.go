package marketdata

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nexbit/tradecore/internal/events"
	"github.com/nexbit/tradecore/internal/infrastructure/backpressure"
	"github.com/nexbit/tradecore/internal/infrastructure/resilience"
)

// maxReconnectDelay caps the doubling reconnect backoff.
const maxReconnectDelay = time.Minute

// restBreakerName guards every REST fallback call behind one breaker.
const restBreakerName = "marketdata:rest"

// StreamPublisher republishes normalized price points onto the shared event
// stream. Satisfied by *events.Manager.
type StreamPublisher interface {
	Publish(ctx context.Context, stream, eventType string, payload interface{}) (events.Event, error)
}

// wsConn is the slice of *websocket.Conn the manager needs; tests substitute
// a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

type exchangeRuntime struct {
	cfg  ExchangeConfig
	feed Feed
}

type subscriber struct {
	ch chan PricePoint
}

// Manager supervises one WebSocket connection per exchange, normalizes and
// caches inbound tickers, republishes them, and runs per-symbol REST
// fallback polling that activates only when the WebSocket channel for that
// symbol has gone stale.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *marketMetrics

	exchanges []exchangeRuntime
	cache     *PriceCache
	rest      RestClient
	publisher StreamPublisher
	breakers  *resilience.Registry
	bp        *backpressure.Manager

	dial func(ctx context.Context, url string) (wsConn, error)

	subMu sync.RWMutex
	subs  map[string][]*subscriber

	healthMu  sync.RWMutex
	unhealthy map[string]bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now func() time.Time
}

// NewManager creates the market data manager. publisher, breakers and bp may
// be nil; each absence degrades that guard, never the ingestion itself.
func NewManager(cfg Config, cache *PriceCache, rest RestClient, publisher StreamPublisher, breakers *resilience.Registry, bp *backpressure.Manager, reg prometheus.Registerer, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, fmt.Errorf("market data manager requires a price cache")
	}
	if rest == nil {
		return nil, fmt.Errorf("market data manager requires a rest fallback client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exchanges := make([]exchangeRuntime, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		feed, err := NewFeed(ex.Name)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, exchangeRuntime{cfg: ex, feed: feed})
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   newMarketMetrics(reg),
		exchanges: exchanges,
		cache:     cache,
		rest:      rest,
		publisher: publisher,
		breakers:  breakers,
		bp:        bp,
		dial:      defaultDial,
		subs:      make(map[string][]*subscriber),
		unhealthy: make(map[string]bool),
		now:       time.Now,
	}, nil
}

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Start launches the exchange supervisors and per-symbol fallback tasks.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return fmt.Errorf("market data manager already started")
	}
	m.started = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, ex := range m.exchanges {
		m.wg.Add(1)
		go m.superviseExchange(ctx, ex)
	}

	for _, symbol := range m.symbolUnion() {
		m.wg.Add(1)
		go m.symbolFallbackLoop(ctx, symbol)
	}

	m.logger.Info("market data manager started",
		zap.Int("exchanges", len(m.exchanges)),
		zap.Int("symbols", len(m.symbolUnion())))
	return nil
}

// Stop cancels all supervisors and fallback tasks and joins them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.subMu.Lock()
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	m.subs = make(map[string][]*subscriber)
	m.subMu.Unlock()

	m.wg.Wait()
	m.logger.Info("market data manager stopped")
}

func (m *Manager) symbolUnion() []string {
	seen := map[string]bool{}
	var symbols []string
	for _, ex := range m.exchanges {
		for _, s := range ex.cfg.Symbols {
			if !seen[s] {
				seen[s] = true
				symbols = append(symbols, s)
			}
		}
	}
	return symbols
}

// superviseExchange keeps one exchange connection alive: connect, stream,
// and on any error reconnect with a doubling delay. Exhausting the reconnect
// budget marks the exchange permanently unhealthy for the process lifetime.
func (m *Manager) superviseExchange(ctx context.Context, ex exchangeRuntime) {
	defer m.wg.Done()

	log := m.logger.With(zap.String("exchange", ex.cfg.Name))
	attempts := 0
	delay := ex.cfg.ReconnectBase

	for ctx.Err() == nil {
		conn, err := m.dial(ctx, ex.cfg.URL)
		if err == nil {
			attempts = 0
			delay = ex.cfg.ReconnectBase
			m.metrics.exchangeUp.WithLabelValues(ex.cfg.Name).Set(1)
			log.Info("exchange feed connected", zap.String("url", ex.cfg.URL))

			streamErr := m.stream(ctx, ex, conn)
			m.metrics.exchangeUp.WithLabelValues(ex.cfg.Name).Set(0)
			if ctx.Err() != nil {
				return
			}
			log.Warn("exchange stream interrupted", zap.Error(streamErr))
		} else {
			if ctx.Err() != nil {
				return
			}
			log.Warn("exchange dial failed", zap.Error(err))
		}

		attempts++
		m.metrics.reconnects.WithLabelValues(ex.cfg.Name).Inc()
		if attempts > ex.cfg.MaxReconnectAttempts {
			m.markUnhealthy(ex.cfg.Name)
			log.Error("exchange exceeded reconnect budget, marking permanently unhealthy",
				zap.Int("attempts", attempts),
				zap.Int("budget", ex.cfg.MaxReconnectAttempts))
			return
		}

		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// stream subscribes and pumps frames until the connection errors or the
// context is canceled.
func (m *Manager) stream(ctx context.Context, ex exchangeRuntime, conn wsConn) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on cancellation.
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(ex.feed.SubscribePayload(ex.cfg.Symbols)); err != nil {
		return fmt.Errorf("subscribe to %s: %w", ex.cfg.Name, err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		point, isTicker, parseErr := ex.feed.Parse(raw)
		if parseErr != nil {
			// Malformed ticker: drop the single message, stream health is
			// unaffected.
			m.logger.Warn("dropping malformed ticker frame",
				zap.String("exchange", ex.cfg.Name),
				zap.Error(parseErr))
			m.metrics.malformed.WithLabelValues(ex.cfg.Name).Inc()
			continue
		}
		if !isTicker {
			continue
		}

		m.metrics.ticks.WithLabelValues(ex.cfg.Name).Inc()
		m.ingest(streamCtx, point)
	}
}

// ingest caches a normalized point, republishes it onto the shared stream
// and fans it out to subscribers.
func (m *Manager) ingest(ctx context.Context, point PricePoint) {
	m.cache.Put(ctx, point)

	if m.publisher != nil {
		if _, err := m.publisher.Publish(ctx, events.StreamMarketUpdates, "price.update", point); err != nil && ctx.Err() == nil {
			m.logger.Warn("failed to republish price point",
				zap.String("symbol", point.Symbol),
				zap.Error(err))
		}
	}

	m.notify(point)
}

// notify delivers to subscriber channels without ever blocking the
// publishing path: a full channel drops the point for that subscriber.
func (m *Manager) notify(point PricePoint) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, sub := range m.subs[point.Symbol] {
		select {
		case sub.ch <- point:
		default:
			m.metrics.subscriberDrops.WithLabelValues(point.Symbol).Inc()
			m.logger.Warn("slow subscriber, dropping price update",
				zap.String("symbol", point.Symbol))
		}
	}
}

// Subscribe registers a callback for every update of symbol. The callback
// runs on a dedicated goroutine and may be slow or panic without stalling
// ingestion. The returned function cancels the subscription.
func (m *Manager) Subscribe(symbol string, cb func(PricePoint)) func() {
	sub := &subscriber{ch: make(chan PricePoint, m.cfg.SubscriberBuffer)}

	m.subMu.Lock()
	m.subs[symbol] = append(m.subs[symbol], sub)
	m.subMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for point := range sub.ch {
			m.invoke(symbol, cb, point)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			subs := m.subs[symbol]
			for i, s := range subs {
				if s == sub {
					m.subs[symbol] = append(subs[:i], subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
			m.subMu.Unlock()
		})
	}
}

// invoke isolates a raising subscriber from the delivery goroutine.
func (m *Manager) invoke(symbol string, cb func(PricePoint), point PricePoint) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber callback panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r))
		}
	}()
	cb(point)
}

// symbolFallbackLoop polls the REST endpoint for one symbol, but only while
// the WebSocket channel for it is stale. The interval doubles per
// consecutive failure (capped 8x) with ±10% jitter, clamped to the
// configured band.
func (m *Manager) symbolFallbackLoop(ctx context.Context, symbol string) {
	defer m.wg.Done()

	tier := m.cfg.TierOf(symbol)
	failures := 0

	for {
		if !sleepCtx(ctx, m.fallbackInterval(tier, failures)) {
			return
		}

		point, ok := m.cache.Get(ctx, symbol)
		if !m.needsFallback(point, ok) {
			failures = 0
			continue
		}

		quote, err := m.fetchRest(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.metrics.fallbackFetches.WithLabelValues(symbol, "error").Inc()
			m.logger.Warn("rest fallback fetch failed",
				zap.String("symbol", symbol),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			continue
		}

		failures = 0
		m.metrics.fallbackFetches.WithLabelValues(symbol, "ok").Inc()
		m.ingest(ctx, PricePoint{
			Symbol:    symbol,
			Price:     quote.Price,
			Volume24h: quote.Volume,
			Exchange:  "rest",
			Timestamp: m.now(),
			Source:    SourceRESTFallback,
		})
	}
}

// needsFallback is the activation predicate: the cached point is missing,
// did not come over WebSocket, or has gone stale.
func (m *Manager) needsFallback(point PricePoint, ok bool) bool {
	if !ok {
		return true
	}
	if point.Source != SourceWebSocket {
		return true
	}
	return m.now().Sub(point.Timestamp) > m.cfg.StaleAfter
}

// fallbackInterval computes base(tier) * min(2^failures, 8) with ±10%
// jitter, clamped to [FallbackMin, FallbackMax].
func (m *Manager) fallbackInterval(tier Tier, failures int) time.Duration {
	multiplier := 1
	for i := 0; i < failures && multiplier < 8; i++ {
		multiplier *= 2
	}

	interval := float64(m.cfg.fallbackBase(tier)) * float64(multiplier)
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	interval *= jitter

	d := time.Duration(interval)
	if d < m.cfg.FallbackMin {
		d = m.cfg.FallbackMin
	}
	if d > m.cfg.FallbackMax {
		d = m.cfg.FallbackMax
	}
	return d
}

// fetchRest runs the REST price call behind the circuit breaker and
// backpressure guards when they are wired.
func (m *Manager) fetchRest(ctx context.Context, symbol string) (PriceQuote, error) {
	tier := m.cfg.TierOf(symbol)
	timeout := m.cfg.restTimeout(tier)

	var quote PriceQuote
	call := func(ctx context.Context) error {
		q, err := m.rest.GetPrice(ctx, symbol)
		if err != nil {
			return err
		}
		quote = q
		return nil
	}

	run := call
	if m.breakers != nil {
		inner := run
		run = func(ctx context.Context) error {
			return m.breakers.Call(ctx, restBreakerName, inner)
		}
	}

	if m.bp != nil {
		return quote, m.bp.Execute(ctx, tierPriority(tier), timeout, run)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return quote, run(callCtx)
}

func tierPriority(t Tier) backpressure.Priority {
	switch t {
	case TierHot:
		return backpressure.PriorityHigh
	case TierWarm:
		return backpressure.PriorityMedium
	default:
		return backpressure.PriorityLow
	}
}

// CurrentPrice is the external read contract: fresh cache within its tier
// TTL, else a REST fetch cached as rest_fallback, else unavailable.
func (m *Manager) CurrentPrice(ctx context.Context, symbol string) (PricePoint, error) {
	if point, ok := m.cache.Get(ctx, symbol); ok && m.cache.Fresh(point) {
		served := point
		served.Source = SourceCached
		return served, nil
	}

	quote, err := m.fetchRest(ctx, symbol)
	if err != nil {
		m.logger.Warn("price unavailable",
			zap.String("symbol", symbol),
			zap.Error(err))
		return PricePoint{}, ErrPriceUnavailable
	}

	point := PricePoint{
		Symbol:    symbol,
		Price:     quote.Price,
		Volume24h: quote.Volume,
		Exchange:  "rest",
		Timestamp: m.now(),
		Source:    SourceRESTFallback,
	}
	m.ingest(ctx, point)
	return point, nil
}

func (m *Manager) markUnhealthy(exchange string) {
	m.healthMu.Lock()
	m.unhealthy[exchange] = true
	m.healthMu.Unlock()
}

// Healthy reports whether an exchange is still inside its reconnect budget.
func (m *Manager) Healthy(exchange string) bool {
	m.healthMu.RLock()
	defer m.healthMu.RUnlock()
	return !m.unhealthy[exchange]
}

// Status reports feed health and cache population for the health surface.
func (m *Manager) Status() map[string]interface{} {
	exchanges := make(map[string]interface{}, len(m.exchanges))
	m.healthMu.RLock()
	for _, ex := range m.exchanges {
		exchanges[ex.cfg.Name] = map[string]interface{}{
			"healthy": !m.unhealthy[ex.cfg.Name],
			"symbols": len(ex.cfg.Symbols),
		}
	}
	m.healthMu.RUnlock()

	m.subMu.RLock()
	subscribers := 0
	for _, subs := range m.subs {
		subscribers += len(subs)
	}
	m.subMu.RUnlock()

	return map[string]interface{}{
		"exchanges":      exchanges,
		"cached_symbols": m.cache.Len(),
		"subscribers":    subscribers,
	}
}

// sleepCtx sleeps for d unless the context is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type marketMetrics struct {
	ticks           *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	exchangeUp      *prometheus.GaugeVec
	fallbackFetches *prometheus.CounterVec
	subscriberDrops *prometheus.CounterVec
}

func newMarketMetrics(reg prometheus.Registerer) *marketMetrics {
	m := &marketMetrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_ticks_total",
			Help: "Total normalized ticker messages per exchange",
		}, []string{"exchange"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_malformed_total",
			Help: "Total malformed ticker frames dropped per exchange",
		}, []string{"exchange"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_reconnects_total",
			Help: "Total reconnect attempts per exchange",
		}, []string{"exchange"}),
		exchangeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketdata_exchange_up",
			Help: "Whether the exchange WebSocket feed is currently streaming",
		}, []string{"exchange"}),
		fallbackFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_fallback_fetches_total",
			Help: "Total REST fallback fetches per symbol and result",
		}, []string{"symbol", "result"}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_subscriber_drops_total",
			Help: "Total price updates dropped for slow subscribers",
		}, []string{"symbol"}),
	}
	if reg != nil {
		reg.MustRegister(m.ticks, m.malformed, m.reconnects, m.exchangeUp,
			m.fallbackFetches, m.subscriberDrops)
	}
	return m
}
