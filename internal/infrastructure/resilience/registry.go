package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Registry manages the per-dependency circuit breakers. Breakers are created
// lazily on first lookup and live for the process lifetime. Snapshots are
// synced to a shared store on an interval so multiple process instances agree
// approximately on state; a stale read only delays open detection by the sync
// interval.
type Registry struct {
	defaults Config
	logger   *zap.Logger
	store    Store
	metrics  *breakerMetrics

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a circuit breaker registry. store may be nil, in which
// case breaker state is in-memory only.
func NewRegistry(defaults Config, store Store, reg prometheus.Registerer, logger *zap.Logger) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defaults: defaults,
		logger:   logger,
		store:    store,
		metrics:  newBreakerMetrics(reg),
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// GetOrCreate returns the breaker for name, creating it with the registry
// defaults on first lookup.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := newCircuitBreaker(name, r.defaults, r.metrics, r.logger)
	if r.store != nil {
		if snap, ok, err := r.store.LoadBreaker(context.Background(), name); err != nil {
			r.logger.Warn("failed to rehydrate circuit breaker", zap.String("breaker", name), zap.Error(err))
		} else if ok {
			cb.restore(snap)
			r.logger.Info("rehydrated circuit breaker from store",
				zap.String("breaker", name),
				zap.String("state", snap.State))
		}
	}
	r.breakers[name] = cb

	r.logger.Info("created circuit breaker",
		zap.String("breaker", name),
		zap.Int("failure_threshold", r.defaults.FailureThreshold),
		zap.Duration("open_timeout", r.defaults.OpenTimeout))
	return cb
}

// Call executes fn under the named breaker.
func (r *Registry) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.GetOrCreate(name).Execute(ctx, fn)
}

// Start launches the periodic snapshot sync loop. A nil store makes Start a
// no-op.
func (r *Registry) Start(ctx context.Context) error {
	if r.store == nil {
		r.logger.Info("circuit breaker store absent, running in-memory only")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.syncLoop(ctx)
	return nil
}

// Stop halts the sync loop after a final snapshot flush.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) syncLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.defaults.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Registry) flush(ctx context.Context) {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		snap := cb.Snapshot()
		if err := r.store.SaveBreaker(ctx, snap.Name, snap); err != nil {
			r.logger.Warn("failed to persist circuit breaker snapshot",
				zap.String("breaker", snap.Name), zap.Error(err))
		}
	}
}

// Status aggregates the state of every breaker for the health surface.
func (r *Registry) Status() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]interface{}, len(r.breakers))
	openCount := 0
	for name, cb := range r.breakers {
		snap := cb.Snapshot()
		if snap.State == StateOpen.String() {
			openCount++
		}
		states[name] = snap
	}
	return map[string]interface{}{
		"breakers":   states,
		"total":      len(r.breakers),
		"open_count": openCount,
	}
}

// breakerMetrics are shared across all breakers, labelled by name.
type breakerMetrics struct {
	state     *prometheus.GaugeVec
	successes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	slow      *prometheus.CounterVec
	rejected  *prometheus.CounterVec
}

func newBreakerMetrics(reg prometheus.Registerer) *breakerMetrics {
	m := &breakerMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_successes_total",
			Help: "Total successful calls per breaker",
		}, []string{"breaker"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total failed calls per breaker",
		}, []string{"breaker"}),
		slow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_slow_calls_total",
			Help: "Total calls exceeding the slow-call threshold",
		}, []string{"breaker"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_rejected_total",
			Help: "Total calls rejected while the circuit was open",
		}, []string{"breaker"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.successes, m.failures, m.slow, m.rejected)
	}
	return m
}
