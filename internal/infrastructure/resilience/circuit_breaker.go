// Package resilience provides circuit breaker protection for every outbound
// dependency call, preventing cascading failures and giving failing
// dependencies time to recover.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int32

const (
	// StateClosed - normal operation, calls pass through.
	StateClosed State = iota
	// StateOpen - circuit is open, calls are rejected immediately.
	StateOpen
	// StateHalfOpen - a single probe call tests whether the dependency recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// maxBackoffMultiplier caps the exponential growth of the recovery timeout.
const maxBackoffMultiplier = 8

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of failures inside FailureWindow that
	// trips the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the circuit.
	SuccessThreshold int `mapstructure:"success_threshold" yaml:"success_threshold"`
	// FailureWindow sizes the sliding window of failure timestamps.
	FailureWindow time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	// OpenTimeout is the base recovery timeout; the effective timeout is
	// OpenTimeout scaled by the current backoff multiplier.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	// CallTimeout bounds each wrapped call. Zero disables the bound.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// SlowCallThreshold flags calls as degraded without counting them as
	// failures. Zero disables slow-call detection.
	SlowCallThreshold time.Duration `mapstructure:"slow_call_threshold" yaml:"slow_call_threshold"`
	// SyncInterval controls how often the registry persists breaker
	// snapshots to the shared store.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// IgnoredErrors lists predicates for errors that pass through without
	// affecting circuit health, e.g. expected validation errors.
	IgnoredErrors []func(error) bool `mapstructure:"-" yaml:"-"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Second
	}
	if c.CallTimeout < 0 || c.SlowCallThreshold < 0 {
		return fmt.Errorf("negative timeout in circuit breaker config")
	}
	return nil
}

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// latencySampleSize bounds the in-memory latency history per breaker.
const latencySampleSize = 100

// CircuitBreaker guards calls to one named dependency. All state is owned by
// the breaker and guarded by its internal mutex; breakers are never shared
// across names.
type CircuitBreaker struct {
	name    string
	cfg     Config
	logger  *zap.Logger
	metrics *breakerMetrics

	mu                   sync.Mutex
	state                State
	failureTimes         []time.Time
	consecutiveSuccesses int
	consecutiveFailures  int
	backoffMultiplier    float64
	lastStateChange      time.Time
	probeInFlight        bool
	latencies            []time.Duration

	totalCalls    int64
	totalFailures int64
	slowCalls     int64
	rejectedCalls int64

	now func() time.Time
}

func newCircuitBreaker(name string, cfg Config, metrics *breakerMetrics, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:              name,
		cfg:               cfg,
		logger:            logger,
		metrics:           metrics,
		state:             StateClosed,
		backoffMultiplier: 1,
		now:               time.Now,
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Execute runs fn under circuit breaker protection. While open, the call is
// rejected immediately with *OpenError carrying a retry-after hint. The
// breaker never retries internally; transient failures are the caller's
// policy.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	start := cb.now()
	err := fn(ctx)
	elapsed := cb.now().Sub(start)

	cb.record(err, elapsed)
	return err
}

// Call wraps an operation that returns a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// allow decides whether a call may proceed, handling the open -> half-open
// transition. Exactly one probe is admitted in half-open state.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := cb.now().Sub(cb.lastStateChange)
		timeout := cb.effectiveTimeout()
		if elapsed < timeout {
			cb.rejectedCalls++
			cb.metrics.rejected.WithLabelValues(cb.name).Inc()
			return &OpenError{Name: cb.name, RetryAfter: timeout - elapsed}
		}
		cb.transition(StateHalfOpen, "recovery timeout elapsed")
		cb.probeInFlight = true
		return nil

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.rejectedCalls++
			cb.metrics.rejected.WithLabelValues(cb.name).Inc()
			return &OpenError{Name: cb.name, RetryAfter: cb.cfg.OpenTimeout}
		}
		cb.probeInFlight = true
		return nil

	default:
		return &OpenError{Name: cb.name, RetryAfter: cb.cfg.OpenTimeout}
	}
}

// record applies the call outcome to breaker state.
func (cb *CircuitBreaker) record(err error, elapsed time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	cb.observeLatency(elapsed)

	if err != nil && cb.ignored(err) {
		// Allow-listed errors pass through without touching circuit health.
		return
	}

	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) observeLatency(elapsed time.Duration) {
	if len(cb.latencies) >= latencySampleSize {
		cb.latencies = cb.latencies[1:]
	}
	cb.latencies = append(cb.latencies, elapsed)

	if cb.cfg.SlowCallThreshold > 0 && elapsed > cb.cfg.SlowCallThreshold {
		cb.slowCalls++
		cb.metrics.slow.WithLabelValues(cb.name).Inc()
		cb.logger.Warn("degraded dependency call",
			zap.String("breaker", cb.name),
			zap.Duration("latency", elapsed),
			zap.Duration("threshold", cb.cfg.SlowCallThreshold))
	}
}

func (cb *CircuitBreaker) ignored(err error) bool {
	for _, match := range cb.cfg.IgnoredErrors {
		if match(err) {
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.metrics.successes.WithLabelValues(cb.name).Inc()
	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.backoffMultiplier = 1
			cb.failureTimes = cb.failureTimes[:0]
			cb.transition(StateClosed, "success threshold reached")
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.metrics.failures.WithLabelValues(cb.name).Inc()
	cb.totalFailures++
	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	now := cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindow(now)
		if len(cb.failureTimes) >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, "failure threshold exceeded")
		}

	case StateHalfOpen:
		// A single failed probe reopens with a doubled recovery timeout.
		cb.backoffMultiplier *= 2
		if cb.backoffMultiplier > maxBackoffMultiplier {
			cb.backoffMultiplier = maxBackoffMultiplier
		}
		cb.transition(StateOpen, "probe failed")
	}
}

// pruneWindow drops failure timestamps older than the sliding window.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.cfg.FailureWindow)
	kept := cb.failureTimes[:0]
	for _, ts := range cb.failureTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failureTimes = kept
}

func (cb *CircuitBreaker) effectiveTimeout() time.Duration {
	return time.Duration(float64(cb.cfg.OpenTimeout) * cb.backoffMultiplier)
}

// transition moves the breaker to a new state, logging a before/after
// snapshot. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.consecutiveSuccesses = 0
	cb.metrics.state.WithLabelValues(cb.name).Set(float64(to))

	cb.logger.Info("circuit breaker state change",
		zap.String("breaker", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("window_failures", len(cb.failureTimes)),
		zap.Float64("backoff_multiplier", cb.backoffMultiplier),
		zap.Duration("effective_timeout", cb.effectiveTimeout()))
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot captures breaker state for persistence and status reporting.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	WindowFailures       int       `json:"window_failures"`
	BackoffMultiplier    float64   `json:"backoff_multiplier"`
	LastStateChange      time.Time `json:"last_state_change"`
	TotalCalls           int64     `json:"total_calls"`
	TotalFailures        int64     `json:"total_failures"`
	SlowCalls            int64     `json:"slow_calls"`
	RejectedCalls        int64     `json:"rejected_calls"`
}

// Snapshot returns a copy of the breaker's observable state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:                 cb.name,
		State:                cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		WindowFailures:       len(cb.failureTimes),
		BackoffMultiplier:    cb.backoffMultiplier,
		LastStateChange:      cb.lastStateChange,
		TotalCalls:           cb.totalCalls,
		TotalFailures:        cb.totalFailures,
		SlowCalls:            cb.slowCalls,
		RejectedCalls:        cb.rejectedCalls,
	}
}

// restore rehydrates breaker state from a persisted snapshot. Only the state
// machine fields are restored; counters stay local to the process.
func (cb *CircuitBreaker) restore(snap Snapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch snap.State {
	case StateOpen.String():
		cb.state = StateOpen
	case StateHalfOpen.String():
		// A rehydrated probe slot belongs to no one; resume from open.
		cb.state = StateOpen
	default:
		cb.state = StateClosed
	}
	if snap.BackoffMultiplier >= 1 {
		cb.backoffMultiplier = snap.BackoffMultiplier
	}
	if !snap.LastStateChange.IsZero() {
		cb.lastStateChange = snap.LastStateChange
	}
	cb.metrics.state.WithLabelValues(cb.name).Set(float64(cb.state))
}
