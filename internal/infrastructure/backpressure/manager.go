// Package backpressure provides priority-tiered admission control that
// bounds concurrent in-flight calls and queue depth, shedding low-priority
// work when the host is under resource pressure.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nexbit/tradecore/internal/infrastructure/monitor"
)

// Priority classifies work for admission control. Higher values are admitted
// first and survive resource pressure longer.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RejectedError is returned when work is shed. It always carries a
// retry-after hint for the caller.
type RejectedError struct {
	Priority   Priority
	Reason     string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backpressure rejected %s priority work: %s (retry after %s)",
		e.Priority, e.Reason, e.RetryAfter.Round(time.Millisecond))
}

// SnapshotProvider supplies the current resource reading. Satisfied by
// *monitor.Monitor.
type SnapshotProvider interface {
	Snapshot() monitor.Snapshot
}

// Config configures the backpressure manager.
type Config struct {
	// MaxConcurrent bounds in-flight work across all priorities. Critical
	// work may bypass the bound; every bypass is logged.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// QueueSizes bound the number of waiters per priority tier. Critical
	// work never queues: at capacity it bypasses the bound instead.
	HighQueueSize   int `mapstructure:"high_queue_size" yaml:"high_queue_size"`
	MediumQueueSize int `mapstructure:"medium_queue_size" yaml:"medium_queue_size"`
	LowQueueSize    int `mapstructure:"low_queue_size" yaml:"low_queue_size"`
	// Severe-pressure thresholds; crossing any of them sheds all work below
	// high priority.
	Pressure monitor.Thresholds `mapstructure:"pressure" yaml:"pressure"`
	// RetryAfter is the hint attached to rejections.
	RetryAfter time.Duration `mapstructure:"retry_after" yaml:"retry_after"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 100
	}
	if c.HighQueueSize <= 0 {
		c.HighQueueSize = 100
	}
	if c.MediumQueueSize <= 0 {
		c.MediumQueueSize = 200
	}
	if c.LowQueueSize <= 0 {
		c.LowQueueSize = 500
	}
	if c.Pressure.CPUPercent == 0 {
		c.Pressure.CPUPercent = 90
	}
	if c.Pressure.MemoryPercent == 0 {
		c.Pressure.MemoryPercent = 90
	}
	if c.Pressure.DiskPercent == 0 {
		c.Pressure.DiskPercent = 95
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 5 * time.Second
	}
	return nil
}

func (c *Config) queueSize(p Priority) int {
	switch p {
	case PriorityHigh:
		return c.HighQueueSize
	case PriorityMedium:
		return c.MediumQueueSize
	default:
		return c.LowQueueSize
	}
}

// waiter is one caller parked in a priority queue. ready is closed exactly
// once when a slot is handed over; canceled waiters are skipped by releasers.
type waiter struct {
	priority Priority
	ready    chan struct{}
	canceled bool
}

// Manager implements priority-tiered admission control. The active counter
// is the one piece of truly shared mutable state and uses atomic access;
// admission decisions and queue membership are serialized by mu.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	monitor SnapshotProvider
	metrics *managerMetrics

	mu     sync.Mutex
	queues [numPriorities][]*waiter

	active int64

	rejected  int64
	bypassed  int64
	completed int64
}

// New creates a backpressure manager.
func New(cfg Config, mon SnapshotProvider, reg prometheus.Registerer, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mon == nil {
		return nil, fmt.Errorf("backpressure manager requires a resource monitor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		monitor: mon,
		metrics: newManagerMetrics(reg),
	}, nil
}

// Execute runs fn under admission control. Work below high priority is shed
// outright under severe resource pressure. At capacity, critical work
// bypasses the concurrency bound (logged); everything else queues with a
// deadline of half the caller's timeout.
func (m *Manager) Execute(ctx context.Context, priority Priority, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if m.underSeverePressure() && priority < PriorityHigh {
		atomic.AddInt64(&m.rejected, 1)
		m.metrics.rejected.WithLabelValues(priority.String(), "resource_pressure").Inc()
		snap := m.monitor.Snapshot()
		m.logger.Warn("shedding work under resource pressure",
			zap.String("priority", priority.String()),
			zap.Float64("cpu_percent", snap.CPUPercent),
			zap.Float64("memory_percent", snap.MemoryPercent),
			zap.Float64("disk_percent", snap.DiskPercent))
		return &RejectedError{Priority: priority, Reason: "resource pressure", RetryAfter: m.cfg.RetryAfter}
	}

	if err := m.admit(ctx, priority, timeout); err != nil {
		return err
	}
	defer m.release(priority)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// admit acquires a concurrency slot, queueing when at capacity.
func (m *Manager) admit(ctx context.Context, priority Priority, timeout time.Duration) error {
	m.mu.Lock()

	if atomic.LoadInt64(&m.active) < int64(m.cfg.MaxConcurrent) {
		atomic.AddInt64(&m.active, 1)
		m.metrics.active.Inc()
		m.mu.Unlock()
		return nil
	}

	if priority == PriorityCritical {
		// Critical work never waits; the bound is exceeded deliberately and
		// visibly.
		atomic.AddInt64(&m.active, 1)
		atomic.AddInt64(&m.bypassed, 1)
		m.metrics.active.Inc()
		m.metrics.bypassed.Inc()
		m.mu.Unlock()
		m.logger.Warn("critical priority bypassing concurrency limit",
			zap.Int64("active", atomic.LoadInt64(&m.active)),
			zap.Int("max_concurrent", m.cfg.MaxConcurrent))
		return nil
	}

	if len(m.queues[priority]) >= m.cfg.queueSize(priority) {
		m.mu.Unlock()
		atomic.AddInt64(&m.rejected, 1)
		m.metrics.rejected.WithLabelValues(priority.String(), "queue_full").Inc()
		return &RejectedError{Priority: priority, Reason: "queue full", RetryAfter: m.cfg.RetryAfter}
	}

	w := &waiter{priority: priority, ready: make(chan struct{})}
	m.queues[priority] = append(m.queues[priority], w)
	m.metrics.queued.WithLabelValues(priority.String()).Inc()
	m.mu.Unlock()

	// Enqueue deadline is half the caller's timeout, leaving the remainder
	// for the call itself.
	deadline := time.NewTimer(timeout / 2)
	defer deadline.Stop()

	select {
	case <-w.ready:
		// Slot handed over by a releaser; active already accounts for us.
		m.metrics.queued.WithLabelValues(priority.String()).Dec()
		return nil
	case <-deadline.C:
		m.abandon(w)
		atomic.AddInt64(&m.rejected, 1)
		m.metrics.rejected.WithLabelValues(priority.String(), "queue_timeout").Inc()
		return &RejectedError{Priority: priority, Reason: "queue wait timed out", RetryAfter: m.cfg.RetryAfter}
	case <-ctx.Done():
		m.abandon(w)
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up. If the slot was handed over in the
// race window, pass it on rather than leaking it.
func (m *Manager) abandon(w *waiter) {
	m.mu.Lock()
	select {
	case <-w.ready:
		m.mu.Unlock()
		m.metrics.queued.WithLabelValues(w.priority.String()).Dec()
		m.release(w.priority)
		return
	default:
	}
	w.canceled = true
	m.metrics.queued.WithLabelValues(w.priority.String()).Dec()
	m.mu.Unlock()
}

// release completes one unit of work: hand the slot to the next waiter of
// equal or higher priority, or free it.
func (m *Manager) release(priority Priority) {
	atomic.AddInt64(&m.completed, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	for p := PriorityCritical; p >= priority; p-- {
		queue := m.queues[p]
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			m.queues[p] = queue
			if next.canceled {
				continue
			}
			// Slot transfers directly; the active counter is unchanged.
			close(next.ready)
			return
		}
	}

	atomic.AddInt64(&m.active, -1)
	m.metrics.active.Dec()
}

func (m *Manager) underSeverePressure() bool {
	snap := m.monitor.Snapshot()
	t := m.cfg.Pressure
	return (t.CPUPercent > 0 && snap.CPUPercent > t.CPUPercent) ||
		(t.MemoryPercent > 0 && snap.MemoryPercent > t.MemoryPercent) ||
		(t.DiskPercent > 0 && snap.DiskPercent > t.DiskPercent)
}

// ActiveRequests returns the current in-flight count.
func (m *Manager) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.active)
}

// Status returns manager state for the health surface.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	queueDepths := map[string]int{}
	for p := PriorityLow; p <= PriorityCritical; p++ {
		queueDepths[p.String()] = len(m.queues[p])
	}
	m.mu.Unlock()

	snap := m.monitor.Snapshot()
	return map[string]interface{}{
		"active_requests": atomic.LoadInt64(&m.active),
		"max_concurrent":  m.cfg.MaxConcurrent,
		"queue_depths":    queueDepths,
		"rejected_total":  atomic.LoadInt64(&m.rejected),
		"bypassed_total":  atomic.LoadInt64(&m.bypassed),
		"completed_total": atomic.LoadInt64(&m.completed),
		"severe_pressure": m.underSeverePressure(),
		"resource_snapshot": map[string]float64{
			"cpu_percent":    snap.CPUPercent,
			"memory_percent": snap.MemoryPercent,
			"disk_percent":   snap.DiskPercent,
		},
	}
}

type managerMetrics struct {
	active   prometheus.Gauge
	queued   *prometheus.GaugeVec
	rejected *prometheus.CounterVec
	bypassed prometheus.Counter
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	m := &managerMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backpressure_active_requests",
			Help: "Current number of in-flight requests under admission control",
		}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_queued_requests",
			Help: "Current number of queued requests per priority",
		}, []string{"priority"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backpressure_rejected_total",
			Help: "Total requests rejected, by priority and reason",
		}, []string{"priority", "reason"}),
		bypassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backpressure_critical_bypass_total",
			Help: "Total critical-priority requests that bypassed the concurrency limit",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.active, m.queued, m.rejected, m.bypassed)
	}
	return m
}
