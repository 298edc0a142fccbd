// Package monitor samples host CPU, memory and disk utilization on an
// interval and exposes the latest reading as an immutable snapshot. Every
// other subsystem consults it before deciding whether to proceed, throttle
// or reject work.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time reading of host resource utilization.
// Readers receive a copy and must never mutate it.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Thresholds define the utilization levels above which the system is
// considered under severe pressure.
type Thresholds struct {
	CPUPercent    float64 `mapstructure:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float64 `mapstructure:"memory_percent" yaml:"memory_percent"`
	DiskPercent   float64 `mapstructure:"disk_percent" yaml:"disk_percent"`
}

// Config configures the resource monitor.
type Config struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	DiskPath string        `mapstructure:"disk_path" yaml:"disk_path"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Interval < time.Second {
		return fmt.Errorf("monitor interval %s is below the 1s floor", c.Interval)
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	return nil
}

// Monitor runs a single background sampling loop and serves cached
// snapshots to concurrent readers. Single writer, value replace.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	snap Snapshot

	// sample is swapped out in tests.
	sample func() (Snapshot, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a resource monitor. Start must be called before snapshots
// carry live data; until then readers see zero utilization.
func New(cfg Config, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
	}
	m.sample = m.sampleHost
	return m, nil
}

// Start launches the sampling loop. The first CPU reading primes the
// measurement window and is discarded: a non-blocking cpu.Percent call
// reports the delta since the previous call, so the very first value is
// meaningless.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Prime the CPU window; ignore the reading.
	if _, err := cpu.Percent(0, false); err != nil {
		m.logger.Warn("failed to prime cpu sampling window", zap.Error(err))
	}

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("resource monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.String("disk_path", m.cfg.DiskPath))
	return nil
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := m.sample()
			if err != nil {
				m.logger.Warn("resource sample failed", zap.Error(err))
				continue
			}
			m.mu.Lock()
			m.snap = snap
			m.mu.Unlock()
		}
	}
}

// sampleHost reads utilization through gopsutil. The zero-interval CPU call
// never blocks the scheduler; it reuses the window primed by the previous
// call.
func (m *Monitor) sampleHost() (Snapshot, error) {
	snap := Snapshot{UpdatedAt: time.Now()}

	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		return snap, fmt.Errorf("cpu sample: %w", err)
	}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return snap, fmt.Errorf("memory sample: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent

	du, err := disk.Usage(m.cfg.DiskPath)
	if err != nil {
		return snap, fmt.Errorf("disk sample: %w", err)
	}
	snap.DiskPercent = du.UsedPercent

	return snap, nil
}

// Snapshot returns a copy of the most recent reading.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Severe reports whether any utilization dimension exceeds the given
// thresholds. A zero threshold disables that dimension.
func (m *Monitor) Severe(t Thresholds) bool {
	snap := m.Snapshot()
	if t.CPUPercent > 0 && snap.CPUPercent > t.CPUPercent {
		return true
	}
	if t.MemoryPercent > 0 && snap.MemoryPercent > t.MemoryPercent {
		return true
	}
	if t.DiskPercent > 0 && snap.DiskPercent > t.DiskPercent {
		return true
	}
	return false
}

// Status returns the monitor state for the health surface.
func (m *Monitor) Status() map[string]interface{} {
	snap := m.Snapshot()
	return map[string]interface{}{
		"cpu_percent":    snap.CPUPercent,
		"memory_percent": snap.MemoryPercent,
		"disk_percent":   snap.DiskPercent,
		"updated_at":     snap.UpdatedAt,
		"stale":          snap.UpdatedAt.IsZero() || time.Since(snap.UpdatedAt) > 3*m.cfg.Interval,
	}
}
