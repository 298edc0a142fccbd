// Package events runs the event-driven stream processing core: a fixed
// catalog of Redis streams with consumer groups, priority-staggered consumer
// loops, pending-entry recovery, adaptive fallback polling and age/length
// stream trimming.
package events

import (
	"time"
)

// Priority orders consumer startup and scales fallback polling intervals.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
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

// fallbackScale stretches the base fallback interval for colder tiers.
func (p Priority) fallbackScale() float64 {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 4
	default:
		return 8
	}
}

// Stream names for the business domains the platform publishes into.
const (
	StreamTradeSignals     = "stream:trade.signals"
	StreamRiskAlerts       = "stream:risk.alerts"
	StreamMarketUpdates    = "stream:market.updates"
	StreamPortfolioUpdates = "stream:portfolio.updates"
	StreamBalanceChanges   = "stream:balance.changes"
	StreamSystemEvents     = "stream:system.events"
	StreamCleanupEvents    = "stream:system.cleanup"
)

// StreamConfig describes one catalog entry. The catalog is static; it is
// never mutated at runtime.
type StreamConfig struct {
	Stream    string        `json:"stream"`
	Group     string        `json:"group"`
	MaxLength int64         `json:"max_length"`
	Retention time.Duration `json:"retention"`
	Priority  Priority      `json:"priority"`
}

// DefaultCatalog returns the platform's stream catalog.
func DefaultCatalog() []StreamConfig {
	return []StreamConfig{
		{Stream: StreamTradeSignals, Group: "trade-signals-processors", MaxLength: 100_000, Retention: 24 * time.Hour, Priority: PriorityCritical},
		{Stream: StreamRiskAlerts, Group: "risk-alert-processors", MaxLength: 50_000, Retention: 72 * time.Hour, Priority: PriorityCritical},
		{Stream: StreamMarketUpdates, Group: "market-update-processors", MaxLength: 200_000, Retention: 6 * time.Hour, Priority: PriorityHigh},
		{Stream: StreamPortfolioUpdates, Group: "portfolio-processors", MaxLength: 50_000, Retention: 24 * time.Hour, Priority: PriorityMedium},
		{Stream: StreamBalanceChanges, Group: "balance-processors", MaxLength: 50_000, Retention: 24 * time.Hour, Priority: PriorityMedium},
		{Stream: StreamSystemEvents, Group: "system-event-processors", MaxLength: 20_000, Retention: 48 * time.Hour, Priority: PriorityLow},
		{Stream: StreamCleanupEvents, Group: "cleanup-processors", MaxLength: 10_000, Retention: 12 * time.Hour, Priority: PriorityLow},
	}
}
