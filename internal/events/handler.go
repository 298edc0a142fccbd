package events

import (
	"context"
	"fmt"
	"time"
)

// Handler processes events for one downstream service. Delivery is
// at-least-once: entries abandoned by a crashed consumer are reclaimed and
// redelivered, so implementations must be idempotent.
type Handler interface {
	// Handle processes a single event. Returning an error leaves the whole
	// batch unacknowledged for later reclaim.
	Handle(ctx context.Context, evt Event) error
	// Fallback runs when the bound stream has shown no activity for the
	// idle threshold, letting the service make progress without events.
	Fallback(ctx context.Context) error
}

// FuncHandler adapts plain functions to the Handler interface. A nil
// FallbackFunc makes Fallback a no-op.
type FuncHandler struct {
	HandleFunc   func(ctx context.Context, evt Event) error
	FallbackFunc func(ctx context.Context) error
}

func (f FuncHandler) Handle(ctx context.Context, evt Event) error {
	if f.HandleFunc == nil {
		return nil
	}
	return f.HandleFunc(ctx, evt)
}

func (f FuncHandler) Fallback(ctx context.Context) error {
	if f.FallbackFunc == nil {
		return nil
	}
	return f.FallbackFunc(ctx)
}

// ConsumerConfig describes one logical downstream service bound to a stream.
type ConsumerConfig struct {
	Service          string        `mapstructure:"service" yaml:"service"`
	Stream           string        `mapstructure:"stream" yaml:"stream"`
	Priority         Priority      `mapstructure:"priority" yaml:"priority"`
	BatchSize        int64         `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval" yaml:"fallback_interval"`
}

// Validate checks the consumer configuration and fills defaults.
func (c *ConsumerConfig) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("consumer requires a service name")
	}
	if c.Stream == "" {
		return fmt.Errorf("consumer %s requires a stream", c.Service)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = 10 * time.Second
	}
	return nil
}
