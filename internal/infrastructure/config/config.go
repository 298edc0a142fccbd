// Package config loads and validates the typed platform configuration from
// YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nexbit/tradecore/internal/events"
	"github.com/nexbit/tradecore/internal/infrastructure/backpressure"
	"github.com/nexbit/tradecore/internal/infrastructure/monitor"
	"github.com/nexbit/tradecore/internal/infrastructure/resilience"
	"github.com/nexbit/tradecore/internal/marketdata"
	"github.com/nexbit/tradecore/internal/server"
)

// RedisConfig describes the shared stream/cache substrate. An empty Addr
// degrades breaker persistence and the shared price cache to in-memory
// operation; the event stream manager, which has a hard dependency, refuses
// to start.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// KafkaConfig describes the optional event mirror. No brokers means no
// mirror.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the root configuration for the resilience core.
type Config struct {
	Environment  string              `mapstructure:"environment" yaml:"environment"`
	Log          LogConfig           `mapstructure:"log" yaml:"log"`
	Redis        RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Kafka        KafkaConfig         `mapstructure:"kafka" yaml:"kafka"`
	Server       server.Config       `mapstructure:"server" yaml:"server"`
	Monitor      monitor.Config      `mapstructure:"monitor" yaml:"monitor"`
	Resilience   resilience.Config   `mapstructure:"resilience" yaml:"resilience"`
	Backpressure backpressure.Config `mapstructure:"backpressure" yaml:"backpressure"`
	Events       events.Config       `mapstructure:"events" yaml:"events"`
	MarketData   marketdata.Config   `mapstructure:"market_data" yaml:"market_data"`

	// ShutdownGrace bounds how long components get to drain on shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// Load reads configuration from the given path (optional) and TRADECORE_*
// environment variables, then validates every component section.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every component validator, filling defaults as it goes.
func (c *Config) Validate() error {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Redis.Timeout <= 0 {
		c.Redis.Timeout = 5 * time.Second
	}
	if c.Events.ConsumerName == "" {
		c.Events.ConsumerName = "tradecore"
	}

	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"monitor", c.Monitor.Validate},
		{"resilience", c.Resilience.Validate},
		{"backpressure", c.Backpressure.Validate},
		{"events", c.Events.Validate},
		{"market_data", c.MarketData.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("invalid %s config: %w", v.name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("events.consumer_name", "tradecore")
	v.SetDefault("market_data.hot_symbols", []string{"BTC", "ETH"})
	v.SetDefault("market_data.warm_symbols", []string{"SOL", "XRP", "ADA"})
}
