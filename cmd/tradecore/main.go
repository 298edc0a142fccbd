// tradecore runs the resilience and real-time event core of the trading
// platform: resource monitoring, circuit breaking, backpressure, event
// stream processing and market data ingestion, behind one status surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexbit/tradecore/internal/events"
	"github.com/nexbit/tradecore/internal/infrastructure/backpressure"
	"github.com/nexbit/tradecore/internal/infrastructure/config"
	"github.com/nexbit/tradecore/internal/infrastructure/monitor"
	"github.com/nexbit/tradecore/internal/infrastructure/resilience"
	"github.com/nexbit/tradecore/internal/marketdata"
	"github.com/nexbit/tradecore/internal/server"
	"github.com/nexbit/tradecore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradecore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()

	// Redis backs the stream substrate, breaker persistence and the shared
	// price cache. Its absence degrades the latter two to in-memory and
	// keeps the event stream manager down.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	redisUp := true
	if err := rdb.Ping(ctx).Err(); err != nil {
		redisUp = false
		log.Warn("redis unreachable, degrading to in-memory operation",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	mon, err := monitor.New(cfg.Monitor, log.Named("monitor"))
	if err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	var breakerStore resilience.Store
	if redisUp {
		breakerStore = resilience.NewRedisStore(rdb, 0)
	}
	registry, err := resilience.NewRegistry(cfg.Resilience, breakerStore, promReg, log.Named("resilience"))
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	bp, err := backpressure.New(cfg.Backpressure, mon, promReg, log.Named("backpressure"))
	if err != nil {
		return err
	}

	cache := marketdata.NewPriceCache(&cfg.MarketData, redisClientOrNil(rdb, redisUp), log.Named("pricecache"))

	var streams *events.Manager
	if redisUp {
		var sinks []events.Sink
		if len(cfg.Kafka.Brokers) > 0 {
			kafkaSink, err := events.NewKafkaSink(cfg.Kafka.Brokers, log.Named("kafka"))
			if err != nil {
				return err
			}
			defer kafkaSink.Close() //nolint:errcheck
			sinks = append(sinks, kafkaSink)
		}

		streams, err = events.NewManager(cfg.Events, rdb, events.DefaultCatalog(), mon, promReg, log.Named("events"), sinks...)
		if err != nil {
			return err
		}
		if err := registerConsumers(streams, cache, log); err != nil {
			return err
		}
		if err := streams.Start(ctx); err != nil {
			return err
		}
		defer streams.Stop()
	}

	rest := marketdata.NewBinanceRest("", cfg.MarketData.WarmRestTimeout)
	var publisher marketdata.StreamPublisher
	if streams != nil {
		publisher = streams
	}
	market, err := marketdata.NewManager(cfg.MarketData, cache, rest, publisher, registry, bp, promReg, log.Named("marketdata"))
	if err != nil {
		return err
	}
	if err := market.Start(ctx); err != nil {
		return err
	}
	defer market.Stop()

	sources := map[string]server.StatusSource{
		"monitor":      mon,
		"resilience":   registry,
		"backpressure": bp,
		"market_data":  market,
	}
	if streams != nil {
		sources["events"] = streams
	}
	statusSrv, err := server.New(cfg.Server, promReg, sources, log.Named("server"))
	if err != nil {
		return err
	}
	statusSrv.Start()

	log.Info("tradecore started",
		zap.String("environment", cfg.Environment),
		zap.Bool("redis", redisUp),
		zap.Bool("kafka_mirror", len(cfg.Kafka.Brokers) > 0))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	if err := statusSrv.Stop(cfg.ShutdownGrace); err != nil {
		log.Warn("status server shutdown failed", zap.Error(err))
	}
	// Deferred Stops drain the remaining components in reverse start order.
	return nil
}

// registerConsumers binds the core's own stream consumers. Business service
// handlers (trade execution, risk, portfolio) register through the same
// interface from their own packages.
func registerConsumers(streams *events.Manager, cache *marketdata.PriceCache, log *zap.Logger) error {
	// Keeps the local price cache warm with updates published by sibling
	// processes.
	warmLog := log.Named("cache-warmer")
	err := streams.Register(events.ConsumerConfig{
		Service:  "price-cache-warmer",
		Stream:   events.StreamMarketUpdates,
		Priority: events.PriorityHigh,
	}, events.FuncHandler{
		HandleFunc: func(ctx context.Context, evt events.Event) error {
			var point marketdata.PricePoint
			if err := json.Unmarshal(evt.Data, &point); err != nil {
				warmLog.Warn("dropping malformed price update", zap.String("event_id", evt.ID), zap.Error(err))
				return nil
			}
			cache.Put(ctx, point)
			return nil
		},
	})
	if err != nil {
		return err
	}

	// Trims streams on demand and opportunistically while the cleanup
	// stream is idle.
	return streams.Register(events.ConsumerConfig{
		Service:  "stream-janitor",
		Stream:   events.StreamCleanupEvents,
		Priority: events.PriorityLow,
	}, events.FuncHandler{
		HandleFunc: func(ctx context.Context, evt events.Event) error {
			streams.TrimStreams(ctx)
			return nil
		},
		FallbackFunc: func(ctx context.Context) error {
			streams.TrimStreams(ctx)
			return nil
		},
	})
}

func redisClientOrNil(rdb *redis.Client, up bool) *redis.Client {
	if !up {
		return nil
	}
	return rdb
}
