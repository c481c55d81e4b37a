package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sllopis/geoquery/changefeed/kafka"
	"github.com/sllopis/geoquery/internal/config"
	"github.com/sllopis/geoquery/internal/logger"
	"github.com/sllopis/geoquery/internal/observability"
	"github.com/sllopis/geoquery/internal/server"
	"github.com/sllopis/geoquery/query"
	"github.com/sllopis/geoquery/store"
	"github.com/sllopis/geoquery/store/memstore"
	"github.com/sllopis/geoquery/store/redisstore"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "geoqueryd",
	}, os.Stdout)

	zl.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("backend", cfg.Backend).
		Msg("starting geoqueryd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Backend {
	case "redis":
		rs, err := redisstore.New(ctx, cfg.RedisAddr, zl.With().Str("component", "redisstore").Logger())
		if err != nil {
			zl.Error().Err(err).Msg("redis store setup failed")
			return 1
		}
		defer func() { _ = rs.Close() }()
		st = rs
	default:
		st = memstore.New()
	}

	eng, err := query.New(st,
		query.WithLogger(zl.With().Str("component", "query").Logger()),
		query.WithPlanCacheSize(cfg.PlanCacheSize),
	)
	if err != nil {
		zl.Error().Err(err).Msg("engine setup failed")
		return 1
	}

	var metrics http.Handler
	if cfg.MetricsEnabled {
		metrics = observability.NewProvider(observability.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		}).Handler()
	}

	if cfg.Changefeed.Enabled {
		runner := kafka.New(kafka.Config{
			Enabled: true,
			Brokers: kafka.ParseBrokers(cfg.Changefeed.Brokers),
			Topic:   cfg.Changefeed.Topic,
			GroupID: cfg.Changefeed.GroupID,
		}, st, kafka.Options{
			Logger: logger.NewSlog(&zl),
		})
		if err := runner.Start(ctx); err != nil {
			zl.Error().Err(err).Msg("changefeed setup failed")
			return 1
		}
		defer runner.Stop()
	}

	if err := server.Run(ctx, cfg, zl, st, eng, metrics); err != nil {
		zl.Error().Err(err).Msg("server error")
		return 1
	}
	zl.Info().Msg("shutdown complete")
	return 0
}
