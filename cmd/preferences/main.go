package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/cache"
	"github.com/justinndidit/notifications-core/internal/config"
	"github.com/justinndidit/notifications-core/internal/logger"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/preferences"
	"github.com/justinndidit/notifications-core/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New("preferences", "info")
	log.Info().Msg("preferences starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = logger.New("preferences", cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.Database, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	c, err := cache.Connect(cfg.Redis, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer c.Close()

	b, err := broker.Connect(cfg.RabbitMQ, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer b.Close()

	if err := b.DeclareQueue(preferences.QueueName, preferences.RoutingKeyIn); err != nil {
		log.Fatal().Err(err).Msg("failed to declare preferences queue")
	}

	stage := &preferences.Stage{
		Broker:      b,
		Cache:       c,
		Preferences: store.NewPreferenceRepository(db, &log),
		Events:      store.NewEventRepository(db, &log),
		Logger:      &log,
		RateLimit:   cfg.Preferences.RateLimitPerHour,
	}

	go metrics.Serve(cfg.Service.MetricsAddr, metrics.Registry(), &log)

	log.Info().Msg("preferences ready, entering pull loop")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received, draining in-flight batch")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := stage.RunOnce(shutdownCtx, cfg.Preferences.BatchSize, cfg.Preferences.Wait); err != nil {
				log.Error().Err(err).Msg("error draining final batch")
			}
			cancel()
			log.Info().Msg("preferences exited properly")
			return
		default:
			if err := stage.RunOnce(ctx, cfg.Preferences.BatchSize, cfg.Preferences.Wait); err != nil {
				log.Error().Err(err).Msg("error processing batch")
			}
		}
	}
}
