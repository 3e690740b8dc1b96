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
	"github.com/justinndidit/notifications-core/internal/ingestion"
	"github.com/justinndidit/notifications-core/internal/logger"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New("ingestion", "info")
	log.Info().Msg("ingestion starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = logger.New("ingestion", cfg.Service.LogLevel)

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

	if err := b.DeclareQueue(ingestion.QueueName, ingestion.RoutingKeyIn); err != nil {
		log.Fatal().Err(err).Msg("failed to declare ingestion queue")
	}

	stage := &ingestion.Stage{
		Broker: b,
		Cache:  c,
		Users:  store.NewUserRepository(db, &log),
		Events: store.NewEventRepository(db, &log),
		Logger: &log,
	}

	go metrics.Serve(cfg.Service.MetricsAddr, metrics.Registry(), &log)

	log.Info().Msg("ingestion ready, entering pull loop")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received, draining in-flight batch")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := stage.RunOnce(shutdownCtx, cfg.Ingestion.BatchSize, cfg.Ingestion.Wait); err != nil {
				log.Error().Err(err).Msg("error draining final batch")
			}
			cancel()
			log.Info().Msg("ingestion exited properly")
			return
		default:
			if err := stage.RunOnce(ctx, cfg.Ingestion.BatchSize, cfg.Ingestion.Wait); err != nil {
				log.Error().Err(err).Msg("error processing batch")
			}
		}
	}
}
