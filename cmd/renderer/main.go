package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/config"
	"github.com/justinndidit/notifications-core/internal/logger"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/renderer"
	"github.com/justinndidit/notifications-core/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New("renderer", "info")
	log.Info().Msg("renderer starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = logger.New("renderer", cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.Database, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	b, err := broker.Connect(cfg.RabbitMQ, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer b.Close()

	templates := store.NewTemplateRepository(db, &log)
	events := store.NewEventRepository(db, &log)

	var wg sync.WaitGroup
	for _, ch := range pipeline.AllChannels {
		queue := fmt.Sprintf("router-%s-consumer", ch)
		routingKey := fmt.Sprintf("notification.routed.%s", ch)
		if err := b.DeclareQueue(queue, routingKey); err != nil {
			log.Fatal().Err(err).Str("channel", string(ch)).Msg("failed to declare router queue")
		}

		stage := &renderer.Stage{
			Channel:   string(ch),
			Broker:    b,
			Templates: templates,
			Events:    events,
			Logger:    &log,
		}

		wg.Add(1)
		go func(ch pipeline.Channel, stage *renderer.Stage) {
			defer wg.Done()
			runStage(ctx, stage, cfg, &log, ch)
		}(ch, stage)
	}

	go metrics.Serve(cfg.Service.MetricsAddr, metrics.Registry(), &log)

	log.Info().Msg("renderer ready, one goroutine per channel")
	wg.Wait()
	log.Info().Msg("renderer exited properly")
}

func runStage(ctx context.Context, stage *renderer.Stage, cfg *config.Config, log *zerolog.Logger, ch pipeline.Channel) {
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := stage.RunOnce(shutdownCtx, cfg.Renderer.BatchSize, 5*time.Second); err != nil {
				log.Error().Err(err).Str("channel", string(ch)).Msg("error draining final batch")
			}
			cancel()
			return
		default:
			if err := stage.RunOnce(ctx, cfg.Renderer.BatchSize, 5*time.Second); err != nil {
				log.Error().Err(err).Str("channel", string(ch)).Msg("error processing batch")
			}
		}
	}
}
