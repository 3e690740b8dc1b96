package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/cache"
	"github.com/justinndidit/notifications-core/internal/config"
	"github.com/justinndidit/notifications-core/internal/delivery"
	"github.com/justinndidit/notifications-core/internal/delivery/transport"
	"github.com/justinndidit/notifications-core/internal/logger"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	channelFlag := flag.String("channel", "", "delivery channel: email|sms|push|in_app")
	flag.Parse()

	channel := pipeline.Channel(*channelFlag)
	if !channel.Valid() {
		fmt.Fprintf(os.Stderr, "worker: -channel must be one of email|sms|push|in_app, got %q\n", *channelFlag)
		os.Exit(1)
	}

	log := logger.New("worker-"+string(channel), "info")
	log.Info().Msg("worker starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = logger.New("worker-"+string(channel), cfg.Service.LogLevel)

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

	queue := fmt.Sprintf("%s-worker-consumer", channel)
	routingKey := fmt.Sprintf("notification.delivery.%s", channel)
	if err := b.DeclareQueue(queue, routingKey); err != nil {
		log.Fatal().Err(err).Msg("failed to declare worker queue")
	}
	if err := b.DeclareQueue("dlq", "notification.dlq"); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dlq")
	}

	adapter, err := buildAdapter(ctx, channel, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build transport adapter")
	}

	worker := &delivery.Worker{
		Channel:    channel,
		Broker:     b,
		Adapter:    adapter,
		Breaker:    delivery.NewBreaker(channel),
		Deliveries: store.NewDeliveryRepository(db, &log),
		Events:     store.NewEventRepository(db, &log),
		Logger:     &log,
	}
	if channel == pipeline.ChannelInApp {
		worker.Broadcast = c
	}

	batchSize := cfg.Worker.BatchSize
	if batchSize == 0 {
		batchSize = 5
		if channel == pipeline.ChannelInApp {
			batchSize = 10
		}
	}

	go metrics.Serve(cfg.Service.MetricsAddr, metrics.Registry(), &log)

	log.Info().Str("channel", string(channel)).Msg("worker ready, entering pull loop")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received, draining in-flight batch")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := worker.RunOnce(shutdownCtx, batchSize, 5*time.Second); err != nil {
				log.Error().Err(err).Msg("error draining final batch")
			}
			cancel()
			log.Info().Msg("worker exited properly")
			return
		default:
			if err := worker.RunOnce(ctx, batchSize, 5*time.Second); err != nil {
				log.Error().Err(err).Msg("error processing batch")
			}
		}
	}
}

func buildAdapter(ctx context.Context, channel pipeline.Channel, cfg *config.Config) (transport.Adapter, error) {
	switch channel {
	case pipeline.ChannelEmail:
		return transport.NewEmailAdapter(transport.EmailConfig{
			APIKey:      cfg.Transport.SendGridAPIKey,
			FromEmail:   cfg.Transport.SendGridFromEmail,
			FromName:    "Notifications",
			SandboxMode: cfg.Transport.SandboxMode,
		}), nil
	case pipeline.ChannelSMS:
		return transport.NewSMSAdapter(transport.SMSConfig{
			AccountSID: cfg.Transport.TwilioAccountSID,
			AuthToken:  cfg.Transport.TwilioAuthToken,
			FromNumber: cfg.Transport.TwilioFromNumber,
		}), nil
	case pipeline.ChannelPush:
		return transport.NewPushAdapter(ctx, transport.PushConfig{
			ProjectID:          cfg.Transport.FCMProjectID,
			ServiceAccountJSON: cfg.Transport.FCMServiceAccount,
		})
	case pipeline.ChannelInApp:
		return transport.NewInAppAdapter(), nil
	default:
		return nil, fmt.Errorf("no transport adapter for channel %s", channel)
	}
}
