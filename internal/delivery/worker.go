// Package delivery implements the fourth pipeline stage: per-channel
// delivery workers with retry/backoff, circuit breaking (sony/gobreaker),
// and DLQ routing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/delivery/transport"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

const (
	MaxRetries    = 3
	DLQRoutingKey = "notification.dlq"
)

// RetryDelays are the pre-attempt sleeps keyed by the redelivery count
// already observed (r-1 into this slice, clamped).
var RetryDelays = map[pipeline.Channel][]time.Duration{
	pipeline.ChannelEmail: {time.Second, 5 * time.Second, 15 * time.Second},
	pipeline.ChannelPush:  {time.Second, 5 * time.Second, 15 * time.Second},
	pipeline.ChannelSMS:   {2 * time.Second, 10 * time.Second, 30 * time.Second},
	pipeline.ChannelInApp: {},
}

func queueName(channel pipeline.Channel) string { return fmt.Sprintf("%s-worker-consumer", channel) }
func routingKeyIn(channel pipeline.Channel) string {
	return fmt.Sprintf("notification.delivery.%s", channel)
}

// DeliveryRecorder is the narrow slice of internal/store.DeliveryRepository
// this worker depends on.
type DeliveryRecorder interface {
	Record(ctx context.Context, d *store.Delivery) error
}

// AuditRecorder is the narrow slice of internal/store.EventRepository this
// worker depends on.
type AuditRecorder interface {
	Record(ctx context.Context, eventID, channel, stage string, detail map[string]any)
}

// BrokerClient is the narrow slice of internal/broker.Broker this worker
// depends on: pulling its own queue, and republishing failed messages to
// the DLQ routing key.
type BrokerClient interface {
	Fetch(ctx context.Context, queue string, batchSize int, wait time.Duration) ([]*broker.Message, error)
	Publish(ctx context.Context, routingKey string, v any) error
}

// Broadcaster is the narrow slice of internal/cache.Cache the in-app
// worker depends on to fan the delivered notification out to real-time
// clients once its delivery row is durably persisted.
type Broadcaster interface {
	Publish(ctx context.Context, v any)
}

type Worker struct {
	Channel    pipeline.Channel
	Broker     BrokerClient
	Adapter    transport.Adapter
	Breaker    *gobreaker.CircuitBreaker
	Deliveries DeliveryRecorder
	Events     AuditRecorder
	Logger     *zerolog.Logger

	// Broadcast is only set on the in-app worker; every other channel
	// leaves it nil and onSuccess skips the broadcast step entirely.
	Broadcast Broadcaster
}

func (w *Worker) RunOnce(ctx context.Context, batchSize int, wait time.Duration) error {
	// An open breaker means the downstream provider is struggling; pausing
	// the fetch loop for the cooldown keeps queued messages from burning
	// their redelivery budget on fail-fast rejections. gobreaker moves to
	// half-open on its own once the cooldown elapses, so the next Execute
	// is the probe.
	if w.Breaker != nil && w.Breaker.State() == gobreaker.StateOpen {
		w.Logger.Warn().Str("channel", string(w.Channel)).Msg("circuit breaker open, pausing fetch")
		sleepFn(cooldowns[w.Channel])
		return nil
	}

	msgs, err := w.Broker.Fetch(ctx, queueName(w.Channel), batchSize, wait)
	if err != nil {
		return fmt.Errorf("failed to fetch batch: %w", err)
	}

	for _, msg := range msgs {
		w.handle(ctx, msg)
	}

	return nil
}

func (w *Worker) handle(ctx context.Context, msg *broker.Message) {
	rendered, err := pipeline.DecodeRendered(msg.Body)
	if err != nil {
		w.Logger.Warn().Err(err).Msg("dropping malformed rendered message")
		if ackErr := msg.Drop(); ackErr != nil {
			w.Logger.Error().Err(ackErr).Msg("failed to ack dropped message")
		}
		return
	}

	r := msg.RedeliveryCount
	w.sleepForRetry(r)

	start := time.Now()
	metadata, sendErr := w.send(ctx, *rendered)
	metrics.DeliveryDuration.WithLabelValues(string(w.Channel)).Observe(time.Since(start).Seconds())

	if sendErr == nil {
		w.onSuccess(ctx, msg, rendered, r, metadata)
		return
	}

	w.onFailure(ctx, msg, rendered, r, sendErr)
}

func (w *Worker) send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error) {
	if w.Breaker == nil {
		return w.Adapter.Send(ctx, msg)
	}

	result, err := w.Breaker.Execute(func() (any, error) {
		return w.Adapter.Send(ctx, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, pipeline.NewTransientError("delivery.breaker_open", err)
		}
		return nil, err
	}

	metadata, _ := result.(map[string]any)
	return metadata, nil
}

// sleepFn is overridden in tests so the retry/backoff schedule can be
// asserted without a real multi-second sleep per attempt.
var sleepFn = time.Sleep

func (w *Worker) sleepForRetry(r int) {
	if r == 0 {
		return
	}
	delays := RetryDelays[w.Channel]
	if len(delays) == 0 {
		return
	}
	idx := r - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	sleepFn(delays[idx])
}

func (w *Worker) onSuccess(ctx context.Context, msg *broker.Message, rendered *pipeline.RenderedMessage, r int, metadata map[string]any) {
	delivery := &store.Delivery{
		UserID:       rendered.UserID,
		Channel:      string(w.Channel),
		EventType:    string(rendered.EventType),
		EventID:      rendered.EventID,
		Status:       "delivered",
		AttemptCount: r + 1,
		Metadata:     metadata,
	}
	err := w.Deliveries.Record(ctx, delivery)
	if err != nil {
		w.Logger.Error().Err(err).Str("event_id", rendered.EventID).Msg("failed to record successful delivery")
	} else if w.Channel == pipeline.ChannelInApp && w.Broadcast != nil {
		// Broadcast only after the delivery row is durably persisted; the
		// broadcast is best-effort and a failure there never retroactively
		// fails a delivery that already succeeded.
		w.publishBroadcast(ctx, delivery, rendered)
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.Logger.Error().Err(ackErr).Str("event_id", rendered.EventID).Msg("ack failed")
		return
	}

	metrics.Deliveries.WithLabelValues(string(w.Channel), "delivered").Inc()
	w.Events.Record(ctx, rendered.EventID, string(w.Channel), "delivered", metadata)
}

// publishBroadcast builds the nested in-app wire shape and publishes it on
// the ephemeral store's broadcast channel for real-time fan-out clients.
func (w *Worker) publishBroadcast(ctx context.Context, delivery *store.Delivery, rendered *pipeline.RenderedMessage) {
	metrics.ActiveWebsocketConnections.Inc()
	defer metrics.ActiveWebsocketConnections.Dec()

	w.Broadcast.Publish(ctx, transport.Broadcast{
		UserID: rendered.UserID,
		Notification: transport.Notification{
			ID:        delivery.ID,
			EventID:   rendered.EventID,
			EventType: string(rendered.EventType),
			Subject:   rendered.Subject,
			Body:      rendered.Body,
			Priority:  string(rendered.Priority),
			CreatedAt: time.Now().UTC(),
		},
	})
}

// isExhausted reports whether attempt r (0-indexed) is the last one this
// worker will make: either MaxRetries attempts have already been spent, or
// the failure is a TerminalError that retrying can never fix.
func isExhausted(r int, sendErr error) bool {
	var terminal *pipeline.TerminalError
	return r+1 >= MaxRetries || errors.As(sendErr, &terminal)
}

func (w *Worker) onFailure(ctx context.Context, msg *broker.Message, rendered *pipeline.RenderedMessage, r int, sendErr error) {
	exhausted := isExhausted(r, sendErr)

	if !exhausted {
		if _, err := msg.Retry(ctx, routingKeyIn(w.Channel)); err != nil {
			w.Logger.Error().Err(err).Str("event_id", rendered.EventID).Msg("failed to retry message")
		}
		return
	}

	errMsg := sendErr.Error()
	err := w.Deliveries.Record(ctx, &store.Delivery{
		UserID:       rendered.UserID,
		Channel:      string(w.Channel),
		EventType:    string(rendered.EventType),
		EventID:      rendered.EventID,
		Status:       "failed",
		AttemptCount: MaxRetries,
		Error:        &errMsg,
	})
	if err != nil {
		w.Logger.Error().Err(err).Str("event_id", rendered.EventID).Msg("failed to record failed delivery")
	}

	dlqEntry := pipeline.DLQEntry{
		RenderedMessage: *rendered,
		Error:           errMsg,
		MovedToDLQAt:    time.Now().UTC(),
	}
	if pubErr := w.Broker.Publish(ctx, DLQRoutingKey, dlqEntry); pubErr != nil {
		w.Logger.Error().Err(pubErr).Str("event_id", rendered.EventID).Msg("failed to publish to dlq")
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.Logger.Error().Err(ackErr).Str("event_id", rendered.EventID).Msg("ack failed")
		return
	}

	metrics.Deliveries.WithLabelValues(string(w.Channel), "failed").Inc()
	w.Events.Record(ctx, rendered.EventID, string(w.Channel), "failed", map[string]any{"error": errMsg})
}
