package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

const deliveryKeyTemplate = "notification.delivery.%s"

func queueName(channel string) string    { return fmt.Sprintf("router-%s-consumer", channel) }
func routingKeyIn(channel string) string { return fmt.Sprintf("notification.routed.%s", channel) }

// TemplateLookup is the narrow slice of internal/store.TemplateRepository
// this stage depends on.
type TemplateLookup interface {
	Get(ctx context.Context, channel, eventType string) (*store.Template, error)
}

// AuditRecorder is the narrow slice of internal/store.EventRepository this
// stage depends on.
type AuditRecorder interface {
	Record(ctx context.Context, eventID, channel, stage string, detail map[string]any)
}

// Stage renders messages for exactly one channel; cmd/renderer runs one
// Stage per channel in its own goroutine so a slow channel never blocks
// another.
type Stage struct {
	Channel   string
	Broker    *broker.Broker
	Templates TemplateLookup
	Events    AuditRecorder
	Logger    *zerolog.Logger
}

func (s *Stage) RunOnce(ctx context.Context, batchSize int, wait time.Duration) error {
	msgs, err := s.Broker.Fetch(ctx, queueName(s.Channel), batchSize, wait)
	if err != nil {
		return fmt.Errorf("failed to fetch batch: %w", err)
	}

	for _, msg := range msgs {
		s.handle(ctx, msg)
	}

	return nil
}

func (s *Stage) handle(ctx context.Context, msg *broker.Message) {
	evt, err := pipeline.DecodeRouted(msg.Body)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("dropping malformed routed event")
		if ackErr := msg.Drop(); ackErr != nil {
			s.Logger.Error().Err(ackErr).Msg("failed to ack dropped message")
		}
		return
	}

	tmpl, err := s.Templates.Get(ctx, string(evt.Channel), string(evt.EventType))
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("template lookup failed")
		if _, retryErr := msg.Retry(ctx, routingKeyIn(s.Channel)); retryErr != nil {
			s.Logger.Error().Err(retryErr).Msg("failed to retry message")
		}
		return
	}

	var subject, body string
	if missing {
		subject, body = Fallback(string(evt.EventType), evt.Data)
	} else {
		renderCtx := make(map[string]any, len(evt.Data)+2)
		for k, v := range evt.Data {
			renderCtx[k] = v
		}
		renderCtx["user_name"] = UserName(evt.UserEmail)
		renderCtx["user_email"] = evt.UserEmail

		if tmpl.Subject != nil {
			subject = Render(*tmpl.Subject, tmpl.Variables, renderCtx)
		}
		body = Render(tmpl.Body, tmpl.Variables, renderCtx)
	}

	rendered := pipeline.RenderedMessage{
		RoutedEvent: *evt,
		Subject:     subject,
		Body:        body,
		RenderedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	key := fmt.Sprintf(deliveryKeyTemplate, s.Channel)
	if err := s.Broker.Publish(ctx, key, rendered); err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("publish rendered message failed")
		if _, retryErr := msg.Retry(ctx, routingKeyIn(s.Channel)); retryErr != nil {
			s.Logger.Error().Err(retryErr).Msg("failed to retry message")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("ack failed")
		return
	}

	s.Events.Record(ctx, evt.EventID, string(evt.Channel), "rendered", nil)
}
