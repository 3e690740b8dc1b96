// Package ingestion implements the first pipeline stage: decode, validate,
// dedup, enrich, publish.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/metrics"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

const (
	QueueName     = "ingestion-consumer"
	RoutingKeyIn  = "notification.events"
	RoutingKeyOut = "notification.enriched"
)

// Deduper is the narrow slice of internal/cache.Cache ingestion depends on;
// tests substitute an in-memory fake behind this interface.
type Deduper interface {
	Dedup(ctx context.Context, key string) (bool, error)
}

// UserLookup is the narrow slice of internal/store.UserRepository ingestion
// depends on.
type UserLookup interface {
	GetByID(ctx context.Context, userID string) (*store.User, error)
}

// AuditRecorder is the narrow slice of internal/store.EventRepository every
// stage depends on for the stage-transition audit trail.
type AuditRecorder interface {
	Record(ctx context.Context, eventID, channel, stage string, detail map[string]any)
}

type Stage struct {
	Broker *broker.Broker
	Cache  Deduper
	Users  UserLookup
	Events AuditRecorder
	Logger *zerolog.Logger
}

// RunOnce pulls and fully processes one batch; callers loop this from
// cmd/ingestion until the shutdown context is cancelled.
func (s *Stage) RunOnce(ctx context.Context, batchSize int, wait time.Duration) error {
	msgs, err := s.Broker.Fetch(ctx, QueueName, batchSize, wait)
	if err != nil {
		return fmt.Errorf("failed to fetch batch: %w", err)
	}

	for _, msg := range msgs {
		s.handle(ctx, msg)
	}

	return nil
}

func (s *Stage) handle(ctx context.Context, msg *broker.Message) {
	evt, err := pipeline.Decode(msg.Body)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			metrics.EventsFailed.WithLabelValues("unknown", "validation").Inc()
			s.Logger.Warn().Err(err).Msg("dropping invalid event")
			if ackErr := msg.Drop(); ackErr != nil {
				s.Logger.Error().Err(ackErr).Msg("failed to ack dropped message")
			}
			return
		}
		s.Logger.Error().Err(err).Msg("unexpected decode error, nacking")
		s.retry(ctx, msg)
		return
	}

	metrics.EventsReceived.WithLabelValues(string(evt.EventType)).Inc()

	claimed, err := s.Dedup(ctx, evt)
	if err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("dedup check failed")
		s.retry(ctx, msg)
		return
	}
	if !claimed {
		s.Logger.Info().Str("event_id", evt.EventID).Msg("duplicate event, dropping")
		if ackErr := msg.Drop(); ackErr != nil {
			s.Logger.Error().Err(ackErr).Msg("failed to ack duplicate message")
		}
		return
	}

	enriched, err := s.Enrich(ctx, evt)
	if err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("enrich failed")
		s.retry(ctx, msg)
		return
	}

	if err := s.Broker.Publish(ctx, RoutingKeyOut, enriched); err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("publish enriched failed")
		s.retry(ctx, msg)
		return
	}

	if err := msg.Ack(); err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("ack failed")
		return
	}

	metrics.EventsProcessed.WithLabelValues(string(evt.EventType)).Inc()
	s.Events.Record(ctx, evt.EventID, "", "enriched", map[string]any{"user_id": evt.UserID})
}

func (s *Stage) retry(ctx context.Context, msg *broker.Message) {
	if _, err := msg.Retry(ctx, RoutingKeyIn); err != nil {
		s.Logger.Error().Err(err).Msg("failed to retry message")
	}
}

// Dedup claims the event's idempotency key, falling back to event_id when
// the submitter supplied no explicit key in metadata. Either way the claim
// lives under the same one-hour TTL.
func (s *Stage) Dedup(ctx context.Context, evt *pipeline.SubmittedEvent) (bool, error) {
	key := evt.EventID
	if idk, ok := evt.Metadata["idempotency_key"].(string); ok && idk != "" {
		key = idk
	}
	return s.Cache.Dedup(ctx, key)
}

// Enrich resolves the user's contact fields. A missing user degrades and
// continues rather than failing the event; channels that require the
// missing fields fail downstream and surface via the DLQ.
func (s *Stage) Enrich(ctx context.Context, evt *pipeline.SubmittedEvent) (*pipeline.EnrichedEvent, error) {
	enriched := &pipeline.EnrichedEvent{
		SubmittedEvent: *evt,
		EnrichedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}

	user, err := s.Users.GetByID(ctx, evt.UserID)
	if errors.Is(err, store.ErrNotFound) {
		s.Logger.Info().Str("user_id", evt.UserID).Msg("user not found, enriching without contact fields")
		return enriched, nil
	}
	if err != nil {
		return nil, pipeline.NewTransientError("enrich.lookup_user", err)
	}

	enriched.UserEmail = user.Email
	enriched.UserPhone = user.Phone
	enriched.UserPushTokens = user.PushTokens

	return enriched, nil
}
