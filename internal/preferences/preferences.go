// Package preferences implements the second pipeline stage: the four-rule
// preference decision and per-channel routing fan-out.
package preferences

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

const (
	QueueName         = "preferences-consumer"
	RoutingKeyIn      = "notification.enriched"
	routedKeyTemplate = "notification.routed.%s"
	defaultRateLimit  = 10
)

// RateLimiter is the narrow slice of internal/cache.Cache this stage
// depends on; tests substitute an in-memory fake behind this interface.
type RateLimiter interface {
	IncrRateLimit(ctx context.Context, userID, channel, eventType string) (int64, error)
}

// PreferenceLookup is the narrow slice of internal/store.PreferenceRepository
// this stage depends on.
type PreferenceLookup interface {
	Get(ctx context.Context, userID, channel, eventType string) (*store.Preference, error)
}

// AuditRecorder mirrors internal/ingestion.AuditRecorder.
type AuditRecorder interface {
	Record(ctx context.Context, eventID, channel, stage string, detail map[string]any)
}

// BrokerClient is the narrow slice of internal/broker.Broker this stage
// depends on: pulling its own queue, publishing routed events, and
// requeueing the channels that failed.
type BrokerClient interface {
	Fetch(ctx context.Context, queue string, batchSize int, wait time.Duration) ([]*broker.Message, error)
	Publish(ctx context.Context, routingKey string, v any) error
}

type Stage struct {
	Broker      BrokerClient
	Cache       RateLimiter
	Preferences PreferenceLookup
	Events      AuditRecorder
	Logger      *zerolog.Logger

	// RateLimit is the per-hour allowance for one (user, channel,
	// event_type); zero means the default of 10.
	RateLimit int
}

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
	evt, err := pipeline.DecodeEnriched(msg.Body)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("dropping malformed enriched event")
		if ackErr := msg.Drop(); ackErr != nil {
			s.Logger.Error().Err(ackErr).Msg("failed to ack dropped message")
		}
		return
	}

	routed := 0
	var failed []pipeline.Channel
	for _, ch := range evt.Channels {
		allowed, err := s.Evaluate(ctx, evt, ch)
		if err != nil {
			s.Logger.Error().Err(err).Str("event_id", evt.EventID).Str("channel", string(ch)).
				Msg("preference evaluation failed")
			failed = append(failed, ch)
			continue
		}
		if !allowed {
			continue
		}

		out := pipeline.RoutedEvent{EnrichedEvent: *evt, Channel: ch}
		key := fmt.Sprintf(routedKeyTemplate, ch)
		if err := s.Broker.Publish(ctx, key, out); err != nil {
			s.Logger.Error().Err(err).Str("event_id", evt.EventID).Str("channel", string(ch)).
				Msg("publish routed event failed")
			failed = append(failed, ch)
			continue
		}
		routed++
		s.Events.Record(ctx, evt.EventID, string(ch), "routed", nil)
	}

	// Channels that hit a store or publish error are requeued as a copy of
	// the event narrowed to just those channels. Requeueing the whole event
	// would re-evaluate channels that already routed, publishing them a
	// second time and burning a spurious rate-limit increment on each
	// redelivery.
	if len(failed) > 0 {
		retry := *evt
		retry.Channels = failed
		if err := s.Broker.Publish(ctx, RoutingKeyIn, retry); err != nil {
			// Leave the message unacked so the whole event redelivers
			// later; duplicates on the already-routed channels are possible
			// on this path, within the at-least-once contract.
			s.Logger.Error().Err(err).Str("event_id", evt.EventID).
				Msg("failed to requeue failed channels, leaving message for redelivery")
			return
		}
	}

	if routed == 0 && len(failed) == 0 {
		s.Logger.Info().Str("event_id", evt.EventID).Msg("all channels denied by preferences")
	}

	if err := msg.Ack(); err != nil {
		s.Logger.Error().Err(err).Str("event_id", evt.EventID).Msg("ack failed")
	}
}

// Evaluate runs the four rules in order; the first denial wins.
func (s *Stage) Evaluate(ctx context.Context, evt *pipeline.EnrichedEvent, channel pipeline.Channel) (bool, error) {
	pref, err := s.Preferences.Get(ctx, evt.UserID, string(channel), string(evt.EventType))
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		return false, pipeline.NewTransientError("preferences.get", err)
	}

	// Rule 1: marketing default-denies on a missing preference row.
	if missing {
		return evt.EventType != pipeline.EventMarketing, nil
	}

	// Rule 2: explicit disable.
	if !pref.Enabled {
		return false, nil
	}

	// Rule 3: quiet hours, UTC, wraps midnight when end < start.
	if pref.QuietHoursStart != nil && pref.QuietHoursEnd != nil {
		if inQuietHours(time.Now().UTC(), *pref.QuietHoursStart, *pref.QuietHoursEnd) {
			return false, nil
		}
	}

	// Rule 4: sliding rate limit. INCR always runs here, even if this rule
	// denies; rules 1-3 never reach this point.
	count, err := s.Cache.IncrRateLimit(ctx, evt.UserID, string(channel), string(evt.EventType))
	if err != nil {
		return false, pipeline.NewTransientError("preferences.rate_limit", err)
	}
	limit := s.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}
	if count > int64(limit) {
		return false, nil
	}

	return true, nil
}

// inQuietHours compares only time-of-day components in UTC, wrapping
// midnight when end is before start (e.g. 22:00-06:00).
func inQuietHours(now time.Time, start, end time.Time) bool {
	nowTOD := timeOfDay(now)
	startTOD := timeOfDay(start)
	endTOD := timeOfDay(end)

	if startTOD <= endTOD {
		return nowTOD >= startTOD && nowTOD < endTOD
	}
	// Wraps midnight.
	return nowTOD >= startTOD || nowTOD < endTOD
}

func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
