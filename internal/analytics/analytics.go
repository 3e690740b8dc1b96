// Package analytics implements the fifth pipeline stage: pure read queries
// over notification_deliveries. Nothing here writes.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/justinndidit/notifications-core/internal/store"
)

type Reader struct {
	DB *store.DB
}

func New(db *store.DB) *Reader {
	return &Reader{DB: db}
}

type ChannelStats struct {
	Channel     string  `json:"channel"`
	Total       int64   `json:"total"`
	Delivered   int64   `json:"delivered"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	AvgAttempts float64 `json:"avg_attempts"`
}

type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

type Analytics struct {
	PeriodHours     int              `json:"period_hours"`
	TotalDeliveries int64            `json:"total_deliveries"`
	SuccessRate     float64          `json:"success_rate"`
	ByChannel       []ChannelStats   `json:"by_channel"`
	TopEventTypes   []EventTypeCount `json:"top_event_types"`
}

// GetAnalytics aggregates per-channel delivery stats and the top 10 event
// types over the trailing periodHours window.
func (r *Reader) GetAnalytics(ctx context.Context, periodHours int) (*Analytics, error) {
	since := time.Now().UTC().Add(-time.Duration(periodHours) * time.Hour)

	const channelQuery = `
		SELECT
			channel,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			AVG(attempt_count) AS avg_attempts
		FROM notification_deliveries
		WHERE created_at >= $1
		GROUP BY channel
		ORDER BY channel
	`

	rows, err := r.DB.Pool.Query(ctx, channelQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel stats: %w", err)
	}
	defer rows.Close()

	byChannel := make([]ChannelStats, 0)
	for rows.Next() {
		var cs ChannelStats
		var avgAttempts float64
		if err := rows.Scan(&cs.Channel, &cs.Total, &cs.Delivered, &cs.Failed, &avgAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan channel stats: %w", err)
		}
		if cs.Total > 0 {
			cs.SuccessRate = round2(float64(cs.Delivered) / float64(cs.Total) * 100)
		}
		cs.AvgAttempts = round2(avgAttempts)
		byChannel = append(byChannel, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channel stats: %w", err)
	}

	var totalDeliveries, totalDelivered int64
	for _, cs := range byChannel {
		totalDeliveries += cs.Total
		totalDelivered += cs.Delivered
	}
	var successRate float64
	if totalDeliveries > 0 {
		successRate = round2(float64(totalDelivered) / float64(totalDeliveries) * 100)
	}

	const eventTypeQuery = `
		SELECT event_type, COUNT(*) AS count
		FROM notification_deliveries
		WHERE created_at >= $1
		GROUP BY event_type
		ORDER BY count DESC
		LIMIT 10
	`

	eventRows, err := r.DB.Pool.Query(ctx, eventTypeQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query top event types: %w", err)
	}
	defer eventRows.Close()

	topEventTypes := make([]EventTypeCount, 0)
	for eventRows.Next() {
		var etc EventTypeCount
		if err := eventRows.Scan(&etc.EventType, &etc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event type count: %w", err)
		}
		topEventTypes = append(topEventTypes, etc)
	}
	if err := eventRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event type counts: %w", err)
	}

	return &Analytics{
		PeriodHours:     periodHours,
		TotalDeliveries: totalDeliveries,
		SuccessRate:     successRate,
		ByChannel:       byChannel,
		TopEventTypes:   topEventTypes,
	}, nil
}

// GetUserDeliveries returns a user's most recent deliveries, newest first.
func (r *Reader) GetUserDeliveries(ctx context.Context, userID string, limit int) ([]store.Delivery, error) {
	const query = `
		SELECT id, user_id, channel, event_type, event_id, status, attempt_count, error, created_at, updated_at, delivered_at
		FROM notification_deliveries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.scanDeliveries(ctx, query, userID, limit)
}

// GetFailedDeliveries returns the most recent failed deliveries.
func (r *Reader) GetFailedDeliveries(ctx context.Context, limit int) ([]store.Delivery, error) {
	const query = `
		SELECT id, user_id, channel, event_type, event_id, status, attempt_count, error, created_at, updated_at, delivered_at
		FROM notification_deliveries
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.scanDeliveries(ctx, query, limit)
}

// GetDeliveriesByEventID returns every delivery row for one event, oldest
// attempt first.
func (r *Reader) GetDeliveriesByEventID(ctx context.Context, eventID string) ([]store.Delivery, error) {
	const query = `
		SELECT id, user_id, channel, event_type, event_id, status, attempt_count, error, created_at, updated_at, delivered_at
		FROM notification_deliveries
		WHERE event_id = $1
		ORDER BY created_at ASC
	`
	return r.scanDeliveries(ctx, query, eventID)
}

func (r *Reader) scanDeliveries(ctx context.Context, query string, args ...any) ([]store.Delivery, error) {
	rows, err := r.DB.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]store.Delivery, 0)
	for rows.Next() {
		var d store.Delivery
		if err := rows.Scan(&d.ID, &d.UserID, &d.Channel, &d.EventType, &d.EventID, &d.Status,
			&d.AttemptCount, &d.Error, &d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}

	return deliveries, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
