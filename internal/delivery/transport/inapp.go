// In-app transport has no external call of its own: "delivery" is the write
// of the delivery row, and the broadcast to Redis pub/sub that notifies a
// real-time fan-out client happens afterward, in the worker's post-persist
// hook (internal/delivery.Worker.publishBroadcast), not here in Send. This
// adapter just reports success.
package transport

import (
	"context"
	"time"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

type InAppAdapter struct{}

func NewInAppAdapter() *InAppAdapter {
	return &InAppAdapter{}
}

func (a *InAppAdapter) Send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error) {
	return map[string]any{"transport": "in_app"}, nil
}

// Broadcast is the wire shape published on cache.BroadcastChannel once an
// in-app delivery row is durably persisted:
// `{user_id, notification: {id, event_id, event_type, subject, body,
// priority, created_at}}`.
type Broadcast struct {
	UserID       string       `json:"user_id"`
	Notification Notification `json:"notification"`
}

// Notification is the nested payload of a Broadcast.
type Notification struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}
