// Package pipeline holds the event types that flow between stages and the
// error taxonomy that governs each stage's ack/nak/dlq decision.
package pipeline

import "time"

type EventType string

const (
	EventAccount   EventType = "account"
	EventSecurity  EventType = "security"
	EventMarketing EventType = "marketing"
	EventSystem    EventType = "system"
)

func (t EventType) Valid() bool {
	switch t {
	case EventAccount, EventSecurity, EventMarketing, EventSystem:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	default:
		return false
	}
}

// AllChannels is the fixed channel universe submitted events are validated
// against.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// DeliveryStatus is the notification_deliveries.status enum.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusBounced   DeliveryStatus = "bounced"
)

// SubmittedEvent is the wire shape read off notification.events.
type SubmittedEvent struct {
	EventID     string         `json:"event_id"`
	EventType   EventType      `json:"event_type"`
	UserID      string         `json:"user_id"`
	Channels    []Channel      `json:"channels"`
	Priority    Priority       `json:"priority"`
	Data        map[string]any `json:"data"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EnrichedEvent is SubmittedEvent plus resolved recipient contact fields.
type EnrichedEvent struct {
	SubmittedEvent
	EnrichedAt     time.Time `json:"enriched_at"`
	UserEmail      string    `json:"user_email,omitempty"`
	UserPhone      *string   `json:"user_phone,omitempty"`
	UserPushTokens []string  `json:"user_push_tokens,omitempty"`
}

// RoutedEvent is an EnrichedEvent narrowed to exactly one allowed channel.
type RoutedEvent struct {
	EnrichedEvent
	Channel Channel `json:"channel"`
}

// RenderedMessage is a RoutedEvent with its subject/body filled in.
type RenderedMessage struct {
	RoutedEvent
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	RenderedAt time.Time `json:"rendered_at"`
}

// DLQEntry is a RenderedMessage that exhausted its retry budget.
type DLQEntry struct {
	RenderedMessage
	Error        string    `json:"error"`
	MovedToDLQAt time.Time `json:"moved_to_dlq_at"`
}
