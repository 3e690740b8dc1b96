package store

import "time"

// User mirrors the out-of-scope HTTP layer's users table; this core only
// ever reads it.
type User struct {
	ID         string
	Email      string
	Phone      *string
	PushTokens []string
}

// Preference is one row of notification_preferences, keyed (user_id,
// channel, event_type).
type Preference struct {
	UserID          string
	Channel         string
	EventType       string
	Enabled         bool
	QuietHoursStart *time.Time
	QuietHoursEnd   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Template is one row of notification_templates, keyed (channel, event_type).
type Template struct {
	Channel   string
	EventType string
	Subject   *string
	Body      string
	Variables []string
}

// Delivery is an audit row of notification_deliveries.
type Delivery struct {
	ID           string
	UserID       string
	Channel      string
	EventType    string
	EventID      string
	Status       string
	AttemptCount int
	Metadata     map[string]any
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeliveredAt  *time.Time
}
