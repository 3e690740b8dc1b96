package pipeline

import (
	"encoding/json"
	"fmt"
)

// Decode parses a raw broker payload into a SubmittedEvent and applies the
// field-level checks: required ids, known enums, non-empty channel list. A
// decode or validation failure returns *ValidationError so callers know to
// ack-drop rather than retry.
func Decode(raw []byte) (*SubmittedEvent, error) {
	var evt SubmittedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, NewValidationError("body", err)
	}

	if err := validateEvent(&evt); err != nil {
		return nil, err
	}

	return &evt, nil
}

// DecodeEnriched parses a message already past ingestion's validation; it
// only checks structural well-formedness, since the fields were already
// validated once upstream.
func DecodeEnriched(raw []byte) (*EnrichedEvent, error) {
	var evt EnrichedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, NewValidationError("body", err)
	}
	if evt.EventID == "" {
		return nil, NewValidationError("event_id", fmt.Errorf("required"))
	}
	return &evt, nil
}

// DecodeRouted parses a routed message for the renderer stage.
func DecodeRouted(raw []byte) (*RoutedEvent, error) {
	var evt RoutedEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, NewValidationError("body", err)
	}
	if evt.EventID == "" {
		return nil, NewValidationError("event_id", fmt.Errorf("required"))
	}
	return &evt, nil
}

// DecodeRendered parses a rendered message for delivery workers.
func DecodeRendered(raw []byte) (*RenderedMessage, error) {
	var evt RenderedMessage
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, NewValidationError("body", err)
	}
	if evt.EventID == "" {
		return nil, NewValidationError("event_id", fmt.Errorf("required"))
	}
	return &evt, nil
}

func validateEvent(evt *SubmittedEvent) error {
	if evt.EventID == "" {
		return NewValidationError("event_id", fmt.Errorf("required"))
	}
	if evt.UserID == "" {
		return NewValidationError("user_id", fmt.Errorf("required"))
	}
	if !evt.EventType.Valid() {
		return NewValidationError("event_type", fmt.Errorf("unrecognized value %q", evt.EventType))
	}
	if len(evt.Channels) == 0 {
		return NewValidationError("channels", fmt.Errorf("must not be empty"))
	}
	for _, ch := range evt.Channels {
		if !ch.Valid() {
			return NewValidationError("channels", fmt.Errorf("unrecognized channel %q", ch))
		}
	}

	if evt.Priority == "" {
		evt.Priority = PriorityNormal
	} else if !evt.Priority.Valid() {
		return NewValidationError("priority", fmt.Errorf("unrecognized value %q", evt.Priority))
	}

	return nil
}
