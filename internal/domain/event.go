package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventrouter/internal/condition"
)

// ErrInvalidEvent marks payloads that can never be processed and must be dropped.
var ErrInvalidEvent = errors.New("invalid event")

// EventType identifies incoming event shape.
// Params: constants "service", "action" or "noop".
// Returns: normalized event type usage across pipeline.
type EventType string

const (
	// EventTypeService reports the current condition of one check.
	EventTypeService EventType = "service"
	// EventTypeAction records human or automated interaction with a check.
	EventTypeAction EventType = "action"
	// EventTypeNoop wakes a blocked worker without touching any check.
	EventTypeNoop EventType = "noop"
)

const (
	// ActionAcknowledgement acknowledges a failing check.
	ActionAcknowledgement = "acknowledgement"
	// ActionTestNotifications requests a test notification for a check.
	ActionTestNotifications = "test_notifications"
)

// Event is one inbound monitoring record.
// Params: check identity, reported state, free text, and optional action metadata.
// Returns: validated payload for the event processor.
type Event struct {
	Type                EventType `json:"type"`
	State               string    `json:"state"`
	Entity              string    `json:"entity"`
	Check               string    `json:"check"`
	Time                int64     `json:"time,omitempty"`
	Summary             string    `json:"summary,omitempty"`
	Details             string    `json:"details,omitempty"`
	Perfdata            string    `json:"perfdata,omitempty"`
	Tags                []string  `json:"tags,omitempty"`
	InitialFailureDelay *int64    `json:"initial_failure_delay,omitempty"`
	RepeatFailureDelay  *int64    `json:"repeat_failure_delay,omitempty"`
	AcknowledgementID   string    `json:"acknowledgement_id,omitempty"`
	Duration            int64     `json:"duration,omitempty"`
}

// ID returns the check identity "entity:check".
// Params: none.
// Returns: event id, empty when entity or check is missing.
func (e Event) ID() string {
	if strings.TrimSpace(e.Entity) == "" || strings.TrimSpace(e.Check) == "" {
		return ""
	}
	return CheckID(e.Entity, e.Check)
}

// EventTime converts epoch seconds into UTC time.
// Params: fallback used when the source omitted time.
// Returns: event time in UTC.
func (e Event) EventTime(fallback time.Time) time.Time {
	if e.Time <= 0 {
		return fallback.UTC()
	}
	return time.Unix(e.Time, 0).UTC()
}

// Condition returns parsed condition for service events.
// Params: none.
// Returns: condition or empty value for non-service events.
func (e Event) Condition() condition.Condition {
	if e.Type != EventTypeService {
		return ""
	}
	c, err := condition.Parse(e.State)
	if err != nil {
		return ""
	}
	return c
}

// IsAcknowledgement reports whether event acknowledges a failure.
func (e Event) IsAcknowledgement() bool {
	return e.Type == EventTypeAction && e.State == ActionAcknowledgement
}

// IsTestNotification reports whether event asks for a test notification.
func (e Event) IsTestNotification() bool {
	return e.Type == EventTypeAction && e.State == ActionTestNotifications
}

// DecodeEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or error wrapping ErrInvalidEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: decode: %v", ErrInvalidEvent, err)
	}
	event.normalize()
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

// DecodeEventsReader decodes and validates one batch of events from stream.
// Params: reader with one JSON array of events.
// Returns: validated events slice or decode/validation error.
func DecodeEventsReader(reader *json.Decoder) ([]Event, error) {
	var events []Event
	if err := reader.Decode(&events); err != nil {
		return nil, fmt.Errorf("%w: decode batch: %v", ErrInvalidEvent, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: event batch must contain at least one event", ErrInvalidEvent)
	}
	for i := range events {
		events[i].normalize()
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

func (e *Event) normalize() {
	e.Type = EventType(strings.ToLower(strings.TrimSpace(string(e.Type))))
	e.State = strings.ToLower(strings.TrimSpace(e.State))
	e.Entity = strings.TrimSpace(e.Entity)
	e.Check = strings.TrimSpace(e.Check)
}

// Validate validates one event against the wire contract.
// Params: event fields parsed from transport.
// Returns: error wrapping ErrInvalidEvent when contract is violated.
func (e Event) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
	}

	if e.Time < 0 {
		return invalid("time must be >=0")
	}

	switch e.Type {
	case EventTypeNoop:
		return nil
	case EventTypeService:
		if e.ID() == "" {
			return invalid("entity and check are required")
		}
		if _, err := condition.Parse(e.State); err != nil {
			return invalid("state: %v", err)
		}
	case EventTypeAction:
		switch e.State {
		case ActionAcknowledgement:
			if e.ID() == "" && strings.TrimSpace(e.AcknowledgementID) == "" {
				return invalid("acknowledgement requires entity/check or acknowledgement_id")
			}
		case ActionTestNotifications:
			if e.ID() == "" {
				return invalid("entity and check are required")
			}
		default:
			return invalid("unsupported action %q", e.State)
		}
		if e.Duration < 0 {
			return invalid("duration must be >=0")
		}
	default:
		return invalid("unsupported type %q", e.Type)
	}

	if e.InitialFailureDelay != nil && *e.InitialFailureDelay < 0 {
		return invalid("initial_failure_delay must be >=0")
	}
	if e.RepeatFailureDelay != nil && *e.RepeatFailureDelay < 0 {
		return invalid("repeat_failure_delay must be >=0")
	}
	return nil
}
