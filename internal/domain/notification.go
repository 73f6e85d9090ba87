package domain

import (
	"time"

	"eventrouter/internal/condition"
)

// NotificationType classifies why a notification was generated.
type NotificationType string

const (
	// NotificationProblem announces a failure.
	NotificationProblem NotificationType = "problem"
	// NotificationRecovery announces a return to ok.
	NotificationRecovery NotificationType = "recovery"
	// NotificationAcknowledgement announces an acknowledged failure.
	NotificationAcknowledgement NotificationType = "acknowledgement"
	// NotificationTest is an operator-requested test.
	NotificationTest NotificationType = "test"
	// NotificationUnknown is used for events without a known mapping.
	NotificationUnknown NotificationType = "unknown"
)

// Notification is the queue-transported record of one state transition requiring action.
// Params: event identity and state, severity, previous state, durations, and tags.
// Returns: input for rule matching and alert assembly.
type Notification struct {
	ID              string              `json:"id"`
	EventID         string              `json:"event_id"`
	Type            NotificationType    `json:"type"`
	State           string              `json:"state"`
	Summary         string              `json:"summary,omitempty"`
	Details         string              `json:"details,omitempty"`
	PreviousState   condition.Condition `json:"previous_state,omitempty"`
	PreviousSummary string              `json:"previous_summary,omitempty"`
	Severity        condition.Condition `json:"severity"`
	StateDuration   *int64              `json:"state_duration,omitempty"`
	Time            time.Time           `json:"time"`
	Duration        int64               `json:"duration,omitempty"`
	Count           uint64              `json:"count"`
	Tags            []string            `json:"tags,omitempty"`
}

// NotificationTypeForEvent maps event type and state to notification type.
// Params: validated event.
// Returns: problem/recovery for service events, acknowledgement/test for actions.
func NotificationTypeForEvent(e Event) NotificationType {
	switch e.Type {
	case EventTypeService:
		c := e.Condition()
		if c.Healthy() {
			return NotificationRecovery
		}
		if c.Unhealthy() {
			return NotificationProblem
		}
	case EventTypeAction:
		switch e.State {
		case ActionAcknowledgement:
			return NotificationAcknowledgement
		case ActionTestNotifications:
			return NotificationTest
		}
	}
	return NotificationUnknown
}

// SeverityForEvent derives notification severity from event state and worst notified severity.
// Params: event and worst severity already notified during the current failure (may be empty).
// Returns: critical, warning, or ok.
func SeverityForEvent(e Event, maxNotified condition.Condition) condition.Condition {
	state := e.State
	switch {
	case state == string(condition.Critical) || state == string(condition.Unknown) || state == ActionTestNotifications,
		maxNotified == condition.Critical || maxNotified == condition.Unknown:
		return condition.Critical
	case state == string(condition.Warning) || maxNotified == condition.Warning:
		return condition.Warning
	default:
		return condition.OK
	}
}

// IsOK reports whether notification announces a healthy state.
func (n Notification) IsOK() bool {
	return n.State == string(condition.OK)
}

// ClearsAlerts reports whether notification ends the alerting period for its check.
func (n Notification) ClearsAlerts() bool {
	return n.IsOK() || n.Type == NotificationAcknowledgement
}
