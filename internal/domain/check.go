package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"eventrouter/internal/condition"

	"github.com/google/uuid"
)

// NewID returns a random identifier for stored records.
func NewID() string {
	return uuid.NewString()
}

// CheckID builds the "entity:check" identity used by events and notifications.
// Params: entity and check names.
// Returns: joined check id.
func CheckID(entity, check string) string {
	return strings.TrimSpace(entity) + ":" + strings.TrimSpace(check)
}

// SplitCheckID splits "entity:check" into its parts.
// Params: check id.
// Returns: entity and check name (check may contain further colons).
func SplitCheckID(id string) (string, string) {
	entity, check, found := strings.Cut(id, ":")
	if !found {
		return id, ""
	}
	return entity, check
}

// AckHash returns the short hash operators can use to acknowledge a check.
// Params: check id.
// Returns: first 8 hex characters of SHA-1(id).
func AckHash(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}

// State is one append-only history record of a check.
type State struct {
	Timestamp         time.Time           `json:"timestamp"`
	Condition         condition.Condition `json:"condition"`
	Summary           string              `json:"summary,omitempty"`
	Details           string              `json:"details,omitempty"`
	Count             uint64              `json:"count"`
	Notified          bool                `json:"notified"`
	NotificationCount int                 `json:"notification_count"`
}

// ActionRecord stores one processed action event for a check.
type ActionRecord struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	Summary string    `json:"summary,omitempty"`
}

// NotificationRecord remembers the last notification generated for a check.
type NotificationRecord struct {
	Type     NotificationType    `json:"type"`
	State    string              `json:"state"`
	Severity condition.Condition `json:"severity"`
	Time     time.Time           `json:"time"`
}

// Check is the current status of one monitored thing-plus-metric.
// Params: identity, last reported condition and text, bookkeeping timestamps.
// Returns: persisted check attributes.
type Check struct {
	ID                  string              `json:"id"`
	Entity              string              `json:"entity"`
	Name                string              `json:"name"`
	State               condition.Condition `json:"state,omitempty"`
	Summary             string              `json:"summary,omitempty"`
	Details             string              `json:"details,omitempty"`
	Perfdata            string              `json:"perfdata,omitempty"`
	Tags                []string            `json:"tags,omitempty"`
	Enabled             bool                `json:"enabled"`
	LastUpdate          time.Time           `json:"last_update"`
	LastChange          time.Time           `json:"last_change"`
	InitialFailureDelay *int64              `json:"initial_failure_delay,omitempty"`
	RepeatFailureDelay  *int64              `json:"repeat_failure_delay,omitempty"`
	EventCount          uint64              `json:"event_count"`
	AckHash             string              `json:"ack_hash"`

	// NotifiedSeverity is the worst severity notified since the last notified recovery.
	NotifiedSeverity        condition.Condition `json:"notified_severity,omitempty"`
	LastNotification        *NotificationRecord `json:"last_notification,omitempty"`
	LastProblemNotification *NotificationRecord `json:"last_problem_notification,omitempty"`
}

// NewCheck creates a check record for an unseen id.
// Params: check id and creation time.
// Returns: enabled check without state.
func NewCheck(id string, now time.Time) Check {
	entity, name := SplitCheckID(id)
	return Check{
		ID:         id,
		Entity:     entity,
		Name:       name,
		Enabled:    true,
		LastUpdate: now,
		AckHash:    AckHash(id),
	}
}

// Failing reports whether current state is unhealthy.
func (c Check) Failing() bool {
	return c.State.Unhealthy()
}

// HasTag reports whether check carries tag.
func (c Check) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
