package domain

import "time"

// RollupKind marks an alert that summarizes several checks.
type RollupKind string

const (
	// RollupNone marks an individual alert.
	RollupNone RollupKind = ""
	// RollupProblem summarizes all checks failing through one medium.
	RollupProblem RollupKind = "problem"
	// RollupRecovery announces that the failing count fell below the threshold.
	RollupRecovery RollupKind = "recovery"
)

// RollupEntry describes one check contributing to a rollup alert.
type RollupEntry struct {
	State    string `json:"state"`
	Duration *int64 `json:"duration,omitempty"`
}

// Alert is the contact and medium bound payload consumed by transport gateways.
// Params: notification fields plus recipient and rollup data.
// Returns: transport-ready record.
type Alert struct {
	Notification

	AlertID         string                 `json:"alert_id"`
	ContactID       string                 `json:"contact_id"`
	ContactName     string                 `json:"contact_name"`
	MediumID        string                 `json:"medium_id"`
	MediumType      string                 `json:"medium"`
	Address         string                 `json:"address"`
	Interval        int64                  `json:"interval,omitempty"`
	Rollup          RollupKind             `json:"rollup,omitempty"`
	RollupAlerts    map[string]RollupEntry `json:"rollup_alerts,omitempty"`
	RollupThreshold int                    `json:"rollup_threshold,omitempty"`
	RollupSummary   string                 `json:"rollup_summary,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// AlertType returns rollup-aware alert type.
func (a Alert) AlertType() string {
	switch a.Rollup {
	case RollupProblem:
		return "rollup_problem"
	case RollupRecovery:
		return "rollup_recovery"
	default:
		return string(a.Type)
	}
}
