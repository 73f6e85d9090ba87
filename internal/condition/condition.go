package condition

import (
	"fmt"
	"strings"
)

// Condition is one health state reported for a check.
type Condition string

const (
	// OK is the only healthy condition.
	OK Condition = "ok"
	// Critical is the most severe unhealthy condition.
	Critical Condition = "critical"
	// Warning ranks between critical and unknown.
	Warning Condition = "warning"
	// Unknown is the least severe unhealthy condition.
	Unknown Condition = "unknown"
)

var priorities = map[Condition]int{
	OK:       1,
	Critical: -3,
	Warning:  -2,
	Unknown:  -1,
}

// unhealthyOrder lists unhealthy conditions from most to least severe.
var unhealthyOrder = []Condition{Critical, Warning, Unknown}

// Parse normalizes and validates one condition name.
// Params: raw condition text.
// Returns: known condition or error for unsupported names.
func Parse(raw string) (Condition, error) {
	c := Condition(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := priorities[c]; !ok {
		return "", fmt.Errorf("unknown condition %q", raw)
	}
	return c, nil
}

// Valid reports whether condition is one of the known states.
func (c Condition) Valid() bool {
	_, ok := priorities[c]
	return ok
}

// Priority returns fixed ordering value; lower is more severe.
// Params: none.
// Returns: priority, or 0 for unknown names.
func (c Condition) Priority() int {
	return priorities[c]
}

// Healthy reports whether condition is ok.
func (c Condition) Healthy() bool {
	return c == OK
}

// Unhealthy reports whether condition is a known failing state.
func (c Condition) Unhealthy() bool {
	p, ok := priorities[c]
	return ok && p < 0
}

// MoreSevere reports whether c is strictly worse than other.
// Params: condition to compare against.
// Returns: true when c has lower priority than other.
func (c Condition) MoreSevere(other Condition) bool {
	if !c.Valid() {
		return false
	}
	if !other.Valid() {
		return true
	}
	return c.Priority() < other.Priority()
}

// UnhealthyConditions returns failing conditions ordered from most to least severe.
func UnhealthyConditions() []Condition {
	out := make([]Condition, len(unhealthyOrder))
	copy(out, unhealthyOrder)
	return out
}

// MostUnhealthy selects the most severe condition among inputs.
// Params: candidate conditions (invalid names are ignored).
// Returns: worst condition and false when no valid input exists.
func MostUnhealthy(conditions ...Condition) (Condition, bool) {
	var (
		worst Condition
		found bool
	)
	for _, c := range conditions {
		if !c.Valid() {
			continue
		}
		if !found || c.Priority() < worst.Priority() {
			worst = c
			found = true
		}
	}
	return worst, found
}
