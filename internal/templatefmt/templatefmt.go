package templatefmt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// rollupOrder lists conditions in the order rollup summaries print them.
var rollupOrder = []string{"critical", "warning", "unknown"}

// FuncMap returns shared alert template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
		"title":       Title,
	}
}

// ParseNotificationTemplate parses one alert body template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value as time.Duration, *time.Duration, seconds int64 or *int64.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	case int64:
		duration = time.Duration(typed) * time.Second
	case *int64:
		if typed == nil {
			return "0.0s"
		}
		duration = time.Duration(*typed) * time.Second
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 86400:
		return fmt.Sprintf("%.1fd", seconds/86400)
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

// Title upper-cases the first letter of a condition name.
func Title(value string) string {
	if value == "" {
		return ""
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

// RollupSummary renders per-condition counts such as "Critical: 2, Warning: 1".
// Params: condition name per contributing check.
// Returns: summary with known conditions first, then others alphabetically.
func RollupSummary(states map[string]string) string {
	counts := make(map[string]int, len(rollupOrder))
	for _, state := range states {
		counts[state]++
	}
	parts := make([]string, 0, len(counts))
	for _, state := range rollupOrder {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", Title(state), n))
			delete(counts, state)
		}
	}
	rest := make([]string, 0, len(counts))
	for state := range counts {
		rest = append(rest, state)
	}
	sort.Strings(rest)
	for _, state := range rest {
		parts = append(parts, fmt.Sprintf("%s: %d", Title(state), counts[state]))
	}
	return strings.Join(parts, ", ")
}

// NotifyLogLine renders one notification log entry.
// Params: event id, notification type, and routed contact/medium/address triple (empty contact means none matched).
// Returns: pipe separated line.
func NotifyLogLine(eventID, notificationType, contact, medium, address string) string {
	if contact == "" {
		return strings.Join([]string{eventID, notificationType, "NO CONTACTS"}, " | ")
	}
	return strings.Join([]string{eventID, notificationType, contact, medium, address}, " | ")
}
