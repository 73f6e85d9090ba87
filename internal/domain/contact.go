package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/schedule"
)

var mediumTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Strategy selects how a rule's tags are compared against a check's tags.
type Strategy string

const (
	// StrategyGlobal applies to every check.
	StrategyGlobal Strategy = "global"
	// StrategyAnyTag applies when at least one rule tag is present on the check.
	StrategyAnyTag Strategy = "any_tag"
	// StrategyAllTags applies when every rule tag is present on the check.
	StrategyAllTags Strategy = "all_tags"
	// StrategyNoTag applies when none of the rule tags is present on the check.
	StrategyNoTag Strategy = "no_tag"
)

// Contact is a notification recipient owning media and rules.
// Params: identity, timezone, direct entity/check links, owned media and rules.
// Returns: routing target for the rule matching engine.
type Contact struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Timezone string   `json:"timezone,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Checks   []string `json:"checks,omitempty"`
	Media    []Medium `json:"media,omitempty"`
	Rules    []Rule   `json:"rules,omitempty"`
}

// Medium is one delivery channel of a contact.
type Medium struct {
	ID              string `json:"id"`
	ContactID       string `json:"contact_id"`
	Type            string `json:"type"`
	Address         string `json:"address"`
	Interval        int64  `json:"interval"`
	RollupThreshold int    `json:"rollup_threshold,omitempty"`
}

// IntervalDuration returns minimum re-notification interval.
func (m Medium) IntervalDuration() time.Duration {
	return time.Duration(m.Interval) * time.Second
}

// TimeRestriction limits a rule to recurring periods in the contact's timezone.
type TimeRestriction struct {
	Recurrence string     `json:"recurrence"`
	Duration   int64      `json:"duration"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
}

// Schedule converts restriction into evaluator input.
func (tr TimeRestriction) Schedule() schedule.Recurrence {
	rec := schedule.Recurrence{
		Cron:     tr.Recurrence,
		Duration: time.Duration(tr.Duration) * time.Second,
	}
	if tr.StartsAt != nil {
		rec.From = *tr.StartsAt
	}
	if tr.EndsAt != nil {
		rec.Until = *tr.EndsAt
	}
	return rec
}

// Route binds one rule to the media used for one severity.
// Params: condition the route serves, linked media, per-severity blackhole flag, derived alerting flag.
// Returns: per-severity media resolution entry.
type Route struct {
	ID        string              `json:"id"`
	RuleID    string              `json:"rule_id"`
	Condition condition.Condition `json:"condition"`
	MediumIDs []string            `json:"medium_ids,omitempty"`
	Blackhole bool                `json:"blackhole,omitempty"`
	Alerting  bool                `json:"is_alerting"`
}

// Rule is a contact-owned acceptor or rejector.
// Params: strategy with tags/entities, applicable conditions, time restrictions, and routes.
// Returns: one matching rule for the engine.
type Rule struct {
	ID               string                `json:"id"`
	ContactID        string                `json:"contact_id"`
	Name             string                `json:"name,omitempty"`
	Enabled          bool                  `json:"enabled"`
	Blackhole        bool                  `json:"blackhole"`
	Strategy         Strategy              `json:"strategy"`
	Tags             []string              `json:"tags,omitempty"`
	Entities         []string              `json:"entities,omitempty"`
	ConditionsList   []condition.Condition `json:"conditions_list,omitempty"`
	TimeRestrictions []TimeRestriction     `json:"time_restrictions,omitempty"`
	Routes           []Route               `json:"routes,omitempty"`
}

// IsSpecific reports whether rule is scoped by tags or entities.
func (r Rule) IsSpecific() bool {
	if len(r.Entities) > 0 {
		return true
	}
	return r.Strategy != StrategyGlobal && len(r.Tags) > 0
}

// MatchEntity reports whether rule names entity directly.
func (r Rule) MatchEntity(entity string) bool {
	for _, e := range r.Entities {
		if e == entity {
			return true
		}
	}
	return false
}

// MatchTags compares rule tags with event tags using rule strategy.
// Params: tags carried by the event/check.
// Returns: true when strategy is satisfied; false for rules without tags.
func (r Rule) MatchTags(tags []string) bool {
	if len(r.Tags) == 0 {
		return false
	}
	present := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		present[t] = struct{}{}
	}
	hits := 0
	for _, t := range r.Tags {
		if _, ok := present[t]; ok {
			hits++
		}
	}
	switch r.Strategy {
	case StrategyAnyTag:
		return hits > 0
	case StrategyAllTags:
		return hits == len(r.Tags)
	case StrategyNoTag:
		return hits == 0
	default:
		return false
	}
}

// AppliesTo reports whether rule covers severity.
// Params: notification severity.
// Returns: true when conditions_list is empty or contains severity.
func (r Rule) AppliesTo(severity condition.Condition) bool {
	if len(r.ConditionsList) == 0 {
		return true
	}
	for _, c := range r.ConditionsList {
		if c == severity {
			return true
		}
	}
	return false
}

// BlackholeFor reports whether rule vetoes delivery for severity.
func (r Rule) BlackholeFor(severity condition.Condition) bool {
	if !r.AppliesTo(severity) {
		return false
	}
	if r.Blackhole {
		return true
	}
	for _, route := range r.Routes {
		if route.Condition == severity && route.Blackhole {
			return true
		}
	}
	return false
}

// MediaFor returns medium ids routed for severity.
// Params: notification severity.
// Returns: medium ids (nil for rejectors or unrouted severities).
func (r Rule) MediaFor(severity condition.Condition) []string {
	if r.Blackhole || !r.AppliesTo(severity) {
		return nil
	}
	var out []string
	for _, route := range r.Routes {
		if route.Condition == severity && !route.Blackhole {
			out = append(out, route.MediumIDs...)
		}
	}
	return out
}

// ActiveRules returns enabled rules.
func (c Contact) ActiveRules() []Rule {
	out := make([]Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// MediumByID looks up one owned medium.
func (c Contact) MediumByID(id string) (Medium, bool) {
	for _, m := range c.Media {
		if m.ID == id {
			return m, true
		}
	}
	return Medium{}, false
}

// Location resolves contact timezone.
// Params: fallback used when contact has no (or an unknown) timezone.
// Returns: location for time restriction evaluation.
func (c Contact) Location(fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if strings.TrimSpace(c.Timezone) == "" {
		return fallback
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// Normalize fills derived ids and back references after authoring.
// Params: none.
// Returns: none (mutates contact in place).
func (c *Contact) Normalize() {
	if c.ID == "" {
		c.ID = NewID()
	}
	for i := range c.Media {
		if c.Media[i].ID == "" {
			c.Media[i].ID = NewID()
		}
		c.Media[i].ContactID = c.ID
		c.Media[i].Type = strings.ToLower(strings.TrimSpace(c.Media[i].Type))
	}
	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.ID == "" {
			rule.ID = NewID()
		}
		rule.ContactID = c.ID
		if rule.Strategy == "" {
			rule.Strategy = StrategyGlobal
			if len(rule.Tags) > 0 {
				rule.Strategy = StrategyAllTags
			}
		}
		for j := range rule.Routes {
			if rule.Routes[j].ID == "" {
				rule.Routes[j].ID = NewID()
			}
			rule.Routes[j].RuleID = rule.ID
		}
	}
}

// Validate checks contact, media, and rules before persistence.
// Params: none.
// Returns: ValidationErrors with every field-level problem found.
func (c Contact) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(c.ID) == "" {
		errs.Add("id", "is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		errs.Add("name", "is required")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs.Add("timezone", fmt.Sprintf("unknown timezone %q", tz))
		}
	}

	media := make(map[string]struct{}, len(c.Media))
	for i, m := range c.Media {
		field := fmt.Sprintf("media[%d]", i)
		if m.ID == "" {
			errs.Add(field+".id", "is required")
		} else if _, dup := media[m.ID]; dup {
			errs.Add(field+".id", "is duplicated")
		}
		media[m.ID] = struct{}{}
		if !mediumTypePattern.MatchString(m.Type) {
			errs.Add(field+".type", fmt.Sprintf("has unsupported value %q", m.Type))
		}
		if strings.TrimSpace(m.Address) == "" {
			errs.Add(field+".address", "is required")
		}
		if m.Interval <= 0 {
			errs.Add(field+".interval", "must be >0")
		}
		if m.RollupThreshold < 0 {
			errs.Add(field+".rollup_threshold", "must be >=0")
		}
	}

	for i, rule := range c.Rules {
		errs.Merge(fmt.Sprintf("rules[%d]", i), rule.validate(media))
	}
	return errs.Err()
}

func (r Rule) validate(media map[string]struct{}) error {
	var errs ValidationErrors
	if r.ID == "" {
		errs.Add("id", "is required")
	}
	switch r.Strategy {
	case StrategyGlobal:
	case StrategyAnyTag, StrategyAllTags, StrategyNoTag:
		if len(r.Tags) == 0 {
			errs.Add("tags", fmt.Sprintf("are required for strategy %q", r.Strategy))
		}
	default:
		errs.Add("strategy", fmt.Sprintf("has unsupported value %q", r.Strategy))
	}
	for i, c := range r.ConditionsList {
		if !c.Unhealthy() {
			errs.Add(fmt.Sprintf("conditions_list[%d]", i), fmt.Sprintf("must be an unhealthy condition, got %q", c))
		}
	}
	for i, tr := range r.TimeRestrictions {
		if err := tr.Schedule().Validate(); err != nil {
			errs.Add(fmt.Sprintf("time_restrictions[%d]", i), err.Error())
		}
	}
	for i, route := range r.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if !route.Condition.Unhealthy() {
			errs.Add(field+".condition", fmt.Sprintf("must be an unhealthy condition, got %q", route.Condition))
		}
		for _, id := range route.MediumIDs {
			if _, ok := media[id]; !ok {
				errs.Add(field+".medium_ids", fmt.Sprintf("references unknown medium %q", id))
			}
		}
	}
	return errs.Err()
}

// Silence is an operator-set standing suppression for one contact medium.
// Params: contact, medium, check, state, optional expiry.
// Returns: drop flag consulted during media resolution.
type Silence struct {
	ContactID string              `json:"contact_id"`
	MediumID  string              `json:"medium_id"`
	CheckID   string              `json:"check_id"`
	State     condition.Condition `json:"state"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// Active reports whether silence still applies at instant.
func (s Silence) Active(at time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(at)
}
