package engine

import (
	"time"

	"eventrouter/internal/domain"
)

// genericRuleID names the synthetic rule used for contacts without rules.
const genericRuleID = "generic"

// matchers keeps rules that match the check by entity, tags, or globally and occur now.
// Params: contact, its enabled rules, notification tags, check entity, instant.
// Returns: matching rules in input order.
func (e *Engine) matchers(contact domain.Contact, rules []domain.Rule, tags []string, entity string, now time.Time) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules))
	for _, rule := range rules {
		if !MatchRule(rule, tags, entity) {
			continue
		}
		if !e.occurringNow(contact, rule, now) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// MatchRule reports whether rule covers a check by entity, tags, or as a general rule.
// Params: rule, notification tags, and check entity.
// Returns: true for general rules and for specific rules naming the entity or matching tags.
func MatchRule(rule domain.Rule, tags []string, entity string) bool {
	if !rule.IsSpecific() {
		return true
	}
	return rule.MatchEntity(entity) || rule.MatchTags(tags)
}

// occurringNow evaluates time restrictions in the contact's timezone; none always matches.
func (e *Engine) occurringNow(contact domain.Contact, rule domain.Rule, now time.Time) bool {
	if len(rule.TimeRestrictions) == 0 {
		return true
	}
	loc := contact.Location(e.defaultLoc)
	for _, tr := range rule.TimeRestrictions {
		if e.evaluator.OccursAt(tr.Schedule(), now, loc) {
			return true
		}
	}
	return false
}

// preferSpecific drops general matchers when at least one specific matcher remains.
func preferSpecific(matchers []domain.Rule) []domain.Rule {
	specific := make([]domain.Rule, 0, len(matchers))
	for _, rule := range matchers {
		if rule.IsSpecific() {
			specific = append(specific, rule)
		}
	}
	if len(specific) == 0 {
		return matchers
	}
	return specific
}

func containsString(values []string, expected string) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}
