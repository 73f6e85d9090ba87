package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/schedule"
)

// Silencer reports operator-set drop flags for one contact medium.
type Silencer interface {
	Silenced(ctx context.Context, contactID, mediumID, checkID string, c condition.Condition) (bool, error)
}

// Message is one routed (contact, medium) delivery decision for a notification.
// Params: recipient identity, resolved medium, and rules that granted it.
// Returns: input for alert assembly.
type Message struct {
	ContactID   string
	ContactName string
	Medium      domain.Medium
	RuleIDs     []string
}

// Engine resolves notifications into per-medium messages using contact rules.
// Params: recurrence evaluator, silence lookup, default timezone, clock, and logger.
// Returns: stateless router safe for concurrent use.
type Engine struct {
	evaluator  *schedule.Evaluator
	silences   Silencer
	defaultLoc *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

// NewEngine constructs rule matching engine.
// Params: evaluator for time restrictions, silencer (may be nil), fallback timezone, clock, logger.
// Returns: ready engine.
func NewEngine(evaluator *schedule.Evaluator, silences Silencer, defaultLoc *time.Location, now func() time.Time, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = schedule.NewEvaluator(0, 0, logger)
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		evaluator:  evaluator,
		silences:   silences,
		defaultLoc: defaultLoc,
		now:        now,
		logger:     logger,
	}
}

// MessagesFor computes the final delivery list for one notification.
// Params: notification and the contacts interested in its check.
// Returns: messages ordered by contact then medium id; errors only from silence lookups.
func (e *Engine) MessagesFor(ctx context.Context, n domain.Notification, contacts []domain.Contact) ([]Message, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	now := e.now()
	entity, _ := domain.SplitCheckID(n.EventID)

	out := make([]Message, 0, len(contacts))
	for _, contact := range contacts {
		granted := e.mediaFor(contact, n, entity, now)
		if len(granted) == 0 {
			continue
		}

		mediumIDs := make([]string, 0, len(granted))
		for id := range granted {
			mediumIDs = append(mediumIDs, id)
		}
		sort.Strings(mediumIDs)

		for _, mediumID := range mediumIDs {
			medium, ok := contact.MediumByID(mediumID)
			if !ok {
				continue
			}
			if e.silences != nil {
				dropped, err := e.silences.Silenced(ctx, contact.ID, medium.ID, n.EventID, condition.Condition(n.State))
				if err != nil {
					return nil, fmt.Errorf("silence lookup %s/%s: %w", contact.ID, medium.ID, err)
				}
				if dropped {
					e.logger.Debug("medium silenced", "contact", contact.ID, "medium", medium.ID, "check", n.EventID, "state", n.State)
					continue
				}
			}
			out = append(out, Message{
				ContactID:   contact.ID,
				ContactName: contact.Name,
				Medium:      medium,
				RuleIDs:     granted[mediumID],
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ContactID != out[j].ContactID {
			return out[i].ContactID < out[j].ContactID
		}
		return out[i].Medium.ID < out[j].Medium.ID
	})
	return out, nil
}

// mediaFor returns medium id -> granting rule ids for one contact.
func (e *Engine) mediaFor(contact domain.Contact, n domain.Notification, entity string, now time.Time) map[string][]string {
	rules := contact.ActiveRules()
	if len(rules) == 0 {
		e.logger.Debug("contact has no rules, using generic rule", "contact", contact.ID, "check", n.EventID, "media", len(contact.Media))
		granted := make(map[string][]string, len(contact.Media))
		for _, m := range contact.Media {
			granted[m.ID] = []string{genericRuleID}
		}
		return granted
	}

	matchers := e.matchers(contact, rules, n.Tags, entity, now)
	e.logger.Debug("matchers after time, entity, and tag matching", "contact", contact.ID, "check", n.EventID, "matchers", len(matchers))
	if len(matchers) == 0 {
		return nil
	}

	matchers = preferSpecific(matchers)

	for _, rule := range matchers {
		if rule.BlackholeFor(n.Severity) {
			e.logger.Debug("blackhole matcher vetoes contact", "contact", contact.ID, "rule", rule.ID, "severity", n.Severity)
			return nil
		}
	}

	granted := make(map[string][]string)
	for _, rule := range matchers {
		for _, mediumID := range rule.MediaFor(n.Severity) {
			if containsString(granted[mediumID], rule.ID) {
				continue
			}
			granted[mediumID] = append(granted[mediumID], rule.ID)
		}
	}
	return granted
}
