package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/state"
)

// ErrNotFound indicates an unknown contact id.
var ErrNotFound = errors.New("contact not found")

// Repository stores contacts with their media and rules, plus routing indexes and silences.
// Params: shared store, clock, and logger.
// Returns: contact persistence with explicit index maintenance.
type Repository struct {
	store  state.Store
	now    func() time.Time
	logger *slog.Logger

	byEntity     state.Index
	byCheck      state.Index
	byRuleTag    state.Index
	byRuleEntity state.Index
	global       state.Index
	noTag        state.Index
}

// NewRepository creates contact repository.
// Params: store, clock (nil uses time.Now), and logger.
// Returns: ready repository.
func NewRepository(store state.Store, now func() time.Time, logger *slog.Logger) *Repository {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:        store,
		now:          now,
		logger:       logger,
		byEntity:     state.NewIndex(store, "contact_entity"),
		byCheck:      state.NewIndex(store, "contact_check"),
		byRuleTag:    state.NewIndex(store, "rule_tag"),
		byRuleEntity: state.NewIndex(store, "rule_entity"),
		global:       state.NewIndex(store, "contact_global"),
		noTag:        state.NewIndex(store, "contact_no_tag"),
	}
}

func contactKey(id string) string {
	return state.Key("contact", id)
}

// Put validates and stores a contact, replacing any previous version and its index entries.
// Params: contact (ids are filled by Normalize when empty).
// Returns: stored contact or domain.ValidationErrors; invalid input is never partially applied.
func (r *Repository) Put(ctx context.Context, c domain.Contact) (domain.Contact, error) {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return domain.Contact{}, err
	}

	var previous *domain.Contact
	_, err := state.MutateJSON(ctx, r.store, contactKey(c.ID), func(stored *domain.Contact, exists bool) error {
		previous = nil
		if exists {
			prev := *stored
			previous = &prev
			keepAlertingFlags(&c, prev)
		}
		*stored = c
		return nil
	})
	if err != nil {
		return domain.Contact{}, fmt.Errorf("put contact %s: %w", c.ID, err)
	}

	if previous != nil {
		if err := r.applyIndexes(ctx, *previous, false); err != nil {
			return domain.Contact{}, err
		}
	}
	if err := r.applyIndexes(ctx, c, true); err != nil {
		return domain.Contact{}, err
	}
	r.logger.Debug("contact stored", "contact", c.ID, "media", len(c.Media), "rules", len(c.Rules))
	return c, nil
}

// Get loads one contact.
// Returns: contact or ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (domain.Contact, error) {
	c, _, err := state.GetJSON[domain.Contact](ctx, r.store, contactKey(id))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.Contact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.Contact{}, err
	}
	return c, nil
}

// List returns every stored contact ordered by id.
func (r *Repository) List(ctx context.Context) ([]domain.Contact, error) {
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

// ListIDs returns stored contact ids.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	prefix := state.Prefix("contact")
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, state.UnescapeSegment(strings.TrimPrefix(key, prefix)))
	}
	return ids, nil
}

// Delete removes a contact with its media, rules, routes, silences, and index entries.
// Params: contact id.
// Returns: ErrNotFound for unknown contacts.
func (r *Repository) Delete(ctx context.Context, id string) error {
	c, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.applyIndexes(ctx, c, false); err != nil {
		return err
	}
	silences, err := r.store.Keys(ctx, state.Prefix("silence", id))
	if err != nil {
		return err
	}
	for _, key := range silences {
		if err := r.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	for _, m := range c.Media {
		if err := r.store.Delete(ctx, AlertingKey(m.ID)); err != nil {
			return err
		}
	}
	if err := r.store.Delete(ctx, contactKey(id)); err != nil {
		return err
	}
	r.logger.Info("contact deleted", "contact", id, "media", len(c.Media), "rules", len(c.Rules), "silences", len(silences))
	return nil
}

// Interested returns contacts whose links or rules may route notifications for check.
// Params: check with entity and tags.
// Returns: candidate contacts ordered by id; the engine decides final delivery.
func (r *Repository) Interested(ctx context.Context, check domain.Check) ([]domain.Contact, error) {
	filter := state.NewFilter().
		Union(r.byEntity, check.Entity).
		Union(r.byCheck, check.ID).
		Union(r.global, "true").
		Union(r.byRuleEntity, check.Entity).
		Union(r.noTag, "true")
	if len(check.Tags) > 0 {
		filter.Union(r.byRuleTag, check.Tags...)
	}
	ids, err := filter.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve interested contacts for %s: %w", check.ID, err)
	}
	return r.load(ctx, ids)
}

// ReferencesCheck reports whether any contact names the check directly.
func (r *Repository) ReferencesCheck(ctx context.Context, checkID string) (bool, error) {
	ids, err := r.byCheck.Members(ctx, checkID)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// SetRouteAlerting updates the derived alerting flag on every route linked to medium.
// Params: contact id, medium id, and whether any linked check currently alerts.
// Returns: store error; unknown contacts are ignored.
func (r *Repository) SetRouteAlerting(ctx context.Context, contactID, mediumID string, alerting bool) error {
	_, err := state.MutateJSON(ctx, r.store, contactKey(contactID), func(c *domain.Contact, exists bool) error {
		if !exists {
			return state.ErrNoChange
		}
		changed := false
		for i := range c.Rules {
			for j := range c.Rules[i].Routes {
				route := &c.Rules[i].Routes[j]
				if !containsString(route.MediumIDs, mediumID) || route.Alerting == alerting {
					continue
				}
				route.Alerting = alerting
				changed = true
			}
		}
		if !changed {
			return state.ErrNoChange
		}
		return nil
	})
	return err
}

// AddSilence stores an operator drop flag for one contact medium, check, and state.
// Params: silence with optional expiry.
// Returns: validation or store error.
func (r *Repository) AddSilence(ctx context.Context, s domain.Silence) error {
	var errs domain.ValidationErrors
	if s.ContactID == "" {
		errs.Add("contact_id", "is required")
	}
	if s.MediumID == "" {
		errs.Add("medium_id", "is required")
	}
	if s.CheckID == "" {
		errs.Add("check_id", "is required")
	}
	if !s.State.Valid() {
		errs.Add("state", fmt.Sprintf("has unsupported value %q", s.State))
	}
	if err := errs.Err(); err != nil {
		return err
	}
	_, err := state.PutJSON(ctx, r.store, silenceKey(s.ContactID, s.MediumID, s.CheckID, s.State), s)
	return err
}

// RemoveSilence deletes one drop flag.
func (r *Repository) RemoveSilence(ctx context.Context, contactID, mediumID, checkID string, c condition.Condition) error {
	return r.store.Delete(ctx, silenceKey(contactID, mediumID, checkID, c))
}

// Silenced reports whether delivery through medium is dropped for check and state.
// Params: contact, medium, check, and notification state.
// Returns: true while an unexpired silence exists.
func (r *Repository) Silenced(ctx context.Context, contactID, mediumID, checkID string, c condition.Condition) (bool, error) {
	key := silenceKey(contactID, mediumID, checkID, c)
	s, _, err := state.GetJSON[domain.Silence](ctx, r.store, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.Active(r.now()) {
		return true, nil
	}
	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Warn("expired silence cleanup failed", "key", key, "error", err.Error())
	}
	return false, nil
}

// AlertingKey names the per-medium set of checks currently alerting through it.
func AlertingKey(mediumID string) string {
	return state.Key("alerting", mediumID)
}

func silenceKey(contactID, mediumID, checkID string, c condition.Condition) string {
	return state.Key("silence", contactID, mediumID, checkID, string(c))
}

func (r *Repository) load(ctx context.Context, ids []string) ([]domain.Contact, error) {
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		c, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.logger.Warn("index references missing contact", "contact", id)
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// applyIndexes adds (or removes) every index entry derived from contact.
func (r *Repository) applyIndexes(ctx context.Context, c domain.Contact, add bool) error {
	apply := func(ix state.Index, value string) error {
		if value == "" {
			return nil
		}
		if add {
			return ix.Add(ctx, value, c.ID)
		}
		return ix.Remove(ctx, value, c.ID)
	}

	for _, entity := range c.Entities {
		if err := apply(r.byEntity, entity); err != nil {
			return err
		}
	}
	for _, check := range c.Checks {
		if err := apply(r.byCheck, check); err != nil {
			return err
		}
	}
	global, noTag := interestFlags(c)
	if global {
		if err := apply(r.global, "true"); err != nil {
			return err
		}
	}
	if noTag {
		if err := apply(r.noTag, "true"); err != nil {
			return err
		}
	}
	for _, rule := range c.ActiveRules() {
		if rule.Strategy == domain.StrategyAnyTag || rule.Strategy == domain.StrategyAllTags {
			for _, tag := range rule.Tags {
				if err := apply(r.byRuleTag, tag); err != nil {
					return err
				}
			}
		}
		for _, entity := range rule.Entities {
			if err := apply(r.byRuleEntity, entity); err != nil {
				return err
			}
		}
	}
	return nil
}

// interestFlags reports whether contact is interested in every check (global rule, or no rules and no links)
// and whether it has no_tag rules.
func interestFlags(c domain.Contact) (global, noTag bool) {
	rules := c.ActiveRules()
	if len(rules) == 0 {
		return len(c.Entities) == 0 && len(c.Checks) == 0, false
	}
	for _, rule := range rules {
		switch {
		case rule.Strategy == domain.StrategyNoTag:
			noTag = true
		case !rule.IsSpecific():
			global = true
		}
	}
	return global, noTag
}

// keepAlertingFlags carries derived route flags over to a replacement contact.
func keepAlertingFlags(next *domain.Contact, prev domain.Contact) {
	flags := make(map[string]bool)
	for _, rule := range prev.Rules {
		for _, route := range rule.Routes {
			flags[route.ID] = route.Alerting
		}
	}
	for i := range next.Rules {
		for j := range next.Rules[i].Routes {
			if alerting, ok := flags[next.Rules[i].Routes[j].ID]; ok {
				next.Rules[i].Routes[j].Alerting = alerting
			}
		}
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
