package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/schedule"
)

type silenceSet map[string]bool

func (s silenceSet) Silenced(_ context.Context, contactID, mediumID, checkID string, c condition.Condition) (bool, error) {
	return s[contactID+"/"+mediumID+"/"+checkID+"/"+string(c)], nil
}

type failingSilencer struct{}

func (failingSilencer) Silenced(context.Context, string, string, string, condition.Condition) (bool, error) {
	return false, errors.New("store unavailable")
}

var testNow = time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

func newTestEngine(silences Silencer) *Engine {
	return NewEngine(schedule.NewEvaluator(time.Second, 100, nil), silences, time.UTC, func() time.Time { return testNow }, nil)
}

func testContact(rules ...domain.Rule) domain.Contact {
	c := domain.Contact{
		ID:   "ops",
		Name: "Ops",
		Media: []domain.Medium{
			{ID: "email", Type: "email", Address: "ops@example.com", Interval: 300},
			{ID: "sms", Type: "sms", Address: "+100000", Interval: 300},
		},
		Rules: rules,
	}
	for i := range c.Rules {
		c.Rules[i].Enabled = true
		if c.Rules[i].Strategy == "" {
			c.Rules[i].Strategy = domain.StrategyGlobal
		}
	}
	return c
}

func criticalNotification(tags ...string) domain.Notification {
	return domain.Notification{
		EventID:  "web-01:http",
		Type:     domain.NotificationProblem,
		State:    "critical",
		Severity: condition.Critical,
		Time:     testNow,
		Tags:     tags,
	}
}

func mediumIDs(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ContactID+"/"+m.Medium.ID)
	}
	return out
}

func TestMessagesForGenericRuleUsesAllMedia(t *testing.T) {
	t.Parallel()

	messages, err := newTestEngine(nil).MessagesFor(context.Background(), criticalNotification(), []domain.Contact{testContact()})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	got := mediumIDs(messages)
	if len(got) != 2 || got[0] != "ops/email" || got[1] != "ops/sms" {
		t.Fatalf("expected one message per medium, got %v", got)
	}
	if messages[0].RuleIDs[0] != genericRuleID {
		t.Fatalf("expected generic rule, got %v", messages[0].RuleIDs)
	}
}

func TestMessagesForRuleMatrix(t *testing.T) {
	t.Parallel()

	route := func(c condition.Condition, media ...string) domain.Route {
		return domain.Route{Condition: c, MediumIDs: media}
	}

	cases := []struct {
		name  string
		rules []domain.Rule
		tags  []string
		want  []string
	}{
		{
			name:  "general rule routes by severity",
			rules: []domain.Rule{{ID: "all", Routes: []domain.Route{route(condition.Critical, "sms"), route(condition.Warning, "email")}}},
			want:  []string{"ops/sms"},
		},
		{
			name: "specific rule overrides general rule",
			rules: []domain.Rule{
				{ID: "all", Routes: []domain.Route{route(condition.Critical, "email")}},
				{ID: "web", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{route(condition.Critical, "sms")}},
			},
			tags: []string{"web", "prod"},
			want: []string{"ops/sms"},
		},
		{
			name: "unmatched specific rule leaves general rule in place",
			rules: []domain.Rule{
				{ID: "all", Routes: []domain.Route{route(condition.Critical, "email")}},
				{ID: "db", Strategy: domain.StrategyAnyTag, Tags: []string{"db"}, Routes: []domain.Route{route(condition.Critical, "sms")}},
			},
			tags: []string{"web"},
			want: []string{"ops/email"},
		},
		{
			name:  "entity rule is specific",
			rules: []domain.Rule{{ID: "host", Entities: []string{"web-01"}, Routes: []domain.Route{route(condition.Critical, "email", "sms")}}},
			want:  []string{"ops/email", "ops/sms"},
		},
		{
			name: "blackhole matcher vetoes every acceptor",
			rules: []domain.Rule{
				{ID: "web", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{route(condition.Critical, "sms", "email")}},
				{ID: "mute", Strategy: domain.StrategyAllTags, Tags: []string{"web"}, Routes: []domain.Route{{Condition: condition.Critical, Blackhole: true}}},
			},
			tags: []string{"web"},
			want: nil,
		},
		{
			name: "blackhole for other severity does not veto",
			rules: []domain.Rule{
				{ID: "web", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{route(condition.Critical, "sms")}},
				{ID: "mute", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{{Condition: condition.Warning, Blackhole: true}}},
			},
			tags: []string{"web"},
			want: []string{"ops/sms"},
		},
		{
			name:  "conditions list excludes severity",
			rules: []domain.Rule{{ID: "warn", ConditionsList: []condition.Condition{condition.Warning}, Routes: []domain.Route{route(condition.Critical, "sms")}}},
			want:  nil,
		},
		{
			name: "disabled rules are ignored",
			rules: []domain.Rule{
				{ID: "all", Routes: []domain.Route{route(condition.Critical, "email")}},
			},
			want: []string{"ops/email"},
		},
		{
			name: "media union across matchers",
			rules: []domain.Rule{
				{ID: "a", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{route(condition.Critical, "email")}},
				{ID: "b", Strategy: domain.StrategyNoTag, Tags: []string{"db"}, Routes: []domain.Route{route(condition.Critical, "sms", "email")}},
			},
			tags: []string{"web"},
			want: []string{"ops/email", "ops/sms"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			contact := testContact(tc.rules...)
			if tc.name == "disabled rules are ignored" {
				contact.Rules = append(contact.Rules, domain.Rule{ID: "off", Strategy: domain.StrategyGlobal, Blackhole: true})
			}
			messages, err := newTestEngine(nil).MessagesFor(context.Background(), criticalNotification(tc.tags...), []domain.Contact{contact})
			if err != nil {
				t.Fatalf("messages: %v", err)
			}
			got := mediumIDs(messages)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestMessagesForTimeRestrictionUsesContactTimezone(t *testing.T) {
	t.Parallel()

	// 12:00 UTC is 21:00 in Tokyo, outside a 09:00-17:00 working-hours restriction there.
	restricted := domain.Rule{
		ID:               "hours",
		TimeRestrictions: []domain.TimeRestriction{{Recurrence: "0 9 * * *", Duration: 8 * 3600}},
		Routes:           []domain.Route{{Condition: condition.Critical, MediumIDs: []string{"sms"}}},
	}
	contact := testContact(restricted)

	e := newTestEngine(nil)
	messages, err := e.MessagesFor(context.Background(), criticalNotification(), []domain.Contact{contact})
	if err != nil || len(messages) != 1 {
		t.Fatalf("expected match in UTC working hours, got %v err=%v", mediumIDs(messages), err)
	}

	contact.Timezone = "Asia/Tokyo"
	messages, err = e.MessagesFor(context.Background(), criticalNotification(), []domain.Contact{contact})
	if err != nil || len(messages) != 0 {
		t.Fatalf("expected no match outside Tokyo working hours, got %v err=%v", mediumIDs(messages), err)
	}
}

func TestMessagesForDropsSilencedMedia(t *testing.T) {
	t.Parallel()

	silences := silenceSet{"ops/sms/web-01:http/critical": true}
	messages, err := newTestEngine(silences).MessagesFor(context.Background(), criticalNotification(), []domain.Contact{testContact()})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	got := mediumIDs(messages)
	if len(got) != 1 || got[0] != "ops/email" {
		t.Fatalf("silenced medium must be dropped, got %v", got)
	}

	if _, err := newTestEngine(failingSilencer{}).MessagesFor(context.Background(), criticalNotification(), []domain.Contact{testContact()}); err == nil {
		t.Fatalf("expected silence lookup error")
	}
}

func TestMessagesForIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := domain.Rule{ID: "a", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{{Condition: condition.Critical, MediumIDs: []string{"sms"}}}}
	b := domain.Rule{ID: "b", Routes: []domain.Route{{Condition: condition.Critical, MediumIDs: []string{"email"}}}}
	c := domain.Rule{ID: "c", Strategy: domain.StrategyAnyTag, Tags: []string{"web"}, Routes: []domain.Route{{Condition: condition.Critical, MediumIDs: []string{"email"}}}}

	e := newTestEngine(nil)
	first, _ := e.MessagesFor(context.Background(), criticalNotification("web"), []domain.Contact{testContact(a, b, c)})
	second, _ := e.MessagesFor(context.Background(), criticalNotification("web"), []domain.Contact{testContact(c, b, a)})
	if got, want := mediumIDs(first), mediumIDs(second); len(got) != 2 || len(want) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("rule order changed result: %v vs %v", got, want)
	}
}
