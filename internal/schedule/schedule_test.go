package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOccursAtBusinessHours(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(time.Second, 0, nil)
	rec := Recurrence{Cron: "0 9 * * 1-5", Duration: 8 * time.Hour}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "tuesday morning", at: time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC), want: true},
		{name: "opening minute", at: time.Date(2026, 2, 24, 9, 0, 0, 0, time.UTC), want: true},
		{name: "before opening", at: time.Date(2026, 2, 24, 8, 59, 0, 0, time.UTC), want: false},
		{name: "closing instant excluded", at: time.Date(2026, 2, 24, 17, 0, 0, 0, time.UTC), want: false},
		{name: "saturday", at: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), want: false},
	}
	for _, tc := range cases {
		if got := evaluator.OccursAt(rec, tc.at, time.UTC); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestOccursAtUsesTimezone(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(time.Second, 0, nil)
	rec := Recurrence{Cron: "0 9 * * *", Duration: time.Hour}
	plusThree := time.FixedZone("UTC+3", 3*3600)

	at := time.Date(2026, 2, 24, 6, 30, 0, 0, time.UTC)
	if !evaluator.OccursAt(rec, at, plusThree) {
		t.Fatalf("expected 09:30 local to match")
	}
	if evaluator.OccursAt(rec, at, time.UTC) {
		t.Fatalf("expected 06:30 UTC not to match")
	}
}

func TestOccursAtRespectsBounds(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(time.Second, 0, nil)
	rec := Recurrence{
		Cron:     "0 9 * * *",
		Duration: time.Hour,
		From:     time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC),
	}
	if evaluator.OccursAt(rec, time.Date(2026, 2, 24, 9, 30, 0, 0, time.UTC), time.UTC) {
		t.Fatalf("expected occurrence before from bound to be ignored")
	}
	if !evaluator.OccursAt(rec, time.Date(2026, 2, 25, 9, 30, 0, 0, time.UTC), time.UTC) {
		t.Fatalf("expected occurrence after from bound to match")
	}
}

func TestOccursAtInvalidCronNeverMatches(t *testing.T) {
	t.Parallel()

	evaluator := NewEvaluator(time.Second, 0, nil)
	if evaluator.OccursAt(Recurrence{Cron: "not a cron", Duration: time.Hour}, time.Now(), time.UTC) {
		t.Fatalf("invalid recurrence must not match")
	}
}

func TestOccurrencesExpandsAndCaps(t *testing.T) {
	t.Parallel()

	rec := Recurrence{Cron: "0 2 * * *", Duration: time.Hour}
	from := time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)

	all, err := NewEvaluator(time.Second, 10, nil).Occurrences(context.Background(), rec, from, to, time.UTC)
	if err != nil {
		t.Fatalf("occurrences: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(all))
	}
	if !all[0].Start.Equal(time.Date(2026, 2, 24, 2, 0, 0, 0, time.UTC)) || all[0].End.Sub(all[0].Start) != time.Hour {
		t.Fatalf("unexpected first occurrence %+v", all[0])
	}

	capped, err := NewEvaluator(time.Second, 2, nil).Occurrences(context.Background(), rec, from, to, time.UTC)
	if !errors.Is(err, ErrOccurrenceCap) {
		t.Fatalf("expected cap error, got %v", err)
	}
	if len(capped) != 2 {
		t.Fatalf("expected truncated list of 2, got %d", len(capped))
	}
}

func TestRecurrenceValidate(t *testing.T) {
	t.Parallel()

	if err := (Recurrence{Cron: "0 9 * * *", Duration: time.Hour}).Validate(); err != nil {
		t.Fatalf("expected valid recurrence: %v", err)
	}
	if err := (Recurrence{Cron: "0 9 * * *"}).Validate(); err == nil {
		t.Fatalf("expected duration error")
	}
	if err := (Recurrence{Cron: "61 * * * *", Duration: time.Hour}).Validate(); err == nil {
		t.Fatalf("expected parse error")
	}
}
