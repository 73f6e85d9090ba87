package condition

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    Condition
		wantErr bool
	}{
		{raw: "ok", want: OK},
		{raw: " CRITICAL ", want: Critical},
		{raw: "Warning", want: Warning},
		{raw: "unknown", want: Unknown},
		{raw: "unreachable", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got %q want %q", tc.raw, got, tc.want)
		}
	}
}

func TestOrdering(t *testing.T) {
	t.Parallel()

	if !Critical.MoreSevere(Warning) || !Warning.MoreSevere(Unknown) || !Unknown.MoreSevere(OK) {
		t.Fatalf("unexpected severity ordering")
	}
	if OK.MoreSevere(Unknown) {
		t.Fatalf("ok must not be more severe than unknown")
	}
	if !OK.Healthy() || Critical.Healthy() {
		t.Fatalf("unexpected healthy classification")
	}
	if OK.Unhealthy() || !Unknown.Unhealthy() {
		t.Fatalf("unexpected unhealthy classification")
	}
}

func TestMostUnhealthy(t *testing.T) {
	t.Parallel()

	got, ok := MostUnhealthy(OK, Unknown, Warning, Condition("bogus"))
	if !ok || got != Warning {
		t.Fatalf("expected warning, got %q ok=%v", got, ok)
	}
	if _, ok := MostUnhealthy(); ok {
		t.Fatalf("expected no result for empty input")
	}
	order := UnhealthyConditions()
	if len(order) != 3 || order[0] != Critical || order[2] != Unknown {
		t.Fatalf("unexpected unhealthy order %v", order)
	}
}
