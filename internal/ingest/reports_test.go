package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
	"eventrouter/internal/maintenance"
	"eventrouter/internal/report"
	"eventrouter/internal/schedule"
	"eventrouter/internal/state"
)

var reportBase = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newReportsFixture(t *testing.T) (*ReportsHandler, *checks.Repository, *maintenance.Tracker) {
	t.Helper()
	now := func() time.Time { return reportBase.Add(time.Hour) }
	store := state.NewMemoryStore(now)
	repo := checks.NewRepository(store, 0, nil)
	tracker := maintenance.NewTracker(repo, store, schedule.NewEvaluator(time.Second, 50, nil), now, nil)
	handler := NewReportsHandler("/reports/", report.NewReporter(repo, tracker, nil), nil)

	id := "web-01:http"
	_, err := repo.Apply(context.Background(), id, func(rec *checks.Record, exists bool) error {
		rec.Check = domain.NewCheck(id, reportBase.Add(-time.Hour))
		rec.AppendState(domain.State{Timestamp: reportBase.Add(-time.Hour), Condition: condition.OK}, 0)
		rec.AppendState(domain.State{Timestamp: reportBase, Condition: condition.Critical, Summary: "down"}, 0)
		return nil
	})
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
	return handler, repo, tracker
}

func get(handler http.Handler, target string) *httptest.ResponseRecorder {
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, target, nil))
	return response
}

func TestReportsOutageEndpoint(t *testing.T) {
	t.Parallel()

	handler, _, _ := newReportsFixture(t)
	start := reportBase.Unix()
	end := reportBase.Add(10 * time.Minute).Format(time.RFC3339)
	response := get(handler, "/reports/outage?check=web-01:http&start="+formatUnix(start)+"&end="+end)
	if response.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", response.Code, response.Body.String())
	}
	var body struct {
		Check   string            `json:"check"`
		Outages []report.Interval `json:"outages"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Check != "web-01:http" || len(body.Outages) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if got := body.Outages[0]; got.Condition != condition.Critical || got.Duration == nil || *got.Duration != 600 {
		t.Fatalf("unexpected outage %+v", got)
	}
}

func TestReportsDowntimeEndpointSubtractsMaintenance(t *testing.T) {
	t.Parallel()

	handler, _, tracker := newReportsFixture(t)
	_, err := tracker.AddScheduled(context.Background(), domain.Window{
		ID:      "deploy",
		CheckID: "web-01:http",
		Start:   reportBase.Add(-time.Minute),
		End:     reportBase.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("add window: %v", err)
	}
	start := formatUnix(reportBase.Unix())
	end := formatUnix(reportBase.Add(10 * time.Minute).Unix())
	response := get(handler, "/reports/downtime?check=web-01:http&start="+start+"&end="+end)
	if response.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", response.Code, response.Body.String())
	}
	var body struct {
		Check        string                          `json:"check"`
		Downtime     []report.Interval               `json:"downtime"`
		TotalSeconds map[condition.Condition]float64 `json:"total_seconds"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Downtime) != 1 || body.TotalSeconds[condition.Critical] != 300 || body.TotalSeconds[condition.OK] != 300 {
		t.Fatalf("unexpected downtime %+v", body)
	}
}

func TestReportsRejectBadRequests(t *testing.T) {
	t.Parallel()

	handler, _, _ := newReportsFixture(t)
	cases := map[string]int{
		"/reports/outage": http.StatusBadRequest,
		"/reports/outage?check=web-01:http&start=yesterday":  http.StatusBadRequest,
		"/reports/outage?check=web-01:http&start=200&end=10": http.StatusBadRequest,
		"/reports/outage?check=db-01:mysql":                  http.StatusNotFound,
		"/reports/uptime?check=web-01:http":                  http.StatusNotFound,
	}
	for target, want := range cases {
		if response := get(handler, target); response.Code != want {
			t.Fatalf("%s: expected status %d, got %d", target, want, response.Code)
		}
	}
	post := httptest.NewRecorder()
	handler.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/reports/outage", nil))
	if post.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, post.Code)
	}
}

func formatUnix(secs int64) string {
	return strconv.FormatInt(secs, 10)
}
