package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/report"
)

// ReportsHandler serves outage and downtime reports under a path prefix.
// Routes: GET <prefix>/outage and GET <prefix>/downtime with check, start, end query params.
type ReportsHandler struct {
	prefix   string
	reporter *report.Reporter
	logger   *slog.Logger
}

// NewReportsHandler creates report endpoint.
// Params: path prefix, reporter, logger.
// Returns: handler mounted by the HTTP server.
func NewReportsHandler(prefix string, reporter *report.Reporter, logger *slog.Logger) *ReportsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportsHandler{
		prefix:   strings.TrimRight(prefix, "/"),
		reporter: reporter,
		logger:   logger.With("component", "reports"),
	}
}

type outageResponse struct {
	Check   string            `json:"check"`
	Outages []report.Interval `json:"outages"`
}

type downtimeResponse struct {
	Check string `json:"check"`
	report.Downtime
}

// ServeHTTP dispatches one report request.
func (h *ReportsHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.Header().Set("Allow", http.MethodGet)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := strings.Trim(strings.TrimPrefix(request.URL.Path, h.prefix), "/")
	query := request.URL.Query()
	checkID := strings.TrimSpace(query.Get("check"))
	if checkID == "" {
		http.Error(writer, "check is required", http.StatusBadRequest)
		return
	}
	start, err := parseReportTime(query.Get("start"))
	if err != nil {
		http.Error(writer, "start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseReportTime(query.Get("end"))
	if err != nil {
		http.Error(writer, "end: "+err.Error(), http.StatusBadRequest)
		return
	}

	var body any
	switch kind {
	case "outage":
		intervals, err := h.reporter.Outage(request.Context(), checkID, start, end)
		if err != nil {
			h.fail(writer, checkID, err)
			return
		}
		if intervals == nil {
			intervals = []report.Interval{}
		}
		body = outageResponse{Check: checkID, Outages: intervals}
	case "downtime":
		downtime, err := h.reporter.Downtime(request.Context(), checkID, start, end)
		if err != nil {
			h.fail(writer, checkID, err)
			return
		}
		if downtime.Intervals == nil {
			downtime.Intervals = []report.Interval{}
		}
		body = downtimeResponse{Check: checkID, Downtime: downtime}
	default:
		http.NotFound(writer, request)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		h.logger.Warn("report encode failed", "check", checkID, "error", err.Error())
	}
}

func (h *ReportsHandler) fail(writer http.ResponseWriter, checkID string, err error) {
	switch {
	case errors.Is(err, checks.ErrNotFound):
		http.Error(writer, err.Error(), http.StatusNotFound)
	case errors.Is(err, report.ErrInvalidRange):
		http.Error(writer, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("report failed", "check", checkID, "error", err.Error())
		writer.WriteHeader(http.StatusInternalServerError)
	}
}

// parseReportTime accepts epoch seconds or RFC3339; empty means unbounded.
func parseReportTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, fmt.Errorf("negative timestamp %d", secs)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want epoch seconds or RFC3339: %w", err)
	}
	return parsed.UTC(), nil
}
