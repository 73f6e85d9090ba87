package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventrouter/internal/metrics"
	"eventrouter/internal/queue"
)

const (
	// SourceHeader lets a sender name itself for rate limiting instead of its address.
	SourceHeader = "X-Event-Source"

	defaultMaxBodyBytes = 1 << 20
	limiterIdleTTL      = 10 * time.Minute
	limiterSweepSize    = 4096
)

// Options configures the HTTP ingest endpoint.
type Options struct {
	MaxBodyBytes int64
	// RatePerSec limits requests per source; zero disables limiting.
	RatePerSec float64
	Burst      int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// HTTPHandler decodes JSON events and forwards them to the event queue.
// Params: queue receives normalized payloads, options bound body size and rate.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	events  queue.Queue
	opts    Options
	logger  *slog.Logger
	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: event queue and options.
// Returns: configured handler.
func NewHTTPHandler(events queue.Queue, opts Options) *HTTPHandler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		events:  events,
		opts:    opts,
		logger:  logger.With("component", "ingest"),
		sources: make(map[string]*sourceLimiter),
	}
}

// ServeHTTP handles one incoming event request.
// Params: HTTP request/response writer pair.
// Returns: writes 202 when every event was queued, 4xx/5xx otherwise.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	source := requestSource(request)
	if !h.allow(source) {
		h.reject("rate_limited")
		writer.WriteHeader(http.StatusTooManyRequests)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.opts.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject("too_large")
			writer.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		h.reject("read")
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	events, err := decodeEventPayload(body)
	if err != nil {
		h.reject("invalid")
		h.logger.Debug("ingest payload rejected", "source", source, "error", err.Error())
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	for _, event := range events {
		payload, err := encodeEvent(event)
		if err != nil {
			h.reject("invalid")
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.events.Push(request.Context(), payload); err != nil {
			h.reject("queue")
			h.logger.Warn("ingest queue push failed", "source", source, "event", event.ID(), "error", err.Error())
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}

// allow consumes one token from the source limiter.
func (h *HTTPHandler) allow(source string) bool {
	if h.opts.RatePerSec <= 0 {
		return true
	}
	now := h.opts.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.sources[source]
	if !ok {
		if len(h.sources) >= limiterSweepSize {
			h.sweepLocked(now)
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(rate.Limit(h.opts.RatePerSec), h.opts.Burst)}
		h.sources[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (h *HTTPHandler) sweepLocked(now time.Time) {
	for source, entry := range h.sources {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(h.sources, source)
		}
	}
}

func (h *HTTPHandler) reject(reason string) {
	if h.opts.Metrics == nil {
		return
	}
	h.opts.Metrics.IngestRejected.WithLabelValues(reason).Inc()
}

func requestSource(request *http.Request) string {
	if source := request.Header.Get(SourceHeader); source != "" {
		return source
	}
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

// Push queues one pre-encoded event payload after validating it.
// Params: context and raw JSON event.
// Returns: validation or queue error.
func Push(ctx context.Context, events queue.Queue, raw []byte) error {
	decoded, err := decodeEventPayload(raw)
	if err != nil {
		return err
	}
	for _, event := range decoded {
		payload, err := encodeEvent(event)
		if err != nil {
			return err
		}
		if err := events.Push(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}
