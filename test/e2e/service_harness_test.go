package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"eventrouter/internal/app"
	"eventrouter/internal/clock"
	"eventrouter/internal/config"
	"eventrouter/internal/domain"
	"eventrouter/test/testutil"
)

// newServiceFromConfig writes config body to a temp file and creates Service from it.
// Params: test handle and TOML config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}

// postEvent sends one raw event payload to the ingest endpoint.
func postEvent(t *testing.T, port int, source, body string) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/events", port), strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Event-Source", source)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(response.Body)
		t.Fatalf("ingest status %d: %s", response.StatusCode, raw)
	}
}

// webhookSink records alerts delivered by the webhook gateway.
type webhookSink struct {
	server *httptest.Server
	mu     sync.Mutex
	alerts []domain.Alert
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	sink := &webhookSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var alert domain.Alert
		if err := json.NewDecoder(request.Body).Decode(&alert); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.alerts = append(sink.alerts, alert)
		sink.mu.Unlock()
		writer.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *webhookSink) snapshot() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.alerts...)
}

func (s *webhookSink) count(alertType string) int {
	n := 0
	for _, alert := range s.snapshot() {
		if alert.AlertType() == alertType {
			n++
		}
	}
	return n
}

// baseConfig renders shared config for e2e services.
// Params: service mode, HTTP port, webhook URL, extra TOML appended verbatim.
// Returns: TOML config body.
func baseConfig(mode string, port int, webhookURL, extra string) string {
	return fmt.Sprintf(`[service]
name = "eventrouter-e2e"
mode = %q
tick_interval_sec = 1

[log.console]
enabled = true
level = "error"

[processor]
initial_failure_delay_sec = 0
repeat_failure_delay_sec = 0

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"

[gateway.webhook]
enabled = true
url = %q
timeout_sec = 2

[contact.ops]
name = "Ops"
entities = ["web-01"]

[[contact.ops.medium]]
type = "webhook"
address = "ops-hook"
%s`, mode, port, webhookURL, extra)
}
