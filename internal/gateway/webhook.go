package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"eventrouter/internal/config"
	"eventrouter/internal/domain"
	"eventrouter/internal/notifyqueue"
	"eventrouter/internal/templatefmt"
)

// Webhook posts alerts to one HTTP endpoint with outbound rate limiting and retries.
// Params: endpoint, method, headers, optional body template, limiter, and retry policy.
// Returns: HTTP transport gateway.
type Webhook struct {
	cfg     config.WebhookGatewayConfig
	client  *http.Client
	body    *template.Template
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhook creates webhook gateway.
// Params: webhook config and logger.
// Returns: gateway or template parse error.
func NewWebhook(cfg config.WebhookGatewayConfig, logger *slog.Logger) (*Webhook, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook gateway: url is required")
	}
	g := &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		logger: logger.With("gateway", "webhook"),
	}
	if body := strings.TrimSpace(cfg.BodyTemplate); body != "" {
		tmpl, err := templatefmt.ParseNotificationTemplate("gateway.webhook.body_template", cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("webhook gateway: %w", err)
		}
		g.body = tmpl
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return g, nil
}

// Name returns gateway key.
func (g *Webhook) Name() string {
	return "webhook"
}

// Deliver renders and posts one alert with the configured retry policy.
// Params: context and alert.
// Returns: final transport error; 4xx responses other than 429 are permanent.
func (g *Webhook) Deliver(ctx context.Context, alert domain.Alert) error {
	payload, contentType, err := g.render(alert)
	if err != nil {
		return notifyqueue.MarkPermanent(err)
	}
	return g.sendWithRetry(ctx, func(ctx context.Context) error {
		return g.post(ctx, payload, contentType)
	})
}

func (g *Webhook) render(alert domain.Alert) ([]byte, string, error) {
	if g.body == nil {
		body, err := json.Marshal(alert)
		if err != nil {
			return nil, "", fmt.Errorf("encode webhook payload: %w", err)
		}
		return body, "application/json", nil
	}
	var rendered bytes.Buffer
	if err := g.body.Execute(&rendered, alert); err != nil {
		return nil, "", fmt.Errorf("render webhook body: %w", err)
	}
	contentType := "text/plain; charset=utf-8"
	if json.Valid(rendered.Bytes()) {
		contentType = "application/json"
	}
	return rendered.Bytes(), contentType, nil
}

func (g *Webhook) post(ctx context.Context, payload []byte, contentType string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limit wait: %w", err)
		}
	}
	method := strings.ToUpper(strings.TrimSpace(g.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return notifyqueue.MarkPermanent(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", contentType)
	for key, value := range g.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := g.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	statusErr := unexpectedHTTPStatusError("webhook", response)
	if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
		return notifyqueue.MarkPermanent(statusErr)
	}
	return statusErr
}

// sendWithRetry runs send until success, a permanent error, attempt exhaustion, or ctx end.
func (g *Webhook) sendWithRetry(ctx context.Context, send func(context.Context) error) error {
	retry := g.cfg.Retry
	if !retry.Enabled {
		return send(ctx)
	}

	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond

	for attempt := 1; ; attempt++ {
		err := send(ctx)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				g.logger.Info("webhook send recovered after retries", "attempt", attempt)
			}
			return nil
		}
		if notifyqueue.IsPermanent(err) {
			return err
		}
		if retry.LogEachAttempt {
			g.logger.Warn("webhook send attempt failed", "attempt", attempt, "error", err.Error())
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("webhook failed after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
