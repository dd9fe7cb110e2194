// Package notify delivers task lifecycle events to an HTTP endpoint, so an
// agent can be woken when work arrives instead of polling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/crosslink/internal/queue"
	"github.com/ramiqadoumi/crosslink/pkg/retry"
)

// EventTypeHeader names the lifecycle event on every delivery.
const EventTypeHeader = "X-Crosslink-Event"

// statusError is a non-2xx reply from the endpoint.
type statusError struct {
	URL    string
	Status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.Status)
}

// WebhookSink POSTs each event as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  retry.Config
}

// Option configures a WebhookSink.
type Option func(*WebhookSink)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(s *WebhookSink) { s.client = c } }

// WithRetry replaces the default delivery retry policy.
func WithRetry(cfg retry.Config) Option { return func(s *WebhookSink) { s.retry = cfg } }

// NewWebhookSink creates a sink delivering to url.
func NewWebhookSink(url string, opts ...Option) *WebhookSink {
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.Retryable == nil {
		s.retry.Retryable = retryable
	}
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Publish(ctx context.Context, ev queue.Event) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.url", s.url),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("task.id", ev.Task.ID),
	)

	body, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	err = retry.Do(ctx, s.retry, func() error { return s.deliver(ctx, ev.Type, body) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return err
	}
	return nil
}

func (s *WebhookSink) deliver(ctx context.Context, typ queue.EventType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventTypeHeader, string(typ))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call to %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{URL: s.url, Status: resp.StatusCode}
	}
	return nil
}

// retryable retries transport failures and 5xx/429 replies. Other 4xx
// replies will not change on resend.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
