package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
	"github.com/akylbek/payment-system/merchant-payments/internal/metrics"
	"github.com/akylbek/payment-system/merchant-payments/internal/models"
	"github.com/akylbek/payment-system/merchant-payments/internal/telemetry"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultMaxResponseBody = 4096
	defaultBaseBackoff     = 30 * time.Second
	defaultMaxBackoff      = time.Hour
)

type DispatcherOptions struct {
	PlatformName string
	Timeout      time.Duration
	Concurrency  int
	// MaxAttempts bounds sends per delivery, the first one included. Zero
	// means retries are scheduled forever.
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	MaxResponseBody int
	HTTPClient      *http.Client
	Now             func() time.Time
}

// WebhookDispatcher fans an event out to every active subscription of a
// merchant and records one WebhookDelivery per subscription. Delivery
// problems are logged and recorded, never returned to the caller.
type WebhookDispatcher struct {
	store  interfaces.WebhookStore
	client *http.Client
	header string
	opts   DispatcherOptions

	wg sync.WaitGroup
}

var _ interfaces.Notifier = (*WebhookDispatcher)(nil)

func NewWebhookDispatcher(store interfaces.WebhookStore, opts DispatcherOptions) *WebhookDispatcher {
	if opts.PlatformName == "" {
		opts.PlatformName = "Platform"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultWebhookTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &WebhookDispatcher{
		store:  store,
		client: client,
		header: SignatureHeader(opts.PlatformName),
		opts:   opts,
	}
}

// Enqueue dispatches in the background. Wait blocks until every enqueued
// dispatch has finished.
func (d *WebhookDispatcher) Enqueue(merchantID string, eventType models.EventType, data models.PaymentEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Dispatch(context.Background(), merchantID, eventType, data); err != nil {
			telemetry.Logger.Error("Webhook dispatch failed",
				zap.String("merchant_id", merchantID),
				zap.String("event_type", string(eventType)),
				zap.String("payment_id", data.PaymentID),
				zap.Error(err),
			)
		}
	}()
}

func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch sends one event to every matching subscription concurrently and
// returns the recorded deliveries. The error covers only building the event
// and loading subscriptions.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, merchantID string, eventType models.EventType, data models.PaymentEvent) ([]models.WebhookDelivery, error) {
	ctx, span := telemetry.StartSpan(ctx, "webhook.dispatch",
		attribute.String("merchant_id", merchantID),
		attribute.String("event_type", string(eventType)),
	)
	defer span.End()

	now := d.opts.Now()
	event := models.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: now,
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event: %w", err)
	}

	hooks, err := d.store.ListActiveWebhooks(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}

	var targets []models.Webhook
	for _, hook := range hooks {
		if hook.Subscribes(eventType) {
			targets = append(targets, hook)
		}
	}
	span.SetAttributes(attribute.Int("subscriptions", len(targets)))
	if len(targets) == 0 {
		return nil, nil
	}

	deliveries := make([]models.WebhookDelivery, len(targets))
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i, hook := range targets {
		i, hook := i, hook
		g.Go(func() error {
			delivery := models.WebhookDelivery{
				ID:        uuid.NewString(),
				WebhookID: hook.ID,
				EventID:   event.ID,
				EventType: eventType,
				Payload:   payload,
				CreatedAt: now,
			}
			d.attempt(ctx, hook, &delivery)
			if err := d.store.InsertDelivery(ctx, &delivery); err != nil {
				telemetry.Logger.Error("Failed to record webhook delivery",
					zap.String("webhook_id", hook.ID),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
			deliveries[i] = delivery
			return nil
		})
	}
	_ = g.Wait()

	return deliveries, nil
}

// Redeliver re-sends a stored delivery's exact payload with a fresh
// signature and persists the new outcome.
func (d *WebhookDispatcher) Redeliver(ctx context.Context, delivery *models.WebhookDelivery) error {
	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		return fmt.Errorf("load webhook %s: %w", delivery.WebhookID, err)
	}
	if !hook.Active {
		delivery.NextRetryAt = nil
		delivery.UpdatedAt = d.opts.Now()
		telemetry.Logger.Info("Dropping redelivery for inactive webhook",
			zap.String("delivery_id", delivery.ID),
			zap.String("webhook_id", hook.ID),
		)
		return d.store.UpdateDelivery(ctx, delivery)
	}
	d.attempt(ctx, *hook, delivery)
	return d.store.UpdateDelivery(ctx, delivery)
}

// attempt performs one send and folds the outcome into delivery.
func (d *WebhookDispatcher) attempt(ctx context.Context, hook models.Webhook, delivery *models.WebhookDelivery) {
	status, body, err := d.send(ctx, hook, delivery.Payload)

	now := d.opts.Now()
	delivery.AttemptCount++
	delivery.ResponseStatus = status
	delivery.ResponseBody = body
	delivery.UpdatedAt = now

	if err == nil && status >= 200 && status < 300 {
		delivery.DeliveredAt = &now
		delivery.NextRetryAt = nil
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		telemetry.Logger.Info("Webhook delivered",
			zap.String("webhook_id", hook.ID),
			zap.String("event_id", delivery.EventID),
			zap.Int("status", status),
			zap.Int("attempt", delivery.AttemptCount),
		)
		return
	}

	if err != nil {
		delivery.ResponseBody = storableText(err.Error(), d.opts.MaxResponseBody)
	}
	if d.opts.MaxAttempts > 0 && delivery.AttemptCount >= d.opts.MaxAttempts {
		delivery.NextRetryAt = nil
		metrics.WebhookDeliveries.WithLabelValues("abandoned").Inc()
	} else {
		next := now.Add(d.backoff(delivery.AttemptCount))
		delivery.NextRetryAt = &next
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	}

	fields := []zap.Field{
		zap.String("webhook_id", hook.ID),
		zap.String("event_id", delivery.EventID),
		zap.Int("status", status),
		zap.Int("attempt", delivery.AttemptCount),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if delivery.NextRetryAt != nil {
		fields = append(fields, zap.Time("next_retry_at", *delivery.NextRetryAt))
	}
	telemetry.Logger.Warn("Webhook delivery failed", fields...)
}

func (d *WebhookDispatcher) send(ctx context.Context, hook models.Webhook, payload []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(d.header, Sign(hook.Secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// A body that fails mid-read still has a status worth recording.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.opts.MaxResponseBody)))
	return resp.StatusCode, storableText(string(body), d.opts.MaxResponseBody), nil
}

// backoff is base * 2^(attempt-1), capped.
func (d *WebhookDispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.opts.MaxBackoff {
			return d.opts.MaxBackoff
		}
	}
	if delay > d.opts.MaxBackoff {
		return d.opts.MaxBackoff
	}
	return delay
}

// storableText drops invalid UTF-8 and NUL bytes from s and cuts it to at
// most n bytes on a rune boundary, so it fits a TEXT column.
func storableText(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
