// Package webhook implements the Webhook Notifier: per-workspace
// outbound subscriptions delivered to Slack/Discord over HTTP, with
// linear-attempt retries and no backoff between them. The event
// publisher that calls Notify adds no retry or backoff of its own.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/asyncutil"
	"taskorch/internal/domain"
	"taskorch/internal/logging"
	"taskorch/internal/metrics"
	"taskorch/internal/store"
)

// Config tunes delivery attempts and the background fan-out pool.
type Config struct {
	// MaxRetries is the number of attempts after the first. Zero or
	// negative means 3.
	MaxRetries int
	// AttemptTimeout bounds a single HTTP POST. Zero or negative means
	// 10s.
	AttemptTimeout time.Duration
	// Workers/QueueDepth size the pool used for background=true
	// dispatch. Zero or negative means 4/256.
	Workers    int
	QueueDepth int
}

func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// Dispatcher is the Webhook Notifier. It satisfies events.Notifier so
// it can be registered into the Event Publisher at composition; its
// own Dispatch method exposes the richer notify(...) contract for
// direct callers.
type Dispatcher struct {
	store  store.Store
	client *http.Client
	cfg    Config
	logger logging.Logger
	pool   *asyncutil.Pool
}

// New constructs a Dispatcher backed by st.
func New(st store.Store, cfg Config, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop
	}
	logger = logging.WithComponent(logger, "webhook")
	cfg = cfg.normalized()
	return &Dispatcher{
		store:  st,
		client: &http.Client{},
		cfg:    cfg,
		logger: logger,
		pool:   asyncutil.NewPool(logger, "webhook.dispatch", cfg.Workers, cfg.QueueDepth),
	}
}

// Notify implements events.Notifier. It is always invoked from the
// publisher's own fan-out pool, so it dispatches synchronously here —
// backgrounding twice would just hide the same latency one layer
// deeper.
func (d *Dispatcher) Notify(ctx context.Context, workspaceID string, event *domain.TaskEvent, taskName, projectName string) {
	if _, _, err := d.Dispatch(ctx, workspaceID, event.EventType, event.TaskID, taskName, projectName, event.Details, false); err != nil {
		d.logger.Warn("webhook dispatch failed for workspace %s task %s: %v", workspaceID, event.TaskID, err)
	}
}

// Dispatch implements the notify(workspace_id, event_type, task_id,
// task_name, project_name?, details?, background?=true) operation.
//
// When background is true, the fan-out is scheduled on the bounded
// pool and Dispatch returns immediately with a correlation id and a
// nil result list; when false, it awaits every send and returns an
// ordered bool list (one entry per subscribed webhook, in the order
// ListWebhooksByWorkspace returned them).
func (d *Dispatcher) Dispatch(ctx context.Context, workspaceID string, eventType domain.EventType, taskID, taskName, projectName string, details map[string]any, background bool) ([]bool, string, error) {
	dispatchID := uuid.NewString()

	hooks, err := d.store.ListWebhooksByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, dispatchID, err
	}

	var targets []*domain.Webhook
	for _, h := range hooks {
		if h.Subscribes(eventType) {
			targets = append(targets, h)
		}
	}

	if background {
		for _, h := range targets {
			h := h
			if !d.pool.Submit(func() {
				if _, err := d.send(context.Background(), h, eventType, taskID, taskName, projectName, details); err != nil {
					d.logger.Warn("webhook %s delivery failed (dispatch %s): %v", h.ID, dispatchID, err)
				}
			}) {
				d.logger.Warn("webhook fan-out queue full, dropping delivery to %s (dispatch %s)", h.ID, dispatchID)
			}
		}
		return nil, dispatchID, nil
	}

	results := make([]bool, len(targets))
	for i, h := range targets {
		ok, err := d.send(ctx, h, eventType, taskID, taskName, projectName, details)
		if err != nil {
			d.logger.Warn("webhook %s delivery failed (dispatch %s): %v", h.ID, dispatchID, err)
		}
		results[i] = ok
	}
	return results, dispatchID, nil
}

// Test sends a synthetic "created" event to webhook w, bypassing its
// active/subscription filter (the caller already chose w directly).
func (d *Dispatcher) Test(ctx context.Context, w *domain.Webhook) (bool, error) {
	return d.send(ctx, w, domain.EventCreated, "test-task", "Test Task", "", map[string]any{
		"result": "this is a test notification",
	})
}

// send builds the service payload once and POSTs it to w.URL, retrying
// up to cfg.MaxRetries additional times on failure. Each attempt gets
// its own timeout; there is no backoff between attempts (§7).
func (d *Dispatcher) send(ctx context.Context, w *domain.Webhook, eventType domain.EventType, taskID, taskName, projectName string, details map[string]any) (bool, error) {
	a, err := adapterFor(w.Service)
	if err != nil {
		return false, err
	}
	payload := a.buildPayload(eventType, taskID, taskName, projectName, details)
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	timer := metrics.NewTimer()
	service := string(w.Service)
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			timer.ObserveDurationVec(metrics.WebhookDeliveryDuration, service)
			return false, err
		}
		if attempt > 0 {
			metrics.WebhookRetriesTotal.WithLabelValues(service).Inc()
		}
		if err := d.attempt(ctx, w.URL, body); err != nil {
			lastErr = err
			d.logger.Debug("webhook %s attempt %d/%d failed: %v", w.ID, attempt+1, d.cfg.MaxRetries+1, err)
			continue
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(service, "success").Inc()
		timer.ObserveDurationVec(metrics.WebhookDeliveryDuration, service)
		return true, nil
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(service, "failure").Inc()
	timer.ObserveDurationVec(metrics.WebhookDeliveryDuration, service)
	return false, fmt.Errorf("webhook %s: all %d attempts failed: %w", w.ID, d.cfg.MaxRetries+1, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
