// Package events implements the Event Publisher: the single choke
// point every lifecycle event passes through. Each publish call
// persists synchronously, then fans out asynchronously — to in-process
// handlers, a WebSocket broadcast sink, and a webhook notifier — none
// of which can make publish itself fail.
package events

import (
	"context"

	"github.com/google/uuid"

	"taskorch/internal/asyncutil"
	"taskorch/internal/domain"
	"taskorch/internal/logging"
	"taskorch/internal/metrics"
	"taskorch/internal/store"
)

// Handler is an in-process subscriber invoked for every published
// event, on the bounded fan-out pool.
type Handler func(ctx context.Context, event *domain.TaskEvent)

// Broadcaster is the pure message sink the Publisher pushes project-
// scoped frames into. Implemented by internal/ws's Hub; the Publisher
// holds only this interface, never the hub itself, breaking the cycle
// between publisher and transport.
type Broadcaster interface {
	Broadcast(projectID string, frame any)
}

// Notifier is the webhook fan-out surface. Implemented by
// internal/webhook's dispatcher.
type Notifier interface {
	Notify(ctx context.Context, workspaceID string, event *domain.TaskEvent, taskName, projectName string)
}

// Meta carries the optional context fields publish needs to address
// fan-out sinks; every field beyond TaskID and EventType is optional.
type Meta struct {
	WorkspaceID string
	ProjectID   string
	TaskName    string
	ProjectName string
	UserID      string
	Details     map[string]any
}

// Publisher is the Event Publisher described in the orchestration
// contract.
type Publisher struct {
	store store.Store
	pool  *asyncutil.Pool

	logger logging.Logger

	handlers    []Handler
	broadcaster Broadcaster
	notifier    Notifier
}

// Config tunes the background fan-out pool.
type Config struct {
	// Workers is the number of goroutines draining the fan-out pool.
	// Zero or negative means 4.
	Workers int
	// QueueDepth bounds how many pending fan-out jobs may queue before
	// Submit reports backpressure. Zero or negative means 256.
	QueueDepth int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// New constructs a Publisher backed by st, fanning out on a bounded
// pool sized by cfg.
func New(st store.Store, cfg Config, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Nop
	}
	logger = logging.WithComponent(logger, "events")
	cfg = cfg.normalized()
	return &Publisher{
		store:  st,
		pool:   asyncutil.NewPool(logger, "events.fanout", cfg.Workers, cfg.QueueDepth),
		logger: logger,
	}
}

// RegisterHandler adds an in-process subscriber invoked on every
// published event. Handlers are not removable; register once at
// startup composition.
func (p *Publisher) RegisterHandler(h Handler) {
	p.handlers = append(p.handlers, h)
}

// RegisterBroadcaster installs the WebSocket sink, once at startup.
func (p *Publisher) RegisterBroadcaster(b Broadcaster) {
	p.broadcaster = b
}

// RegisterNotifier installs the webhook dispatcher, once at startup.
func (p *Publisher) RegisterNotifier(n Notifier) {
	p.notifier = n
}

// Publish persists a TaskEvent synchronously and returns the persisted
// snapshot, then fans out the three dispatches asynchronously and
// non-blockingly. A failure in any dispatch is logged, never returned:
// the durable event log is the authoritative record.
func (p *Publisher) Publish(ctx context.Context, eventType domain.EventType, taskID string, meta Meta) (*domain.TaskEvent, error) {
	event := &domain.TaskEvent{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		EventType: eventType,
		UserID:    meta.UserID,
		Details:   meta.Details,
	}
	timer := metrics.NewTimer()
	saved, err := p.store.CreateTaskEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(eventType)).Inc()

	p.dispatchHandlers(saved)
	p.dispatchBroadcast(saved, meta)
	p.dispatchWebhook(saved, meta)
	timer.ObserveDurationVec(metrics.EventDispatchDuration, string(eventType))

	return saved, nil
}

func (p *Publisher) dispatchHandlers(event *domain.TaskEvent) {
	for _, h := range p.handlers {
		h := h
		if !p.pool.Submit(func() { h(context.Background(), event) }) {
			p.logger.Warn("event handler dispatch dropped for task %s: fan-out queue full", event.TaskID)
		}
	}
}

func (p *Publisher) dispatchBroadcast(event *domain.TaskEvent, meta Meta) {
	if meta.ProjectID == "" || p.broadcaster == nil {
		return
	}
	frame := map[string]any{
		"type":       "task_event",
		"event_type": string(event.EventType),
		"task_id":    event.TaskID,
		"details":    event.Details,
		"timestamp":  event.CreatedAt,
	}
	if !p.pool.Submit(func() { p.broadcaster.Broadcast(meta.ProjectID, frame) }) {
		p.logger.Warn("ws broadcast dropped for task %s: fan-out queue full", event.TaskID)
	}
}

func (p *Publisher) dispatchWebhook(event *domain.TaskEvent, meta Meta) {
	if meta.WorkspaceID == "" || meta.TaskName == "" || p.notifier == nil {
		return
	}
	if !p.pool.Submit(func() {
		p.notifier.Notify(context.Background(), meta.WorkspaceID, event, meta.TaskName, meta.ProjectName)
	}) {
		p.logger.Warn("webhook dispatch dropped for task %s: fan-out queue full", event.TaskID)
	}
}

// TaskCreated publishes a created event.
func (p *Publisher) TaskCreated(ctx context.Context, taskID string, meta Meta) (*domain.TaskEvent, error) {
	return p.Publish(ctx, domain.EventCreated, taskID, meta)
}

// TaskStarted publishes a started event.
func (p *Publisher) TaskStarted(ctx context.Context, taskID string, meta Meta) (*domain.TaskEvent, error) {
	return p.Publish(ctx, domain.EventStarted, taskID, meta)
}

// TaskCompleted publishes a completed event, attaching result in details.
func (p *Publisher) TaskCompleted(ctx context.Context, taskID string, result map[string]any, meta Meta) (*domain.TaskEvent, error) {
	meta.Details = mergeDetails(meta.Details, "result", result)
	return p.Publish(ctx, domain.EventCompleted, taskID, meta)
}

// TaskFailed publishes a failed event, attaching error in details.
func (p *Publisher) TaskFailed(ctx context.Context, taskID string, errMsg string, meta Meta) (*domain.TaskEvent, error) {
	meta.Details = mergeDetails(meta.Details, "error", errMsg)
	return p.Publish(ctx, domain.EventFailed, taskID, meta)
}

// TaskCancelled publishes a cancelled event.
func (p *Publisher) TaskCancelled(ctx context.Context, taskID string, meta Meta) (*domain.TaskEvent, error) {
	return p.Publish(ctx, domain.EventCancelled, taskID, meta)
}

func mergeDetails(details map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}
