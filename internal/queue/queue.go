// Package queue implements the Task Queue: the component that binds
// the in-memory dependency Graph and the durable Store into an
// orchestration engine. A single internal mutex serializes every
// mutating operation so invariants on running-task count and state
// transitions hold.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/logging"
	"taskorch/internal/metrics"
	"taskorch/internal/store"
	"taskorch/internal/taskgraph"
)

// Config holds the queue's tunables.
type Config struct {
	// MaxConcurrent bounds how many tasks may be in the running state
	// at once. Zero or negative means 5.
	MaxConcurrent int
	// DefaultPriority is applied to a TaskCreate with Priority == 0.
	DefaultPriority int
	// MaxRetries bounds automatic retry on Fail(retry=true). Zero or
	// negative means 3.
	MaxRetries int
}

func (c Config) normalized() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// TaskCreate is the input shape for Register.
type TaskCreate struct {
	ProjectID    string
	Name         string
	Description  string
	Service      string
	Payload      map[string]any
	Priority     int
	Dependencies []string
	Metadata     map[string]string
	CreatedBy    string
}

// Queue is the orchestration engine. It is safe for concurrent use;
// every mutating method takes the internal mutex.
type Queue struct {
	mu sync.Mutex

	cfg    Config
	store  store.Store
	graph  *taskgraph.Graph
	logger logging.Logger

	runningCount int
}

// New constructs a Queue. Call Initialize before serving traffic.
func New(st store.Store, cfg Config, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Nop
	}
	return &Queue{
		cfg:    cfg.normalized(),
		store:  st,
		graph:  taskgraph.New(),
		logger: logging.WithComponent(logger, "queue"),
	}
}

// Initialize loads all tasks from the Store and reconciles the Graph:
// non-terminal tasks are admitted (cycles are logged and the task is
// skipped, never fatal), a task observed running is forcibly demoted
// to queued, stamped RecoveredFromRunningAt and given an updated event
// with reason recovered_from_running (a previous process died
// mid-execution), and completed tasks mark the Graph's completed
// set so their dependents can be observed as satisfied.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.store.GetAllTasks(ctx)
	if err != nil {
		return err
	}

	running := 0
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskCompleted:
			q.graph.MarkComplete(t.ID)
			continue
		case domain.TaskFailed, domain.TaskCancelled:
			continue
		}

		if t.Status == domain.TaskRunning {
			updated, err := q.store.UpdateTaskStatus(ctx, t.ID, domain.TaskQueued, nil, "")
			if err != nil {
				return err
			}
			t = updated
			recoveredAt := time.Now().UTC()
			t.RecoveredFromRunningAt = &recoveredAt
			if err := q.store.SaveTask(ctx, t); err != nil {
				return err
			}
			if _, err := q.store.CreateTaskEvent(ctx, &domain.TaskEvent{
				TaskID:    t.ID,
				EventType: domain.EventUpdated,
				Details:   map[string]any{"reason": "recovered_from_running"},
			}); err != nil {
				return err
			}
			q.logger.Warn("recovered task %s from running at startup, demoted to queued", t.ID)
		}

		if err := q.graph.Add(t); err != nil {
			q.logger.Error("dropping task %s from graph at startup: %v", t.ID, err)
			continue
		}
		if t.Status == domain.TaskRunning {
			running++
		}
	}
	q.runningCount = running
	q.refreshDepthLocked()
	return nil
}

// Register admits a batch of new tasks. Each is assigned a fresh id
// and materialized with status pending; the Graph validates the whole
// batch before any persistence happens, so callers get a synchronous
// cycle error with no partial effect. On success, tasks are persisted
// in order and their ids returned.
func (q *Queue) Register(ctx context.Context, creates []TaskCreate) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*domain.Task, 0, len(creates))
	admitted := make([]string, 0, len(creates))
	for _, c := range creates {
		priority := c.Priority
		if priority == 0 {
			priority = q.cfg.DefaultPriority
		}
		t := &domain.Task{
			ID:           uuid.NewString(),
			ProjectID:    c.ProjectID,
			Name:         c.Name,
			Description:  c.Description,
			Service:      c.Service,
			Payload:      c.Payload,
			Priority:     priority,
			Status:       domain.TaskPending,
			Dependencies: c.Dependencies,
			Metadata:     c.Metadata,
			CreatedBy:    c.CreatedBy,
			CreatedAt:    time.Now().UTC(),
			Version:      1,
		}
		if err := q.graph.Add(t); err != nil {
			for _, id := range admitted {
				q.graph.Remove(id)
			}
			return nil, err
		}
		admitted = append(admitted, t.ID)
		tasks = append(tasks, t)
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := q.store.SaveTask(ctx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	metrics.TasksEnqueuedTotal.Add(float64(len(ids)))
	q.refreshDepthLocked()
	return ids, nil
}

// GetNext pops the highest-priority ready task, marks it running (the
// Store stamps started_at on the first transition), increments the
// running count and returns the updated snapshot. Returns (nil, nil)
// if the concurrency cap is reached or nothing is ready.
func (q *Queue) GetNext(ctx context.Context) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.runningCount >= q.cfg.MaxConcurrent {
		return nil, nil
	}
	ready := q.graph.Ready()
	if len(ready) == 0 {
		return nil, nil
	}
	next := ready[0]

	updated, err := q.store.UpdateTaskStatus(ctx, next.ID, domain.TaskRunning, nil, "")
	if err != nil {
		return nil, err
	}
	// Refresh the graph's snapshot so the task leaves the ready set.
	if err := q.graph.Add(updated); err != nil {
		return nil, err
	}
	q.runningCount++
	q.refreshDepthLocked()
	return updated, nil
}

// Complete transitions id to completed, records result, marks it
// complete in the Graph so dependents can become ready, and decrements
// the running count (floored at zero). If the task was not observed
// running, the anomaly is logged but the transition still proceeds.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]any) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TaskRunning {
		q.logger.Warn("completing task %s from unexpected status %s", id, current.Status)
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, domain.TaskCompleted, result, "")
	if err != nil {
		return nil, err
	}
	q.graph.MarkComplete(id)
	q.decrementRunning()
	metrics.TasksCompletedTotal.WithLabelValues(string(domain.TaskCompleted)).Inc()
	q.refreshDepthLocked()
	return updated, nil
}

// Fail decrements the running count. If retry is true and the task's
// retry_count has not reached MaxRetries, it increments retry_count
// and re-queues the task (left in the Graph, eligible again); otherwise
// it transitions the task to failed with the given error message.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string, retry bool) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.decrementRunning()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if retry && current.RetryCount < q.cfg.MaxRetries {
		current.RetryCount++
		current.Status = domain.TaskQueued
		if err := q.store.SaveTask(ctx, current); err != nil {
			return nil, err
		}
		// Refresh the graph's snapshot so the task is ready again.
		if q.graph.Contains(id) {
			if err := q.graph.Add(current); err != nil {
				return nil, err
			}
		}
		q.refreshDepthLocked()
		return current, nil
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, domain.TaskFailed, nil, errMsg)
	if err != nil {
		return nil, err
	}
	metrics.TasksCompletedTotal.WithLabelValues(string(domain.TaskFailed)).Inc()
	q.refreshDepthLocked()
	return updated, nil
}

func (q *Queue) decrementRunning() {
	if q.runningCount > 0 {
		q.runningCount--
	}
}

// Cancel transitions id to cancelled, only from pending or queued, and
// removes it from the Graph. Cancelling a running task is rejected —
// the queue does not interrupt in-flight work.
func (q *Queue) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TaskPending && current.Status != domain.TaskQueued {
		return nil, apperr.New("queue.Cancel", apperr.KindInvalidTransition, nil)
	}

	updated, err := q.store.UpdateTaskStatus(ctx, id, domain.TaskCancelled, nil, "")
	if err != nil {
		return nil, err
	}
	q.graph.Remove(id)
	metrics.TasksCompletedTotal.WithLabelValues(string(domain.TaskCancelled)).Inc()
	q.refreshDepthLocked()
	return updated, nil
}

// refreshDepthLocked updates the queue-depth and by-status gauges from
// the graph's current view. Callers must already hold q.mu.
func (q *Queue) refreshDepthLocked() {
	stats := q.graph.Stats()
	metrics.QueueDepth.Set(float64(stats.ReadyTasks))
	metrics.TasksByStatus.WithLabelValues("ready").Set(float64(stats.ReadyTasks))
	metrics.TasksByStatus.WithLabelValues("pending").Set(float64(stats.PendingTasks))
	metrics.TasksByStatus.WithLabelValues("running").Set(float64(q.runningCount))
	metrics.TasksByStatus.WithLabelValues("completed").Set(float64(stats.CompletedTasks))
}

// ExecutionOrder returns the topological order of currently contained
// tasks, for planning/display.
func (q *Queue) ExecutionOrder() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.graph.TopoSort()
}

// Stats aggregates graph and running-count state.
type Stats struct {
	taskgraph.Stats
	RunningCount  int
	MaxConcurrent int
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Stats:         q.graph.Stats(),
		RunningCount:  q.runningCount,
		MaxConcurrent: q.cfg.MaxConcurrent,
	}
}

// Comment appends a comment event for a task without any state
// transition.
func (q *Queue) Comment(ctx context.Context, taskID, userID, body string) (*domain.TaskEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return q.store.CreateTaskEvent(ctx, &domain.TaskEvent{
		TaskID:    taskID,
		EventType: domain.EventComment,
		UserID:    userID,
		Details:   map[string]any{"body": body},
	})
}

// Assign records an assigned event with the assignee in details. It
// performs no state transition of its own.
func (q *Queue) Assign(ctx context.Context, taskID, assigneeUserID, byUserID string) (*domain.TaskEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return q.store.CreateTaskEvent(ctx, &domain.TaskEvent{
		TaskID:    taskID,
		EventType: domain.EventAssigned,
		UserID:    byUserID,
		Details:   map[string]any{"assignee": assigneeUserID},
	})
}

// Explanation is the result of Explain: every transitive dependency of
// a task, partitioned by whether the Graph currently observes it as
// completed.
type Explanation struct {
	TaskID      string
	Satisfied   []string
	Unsatisfied []string
}

// Explain returns taskID's full transitive dependency set, partitioned
// into satisfied and unsatisfied ids, for diagnostics.
func (q *Queue) Explain(taskID string) (Explanation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.graph.Contains(taskID) {
		return Explanation{}, apperr.New("queue.Explain", apperr.KindNotFound, fmt.Errorf("task %s not in graph", taskID))
	}

	all := q.graph.AllTransitiveDeps(taskID)
	ex := Explanation{TaskID: taskID}
	for dep := range all {
		if q.graph.IsComplete(dep) {
			ex.Satisfied = append(ex.Satisfied, dep)
		} else {
			ex.Unsatisfied = append(ex.Unsatisfied, dep)
		}
	}
	return ex, nil
}
