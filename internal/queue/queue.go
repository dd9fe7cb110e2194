package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/pkg/telemetry"
)

const (
	maxIDAttempts  = 5
	publishTimeout = 10 * time.Second
)

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	Prompt      string          `json:"prompt"`
	FromMachine string          `json:"from_machine"`
	ToMachine   string          `json:"to_machine"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// CompleteRequest is the input to Complete. Both fields may be absent.
type CompleteRequest struct {
	Result *string `json:"result"`
	Error  *string `json:"error"`
}

// Queue validates and routes task operations onto a Store and fans
// lifecycle events out to sinks.
type Queue struct {
	store   Store
	sinks   []EventSink
	limiter Limiter // nil = disabled
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	wg sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *slog.Logger) Option       { return func(q *Queue) { q.logger = l } }
func WithSinks(s ...EventSink) Option        { return func(q *Queue) { q.sinks = append(q.sinks, s...) } }
func WithLimiter(l Limiter) Option           { return func(q *Queue) { q.limiter = l } }
func WithClock(now func() time.Time) Option  { return func(q *Queue) { q.now = now } }
func WithIDGenerator(f func() string) Option { return func(q *Queue) { q.newID = f } }

// New constructs a Queue over store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String()[:8] },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit validates req and inserts a new pending task. It returns as soon as
// the task is stored; event delivery happens in the background.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.submit")
	defer span.End()

	task, err := q.validate(req)
	if err != nil {
		telemetry.TaskRejections.WithLabelValues("validation").Inc()
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	if q.limiter != nil {
		allowed, err := q.limiter.Allow(ctx, string(task.FromMachine))
		if err != nil {
			// Allow on limiter failure rather than lose work to a Redis outage.
			q.logger.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.TaskRejections.WithLabelValues("rate_limited").Inc()
			span.SetStatus(codes.Error, "rate limit exceeded")
			return nil, &domain.RateLimitExceededError{Machine: task.FromMachine, Limit: q.limiter.Limit()}
		}
	}

	task.Status = domain.StatusPending
	task.CreatedAt = q.now()

	for attempt := 1; ; attempt++ {
		task.ID = q.newID()
		err = q.store.Create(ctx, task)
		var dup *domain.DuplicateTaskError
		if err == nil || !errors.As(err, &dup) || attempt == maxIDAttempts {
			break
		}
		q.logger.Warn("task id collision, regenerating", slog.String("task_id", task.ID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store create failed")
		return nil, fmt.Errorf("create task: %w", err)
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.to_machine", string(task.ToMachine)),
	)
	telemetry.TasksSubmitted.WithLabelValues(string(task.FromMachine), string(task.ToMachine)).Inc()
	q.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("from_machine", string(task.FromMachine)),
		slog.String("to_machine", string(task.ToMachine)),
	)

	q.emit(ctx, Event{Type: EventSubmitted, Task: task.Clone(), At: task.CreatedAt})
	return task, nil
}

// Get returns the task with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Task, error) {
	return q.store.Get(ctx, id)
}

// ListPending returns pending tasks addressed to machine, oldest first.
func (q *Queue) ListPending(ctx context.Context, machine string) ([]*domain.Task, error) {
	role, err := domain.ParseRole(machine)
	if err != nil {
		telemetry.TaskRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	tasks, err := q.store.ListPending(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("list pending for %s: %w", role, err)
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return tasks, nil
}

// Complete records the outcome of a pending task. A task completes exactly
// once; later calls fail with *domain.TaskAlreadyCompletedError.
func (q *Queue) Complete(ctx context.Context, id string, req CompleteRequest) (*domain.Task, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.complete")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := q.store.Complete(ctx, id, req.Result, req.Error, q.now())
	if err != nil {
		var notFound *domain.TaskNotFoundError
		var done *domain.TaskAlreadyCompletedError
		switch {
		case errors.As(err, &notFound):
			telemetry.TaskRejections.WithLabelValues("not_found").Inc()
		case errors.As(err, &done):
			telemetry.TaskRejections.WithLabelValues("already_completed").Inc()
		default:
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, "complete failed")
		return nil, err
	}

	outcome := "ok"
	if task.Error != nil && *task.Error != "" {
		outcome = "error"
	}
	telemetry.TasksCompleted.WithLabelValues(string(task.ToMachine), outcome).Inc()
	q.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("to_machine", string(task.ToMachine)),
		slog.String("outcome", outcome),
		slog.Int64("pending_ms", task.CompletedAt.Sub(task.CreatedAt).Milliseconds()),
	)

	q.emit(ctx, Event{Type: EventCompleted, Task: task.Clone(), At: *task.CompletedAt})
	return task, nil
}

// ListAll returns every task newest first with status counts.
func (q *Queue) ListAll(ctx context.Context) (domain.TaskSummary, error) {
	tasks, err := q.store.ListAll(ctx)
	if err != nil {
		return domain.TaskSummary{}, fmt.Errorf("list tasks: %w", err)
	}
	return domain.Summarize(tasks), nil
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error { return q.store.Ping(ctx) }

// Wait blocks until background event deliveries finish.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) validate(req SubmitRequest) (*domain.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &domain.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	from, err := parseRoleField("from_machine", req.FromMachine)
	if err != nil {
		return nil, err
	}
	to, err := parseRoleField("to_machine", req.ToMachine)
	if err != nil {
		return nil, err
	}

	var taskCtx json.RawMessage
	if len(req.Context) > 0 && string(req.Context) != "null" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Context, &obj); err != nil {
			return nil, &domain.ValidationError{Field: "context", Reason: "must be a JSON object"}
		}
		taskCtx = append(json.RawMessage(nil), req.Context...)
	}

	return &domain.Task{
		Prompt:      req.Prompt,
		FromMachine: from,
		ToMachine:   to,
		Context:     taskCtx,
	}, nil
}

func parseRoleField(field, value string) (domain.Role, error) {
	if value == "" {
		return "", &domain.ValidationError{Field: field, Reason: "is required"}
	}
	role, err := domain.ParseRole(value)
	if err != nil {
		return "", &domain.ValidationError{Field: field, Reason: fmt.Sprintf("unknown machine role %q", value)}
	}
	return role, nil
}

// emit hands ev to every sink in the background, detached from the
// request's cancellation.
func (q *Queue) emit(ctx context.Context, ev Event) {
	if len(q.sinks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range q.sinks {
		q.wg.Add(1)
		go func(sink EventSink) {
			defer q.wg.Done()
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			if err := sink.Publish(pubCtx, ev); err != nil {
				telemetry.EventsPublished.WithLabelValues(sink.Name(), "error").Inc()
				q.logger.Error("event publish failed",
					slog.String("sink", sink.Name()),
					slog.String("event", string(ev.Type)),
					slog.String("task_id", ev.Task.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			telemetry.EventsPublished.WithLabelValues(sink.Name(), "ok").Inc()
		}(sink)
	}
}
