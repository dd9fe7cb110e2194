// Package redis keeps the task queue in Redis and throttles submissions
// with a sliding-window counter.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/pkg/retry"
)

const keyPrefix = "crosslink:"

func taskKey(id string) string              { return keyPrefix + "task:" + id }
func allTasksKey() string                   { return keyPrefix + "tasks:all" }
func pendingKey(machine domain.Role) string { return keyPrefix + "tasks:pending:" + string(machine) }

// maxTxAttempts bounds optimistic transaction retries on WATCH conflicts.
const maxTxAttempts = 10

// record is the stored shape of a task. Context is kept as encoded text so
// every backend persists the same columns.
type record struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	FromMachine string     `json:"from_machine"`
	ToMachine   string     `json:"to_machine"`
	Context     *string    `json:"context"`
	Status      string     `json:"status"`
	Result      *string    `json:"result"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func toRecord(t *domain.Task) record {
	return record{
		ID:          t.ID,
		Prompt:      t.Prompt,
		FromMachine: string(t.FromMachine),
		ToMachine:   string(t.ToMachine),
		Context:     domain.EncodeContext(t.Context),
		Status:      string(t.Status),
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt.UTC(),
		CompletedAt: t.CompletedAt,
	}
}

func (r record) task() *domain.Task {
	return &domain.Task{
		ID:          r.ID,
		Prompt:      r.Prompt,
		FromMachine: domain.Role(r.FromMachine),
		ToMachine:   domain.Role(r.ToMachine),
		Context:     domain.DecodeContext(r.Context),
		Status:      domain.Status(r.Status),
		Result:      r.Result,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// score orders tasks by creation time. Microseconds stay exact in a float64.
func score(t time.Time) float64 { return float64(t.UnixMicro()) }

// TaskStore is a queue.Store on Redis. Each task is a JSON value; sorted
// sets index all tasks and the pending tasks of each machine.
type TaskStore struct {
	client *redis.Client
}

// NewTaskStore wraps an existing client. Close closes the client.
func NewTaskStore(client *redis.Client) *TaskStore {
	return &TaskStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *TaskStore) Create(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(toRecord(task))
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	key := taskKey(task.ID)

	return s.optimistic(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists %s: %w", task.ID, err)
		}
		if n > 0 {
			return &domain.DuplicateTaskError{TaskID: task.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, allTasksKey(), redis.Z{Score: score(task.CreatedAt), Member: task.ID})
			if task.Status == domain.StatusPending {
				pipe.ZAdd(ctx, pendingKey(task.ToMachine), redis.Z{Score: score(task.CreatedAt), Member: task.ID})
			}
			return nil
		})
		return err
	})
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	rec, err := load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	return rec.task(), nil
}

func (s *TaskStore) ListPending(ctx context.Context, machine domain.Role) ([]*domain.Task, error) {
	ids, err := s.client.ZRange(ctx, pendingKey(machine), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pending index for %s: %w", machine, err)
	}
	tasks, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	pending := tasks[:0]
	for _, t := range tasks {
		if t.Status == domain.StatusPending {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// Complete reads, checks and rewrites the task under WATCH so two
// concurrent completions cannot both succeed.
func (s *TaskStore) Complete(ctx context.Context, id string, result, errMsg *string, completedAt time.Time) (*domain.Task, error) {
	key := taskKey(id)
	var done *domain.Task

	err := s.optimistic(ctx, key, func(tx *redis.Tx) error {
		rec, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if domain.Status(rec.Status) != domain.StatusPending {
			return &domain.TaskAlreadyCompletedError{TaskID: id}
		}

		at := completedAt.UTC()
		if at.Before(rec.CreatedAt) {
			at = rec.CreatedAt
		}
		rec.Status = string(domain.StatusCompleted)
		rec.Result = result
		rec.Error = errMsg
		rec.CompletedAt = &at

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, pendingKey(domain.Role(rec.ToMachine)), id)
			return nil
		})
		if err != nil {
			return err
		}
		done = rec.task()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (s *TaskStore) ListAll(ctx context.Context) ([]*domain.Task, error) {
	ids, err := s.client.ZRevRange(ctx, allTasksKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis task index: %w", err)
	}
	return s.loadMany(ctx, ids)
}

func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *TaskStore) Close() error { return s.client.Close() }

// optimistic runs fn inside WATCH key, retrying when another client
// modified the key before EXEC.
func (s *TaskStore) optimistic(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: maxTxAttempts,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, redis.TxFailedErr) },
	}, func() error {
		return s.client.Watch(ctx, fn, key)
	})
}

func (s *TaskStore) loadMany(ctx context.Context, ids []string) ([]*domain.Task, error) {
	tasks := make([]*domain.Task, 0, len(ids))
	if len(ids) == 0 {
		return tasks, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget tasks: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a task value; skip it.
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		tasks = append(tasks, rec.task())
	}
	return tasks, nil
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, id string) (record, error) {
	var rec record
	data, err := c.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rec, &domain.TaskNotFoundError{TaskID: id}
		}
		return rec, fmt.Errorf("redis get task %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return rec, nil
}
