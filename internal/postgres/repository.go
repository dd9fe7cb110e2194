package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/postgres/migrations"
)

const uniqueViolation = "23505"

const taskColumns = `id, prompt, from_machine, to_machine, context, status, result, error, created_at, completed_at`

// TaskRepository is the PostgreSQL-backed task store.
type TaskRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool as a task store.
func NewRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every migration is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	applied := make([]string, 0, len(migrations.Files))
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		task.ID, task.Prompt, string(task.FromMachine), string(task.ToMachine),
		domain.EncodeContext(task.Context), string(task.Status),
		task.Result, task.Error, task.CreatedAt, task.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &domain.DuplicateTaskError{TaskID: task.ID}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

func (r *TaskRepository) ListPending(ctx context.Context, machine domain.Role) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE to_machine = $1 AND status = $2
		ORDER BY created_at ASC
	`, string(machine), string(domain.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending tasks for %s: %w", machine, err)
	}
	return collectTasks(rows)
}

// Complete updates only a row that is still pending, so concurrent calls on
// one id serialise on the row lock and exactly one wins.
func (r *TaskRepository) Complete(ctx context.Context, id string, result, errMsg *string, completedAt time.Time) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $1, result = $2, error = $3, completed_at = GREATEST($4, created_at)
		WHERE id = $5 AND status = $6
		RETURNING `+taskColumns,
		string(domain.StatusCompleted), result, errMsg, completedAt, id, string(domain.StatusPending),
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task %s: %w", id, err)
	}
	if !exists {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return nil, &domain.TaskAlreadyCompletedError{TaskID: id}
}

func (r *TaskRepository) ListAll(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func (r *TaskRepository) Close() error {
	r.pool.Close()
	return nil
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	tasks := make([]*domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped so callers can map it to a not-found error.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task                domain.Task
		from, to, statusStr string
		taskCtx             *string
	)
	err := row.Scan(
		&task.ID, &task.Prompt, &from, &to, &taskCtx, &statusStr,
		&task.Result, &task.Error, &task.CreatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.FromMachine = domain.Role(from)
	task.ToMachine = domain.Role(to)
	task.Status = domain.Status(statusStr)
	task.Context = domain.DecodeContext(taskCtx)
	task.CreatedAt = task.CreatedAt.UTC()
	if task.CompletedAt != nil {
		at := task.CompletedAt.UTC()
		task.CompletedAt = &at
	}
	return &task, nil
}
